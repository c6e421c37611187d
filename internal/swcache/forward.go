package swcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/elazarl/goproxy"
)

// ForwardProxy serves forward mode: the browser uses swcache as its HTTP
// proxy. Requests for the origin host go through the worker; everything else
// (CDNs, CONNECT tunnels) is relayed untouched. Requests addressed to the
// proxy itself reach the admin endpoints.
func (s *Service) ForwardProxy() http.Handler {
	proxy := goproxy.NewProxyHttpServer()
	proxy.Logger = s.log
	proxy.NonproxyHandler = http.HandlerFunc(s.handleNonProxy)

	proxy.OnRequest(goproxy.ReqHostIs(s.origin.Host)).DoFunc(s.interceptProxied)
	proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		if resp == nil || resp.Header.Get(swHeader) != "" {
			return resp
		}
		setSWHeaders(resp.Header, OutcomePassthrough)
		s.stats.Observe(OutcomePassthrough, 0)
		return resp
	})
	return proxy
}

func (s *Service) handleNonProxy(w http.ResponseWriter, r *http.Request) {
	if s.isAdminPath(r.URL.Path) {
		s.handleAdmin(w, r)
		return
	}
	http.Error(w, "swcache is running in forward mode; configure it as an HTTP proxy", http.StatusBadRequest)
}

func (s *Service) interceptProxied(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	worker := s.reg.Active()
	if worker == nil {
		return r, nil
	}
	req := requestFromHTTP(s.origin, r)
	res := worker.HandleFetch(r.Context(), req)
	if res.Route != RouteIntercept {
		return r, nil
	}

	resp := toHTTPResponse(r, res.Response, res.Outcome)
	if ck := s.trackClient(r, req, worker); ck != nil {
		resp.Header.Add("Set-Cookie", ck.String())
	}
	if res.Response.Stream == nil {
		s.stats.Observe(res.Outcome, len(res.Response.Body))
	} else {
		s.stats.Observe(res.Outcome, -1)
	}
	return r, resp
}

func toHTTPResponse(r *http.Request, resp *Response, outcome string) *http.Response {
	h := cloneHeader(resp.Header)
	h.Del(swHeader)
	setSWHeaders(h, outcome)
	body, length := io.NopCloser(bytes.NewReader(resp.Body)), int64(len(resp.Body))
	if resp.Stream != nil {
		body, length = resp.Stream, -1
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          body,
		ContentLength: length,
		Request:       r,
	}
}
