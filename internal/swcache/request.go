package swcache

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Route is the routing decision for an incoming request. Only RouteIntercept
// requests are handled by the worker; everything else goes to the network
// untouched.
type Route int

const (
	RouteIntercept Route = iota
	RouteIgnoreScheme
	RouteIgnoreMethod
	RouteIgnoreCrossOrigin
)

func (r Route) String() string {
	switch r {
	case RouteIntercept:
		return "intercept"
	case RouteIgnoreScheme:
		return "ignore-scheme"
	case RouteIgnoreMethod:
		return "ignore-method"
	case RouteIgnoreCrossOrigin:
		return "ignore-cross-origin"
	default:
		return "unknown"
	}
}

func classify(origin *url.URL, req *Request) Route {
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return RouteIgnoreScheme
	}
	if req.Method != http.MethodGet {
		return RouteIgnoreMethod
	}
	if !sameOrigin(origin, req.URL) {
		return RouteIgnoreCrossOrigin
	}
	return RouteIntercept
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(hostWithPort(a), hostWithPort(b))
}

func hostWithPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return net.JoinHostPort(u.Hostname(), "80")
	case "https":
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return u.Host
}

// requestFromHTTP converts an incoming server request. Proxy-style requests
// keep their absolute URL; everything else is resolved against origin.
func requestFromHTTP(origin *url.URL, r *http.Request) *Request {
	var u *url.URL
	if r.URL.IsAbs() {
		cp := *r.URL
		u = &cp
	} else {
		u = &url.URL{
			Scheme:   origin.Scheme,
			Host:     origin.Host,
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		}
	}

	req := &Request{
		Method:      r.Method,
		URL:         u,
		Header:      cloneHeader(r.Header),
		Mode:        RequestMode(strings.ToLower(r.Header.Get("Sec-Fetch-Mode"))),
		Destination: strings.ToLower(r.Header.Get("Sec-Fetch-Dest")),
	}
	if req.Mode == "" {
		req.Mode = ModeNoCORS
	}
	return req
}

func isAPIPath(path string) bool {
	return strings.Contains(path, "/api/")
}
