package swcache

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"
)

// Network performs the real fetch behind the worker. A returned error means
// the network failed (offline, DNS, timeout); HTTP error statuses are
// regular responses.
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

type httpNetwork struct {
	client   *http.Client
	maxEntry int64
}

// NewHTTPNetwork returns a Network backed by client. Bodies up to maxEntry
// bytes are buffered; larger ones are handed back as a stream. 0 buffers
// everything.
func NewHTTPNetwork(client *http.Client, maxEntry int64) Network {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpNetwork{client: client, maxEntry: maxEntry}
}

func (n *httpNetwork) Fetch(ctx context.Context, r *Request) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)

	var src io.Reader = resp.Body
	if n.maxEntry > 0 {
		src = io.LimitReader(resp.Body, n.maxEntry+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("read body: %w", err)
	}

	if n.maxEntry > 0 && int64(len(body)) > n.maxEntry {
		out := newResponse(resp.StatusCode, header, nil)
		out.StoredAt = time.Now()
		out.Stream = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return out, nil
	}
	resp.Body.Close()

	out := newResponse(resp.StatusCode, header, body)
	out.Header.Del("Content-Length")
	out.StoredAt = time.Now()
	out.Hash32 = crc32.ChecksumIEEE(body)
	return out, nil
}

// hopByHopHeaders must not be forwarded by a proxy (RFC 7230).
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
