package swcache

import (
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Policy selects the order in which the cache and the network are consulted
// for an intercepted request.
type Policy int

const (
	// PolicyCacheFirst serves cached entries immediately and refreshes them in
	// the background (stale-while-revalidate).
	PolicyCacheFirst Policy = iota + 1
	// PolicyNetworkFirst always asks the network and only reads the cache
	// when the network fails.
	PolicyNetworkFirst
)

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cache-first", "stale-while-revalidate":
		return PolicyCacheFirst, nil
	case "network-first":
		return PolicyNetworkFirst, nil
	default:
		return 0, fmt.Errorf("unknown policy %q", s)
	}
}

func (p Policy) String() string {
	switch p {
	case PolicyCacheFirst:
		return "cache-first"
	case PolicyNetworkFirst:
		return "network-first"
	default:
		return "unknown"
	}
}

// RequestMode mirrors the fetch request mode. Only navigate changes how the
// worker behaves.
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// ResponseType mirrors the fetch response type. Error and opaque responses
// are never written to a cache.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Request is the worker's view of an outgoing browser request.
type Request struct {
	Method      string
	URL         *url.URL // always absolute
	Header      http.Header
	Mode        RequestMode
	Destination string // "document", "image", "script", ... or ""
}

// NewRequest builds a GET request for rawURL. Relative paths are resolved
// against origin.
func NewRequest(origin *url.URL, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		if origin == nil {
			return nil, fmt.Errorf("relative url %q without origin", rawURL)
		}
		u = origin.ResolveReference(u)
	}
	return &Request{
		Method: http.MethodGet,
		URL:    u,
		Header: make(http.Header),
		Mode:   ModeSameOrigin,
	}, nil
}

// Key is the request identity used by the cache store: method plus the
// origin-relative URL.
func (r *Request) Key() string {
	return requestKey(r.Method, r.URL)
}

func requestKey(method string, u *url.URL) string {
	return strings.ToUpper(method) + " " + u.RequestURI()
}

func (r *Request) IsNavigation() bool {
	if r.Mode == ModeNavigate || r.Destination == "document" {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/html")
}

// Response is a buffered response snapshot. Body is owned by the response;
// use Clone before handing a response to a second consumer.
//
// A body larger than the network's entry limit is not buffered: Body is nil
// and the bytes are read from Stream, which the consumer must close.
type Response struct {
	Type     ResponseType
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
	Hash32   uint32

	// Generation names the cache generation a matched response came from.
	Generation string

	Stream io.ReadCloser
}

func newResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		Type:   TypeBasic,
		Status: status,
		Header: header,
		Body:   body,
		Hash32: crc32.ChecksumIEEE(body),
	}
}

// OK reports whether the response may be stored: status 200 and a basic
// type.
func (r *Response) OK() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == TypeBasic && r.Stream == nil
}

// Discard closes the unread stream of an oversized response, if any.
func (r *Response) Discard() {
	if r != nil && r.Stream != nil {
		_ = r.Stream.Close()
		r.Stream = nil
	}
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = cloneHeader(r.Header)
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

// cacheable applies the storage rules on top of OK: no-store responses and
// streamed bodies stay out of the cache.
func cacheable(r *Response) bool {
	if !r.OK() {
		return false
	}
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store")
}

// GenerationName joins the configured cache name and the worker version.
func GenerationName(cacheName, version string) string {
	cacheName = strings.TrimSpace(cacheName)
	version = strings.TrimSpace(version)
	if cacheName == "" {
		return version
	}
	return cacheName + "-" + version
}

// Outcome values reported in the X-SW-Cache response header.
const (
	OutcomeHit                = "hit"
	OutcomeMiss               = "miss"
	OutcomeNetwork            = "network"
	OutcomeBypass             = "bypass"
	OutcomeOfflineCache       = "offline-cache"
	OutcomeOfflineShell       = "offline-shell"
	OutcomeOfflineJSON        = "offline-json"
	OutcomeOfflineUnavailable = "offline-unavailable"
	OutcomePassthrough        = "passthrough"
)
