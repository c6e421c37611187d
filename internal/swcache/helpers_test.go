package swcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("network unreachable")

const testOrigin = "http://game.local"

func mustOrigin(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(testOrigin)
	require.NoError(t, err)
	return u
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeNetwork answers from a fixed route table keyed by request URI. Unknown
// URIs get a 404.
type fakeNetwork struct {
	mu      sync.Mutex
	routes  map[string]*Response
	offline bool
	calls   []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{routes: map[string]*Response{}}
}

func (n *fakeNetwork) set(uri string, status int, contentType, body string) {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	n.mu.Lock()
	n.routes[uri] = newResponse(status, h, []byte(body))
	n.mu.Unlock()
}

func (n *fakeNetwork) setResponse(uri string, resp *Response) {
	n.mu.Lock()
	n.routes[uri] = resp
	n.mu.Unlock()
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	uri := req.URL.RequestURI()
	n.calls = append(n.calls, uri)
	if n.offline {
		return nil, errOffline
	}
	resp, ok := n.routes[uri]
	if !ok {
		return newResponse(http.StatusNotFound, nil, []byte("not found")), nil
	}
	out := resp.Clone()
	out.StoredAt = time.Now()
	return out, nil
}

func (n *fakeNetwork) callCount(uri string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, u := range n.calls {
		if u == uri {
			c++
		}
	}
	return c
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

// manualScheduler queues tasks until the test runs them.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []func(ctx context.Context)
	names []string
}

func (m *manualScheduler) Schedule(name string, task func(ctx context.Context)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	m.names = append(m.names, name)
	return true
}

func (m *manualScheduler) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// runAll runs queued tasks, including the ones they schedule, and returns
// how many ran.
func (m *manualScheduler) runAll() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			return n
		}
		task := m.tasks[0]
		m.tasks = m.tasks[1:]
		m.names = m.names[1:]
		m.mu.Unlock()
		task(context.Background())
		n++
	}
}

type workerEnv struct {
	storage CacheStorage
	network *fakeNetwork
	sched   *manualScheduler
	origin  *url.URL
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	return &workerEnv{
		storage: NewMemoryStorage(0),
		network: newFakeNetwork(),
		sched:   &manualScheduler{},
		origin:  mustOrigin(t),
	}
}

func (e *workerEnv) worker(t *testing.T, opts WorkerOptions) *Worker {
	t.Helper()
	opts.Origin = e.origin
	opts.Storage = e.storage
	opts.Network = e.network
	opts.Scheduler = e.sched
	opts.Logger = testLogger()
	if opts.Version == "" {
		opts.Version = "v1"
	}
	w, err := NewWorker(opts)
	require.NoError(t, err)
	return w
}

// activeWorker returns an installed and activated worker.
func (e *workerEnv) activeWorker(t *testing.T, opts WorkerOptions) *Worker {
	t.Helper()
	w := e.worker(t, opts)
	_, err := w.Install(context.Background())
	require.NoError(t, err)
	_, err = w.Activate(context.Background(), nil)
	require.NoError(t, err)
	return w
}

func (e *workerEnv) request(t *testing.T, rawURL string) *Request {
	t.Helper()
	req, err := NewRequest(e.origin, rawURL)
	require.NoError(t, err)
	return req
}

func (e *workerEnv) generationKeys(t *testing.T) []string {
	t.Helper()
	names, err := e.storage.Keys(context.Background())
	require.NoError(t, err)
	return names
}

func cacheKeys(t *testing.T, c Cache) []string {
	t.Helper()
	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	return keys
}
