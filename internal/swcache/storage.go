package swcache

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"
)

var (
	ErrGenerationDeleted    = errors.New("cache generation deleted")
	ErrMethodNotCacheable   = errors.New("only GET requests can be cached")
	ErrResponseNotCacheable = errors.New("response cannot be cached")
	ErrEntryTooLarge        = errors.New("cache entry exceeds size limit")
	ErrInvalidGeneration    = errors.New("invalid generation name")
)

// CacheStorage groups caches into named generations. Implementations must be
// safe for concurrent use; every Put and Delete is atomic.
type CacheStorage interface {
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes a generation and all its entries. It reports whether the
	// generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys lists generation names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Match looks the request up in every generation, in creation order.
	// A miss is (nil, nil).
	Match(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// Cache is one generation.
type Cache interface {
	Name() string
	// Match returns a copy of the stored response, or (nil, nil) on a miss.
	Match(ctx context.Context, req *Request) (*Response, error)
	Put(ctx context.Context, req *Request, resp *Response) error
	Delete(ctx context.Context, req *Request) (bool, error)
	// Keys lists the request keys stored in the generation.
	Keys(ctx context.Context) ([]string, error)
}

func checkPut(req *Request, resp *Response, maxEntry int64) error {
	if req.Method != http.MethodGet {
		return ErrMethodNotCacheable
	}
	if resp == nil || resp.Stream != nil || resp.Type == TypeError || resp.Status == http.StatusPartialContent {
		return ErrResponseNotCacheable
	}
	if maxEntry > 0 && int64(len(resp.Body)) > maxEntry {
		return ErrEntryTooLarge
	}
	return nil
}

// privateHeaders are never replayed from the cache: the store is shared by
// every client of the process.
var privateHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// storedCopy is the copy of resp a cache keeps.
func storedCopy(resp *Response) *Response {
	out := resp.Clone()
	out.Stream = nil
	out.Generation = ""
	for _, k := range privateHeaders {
		out.Header.Del(k)
	}
	if out.StoredAt.IsZero() {
		out.StoredAt = time.Now()
	}
	return out
}

func checkName(name string) error {
	if name == "" {
		return ErrInvalidGeneration
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return ErrInvalidGeneration
		}
	}
	return nil
}

// ---- memory storage ----

// NewMemoryStorage returns a process-local CacheStorage. maxEntry bounds the
// body size of a single entry; 0 disables the limit.
func NewMemoryStorage(maxEntry int64) CacheStorage {
	return &memStorage{maxEntry: maxEntry, caches: map[string]*memCache{}}
}

type memStorage struct {
	maxEntry int64

	mu     sync.RWMutex
	seq    uint64
	caches map[string]*memCache
}

type memCache struct {
	name     string
	seq      uint64
	maxEntry int64

	mu      sync.RWMutex
	deleted bool
	entries map[string]*Response
}

func (s *memStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	s.seq++
	c := &memCache{name: name, seq: s.seq, maxEntry: s.maxEntry, entries: map[string]*Response{}}
	s.caches[name] = c
	return c, nil
}

func (s *memStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *memStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	c, ok := s.caches[name]
	delete(s.caches, name)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	c.mu.Lock()
	c.deleted = true
	c.entries = nil
	c.mu.Unlock()
	return true, nil
}

func (s *memStorage) ordered() []*memCache {
	s.mu.RLock()
	out := make([]*memCache, 0, len(s.caches))
	for _, c := range s.caches {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *memStorage) Keys(ctx context.Context) ([]string, error) {
	caches := s.ordered()
	out := make([]string, 0, len(caches))
	for _, c := range caches {
		out = append(out, c.name)
	}
	return out, nil
}

func (s *memStorage) Match(ctx context.Context, req *Request) (*Response, error) {
	for _, c := range s.ordered() {
		resp, err := c.Match(ctx, req)
		if err != nil || resp != nil {
			return resp, err
		}
	}
	return nil, nil
}

func (s *memStorage) Close() error { return nil }

func (c *memCache) Name() string { return c.name }

func (c *memCache) Match(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	resp, ok := c.entries[req.Key()]
	if !ok {
		return nil, nil
	}
	out := resp.Clone()
	out.Generation = c.name
	return out, nil
}

func (c *memCache) Put(ctx context.Context, req *Request, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPut(req, resp, c.maxEntry); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return ErrGenerationDeleted
	}
	c.entries[req.Key()] = storedCopy(resp)
	return nil
}

func (c *memCache) Delete(ctx context.Context, req *Request) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := req.Key()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *memCache) Keys(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
