package swcache

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storages(t *testing.T) map[string]func(t *testing.T) CacheStorage {
	return map[string]func(t *testing.T) CacheStorage{
		"memory": func(t *testing.T) CacheStorage {
			return NewMemoryStorage(1024)
		},
		"leveldb": func(t *testing.T) CacheStorage {
			s, err := NewLevelDBStorage(filepath.Join(t.TempDir(), "db"), 1024)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func okResponse(body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return newResponse(http.StatusOK, h, []byte(body))
}

func TestStorageGenerations(t *testing.T) {
	for name, open := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			for _, gen := range []string{"quiz-v2", "quiz-v1", "quiz-v3"} {
				_, err := s.Open(ctx, gen)
				require.NoError(t, err)
			}
			// reopening does not move a generation
			_, err := s.Open(ctx, "quiz-v2")
			require.NoError(t, err)

			names, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"quiz-v2", "quiz-v1", "quiz-v3"}, names)

			ok, err := s.Has(ctx, "quiz-v1")
			require.NoError(t, err)
			assert.True(t, ok)

			deleted, err := s.Delete(ctx, "quiz-v1")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = s.Delete(ctx, "quiz-v1")
			require.NoError(t, err)
			assert.False(t, deleted)

			names, err = s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"quiz-v2", "quiz-v3"}, names)

			_, err = s.Open(ctx, "")
			assert.ErrorIs(t, err, ErrInvalidGeneration)
		})
	}
}

func TestStoragePutMatch(t *testing.T) {
	origin := mustOrigin(t)
	for name, open := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			c, err := s.Open(ctx, "v1")
			require.NoError(t, err)

			req, err := NewRequest(origin, "/flag-game/api/all-countries?lang=fr")
			require.NoError(t, err)

			miss, err := c.Match(ctx, req)
			require.NoError(t, err)
			assert.Nil(t, miss)

			require.NoError(t, c.Put(ctx, req, okResponse(`["fr","de"]`)))

			got, err := c.Match(ctx, req)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, http.StatusOK, got.Status)
			assert.Equal(t, `["fr","de"]`, string(got.Body))
			assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
			assert.False(t, got.StoredAt.IsZero())

			// the query string is part of the identity
			other, err := NewRequest(origin, "/flag-game/api/all-countries")
			require.NoError(t, err)
			miss, err = c.Match(ctx, other)
			require.NoError(t, err)
			assert.Nil(t, miss)

			assert.Equal(t, []string{"GET /flag-game/api/all-countries?lang=fr"}, cacheKeys(t, c))

			removed, err := c.Delete(ctx, req)
			require.NoError(t, err)
			assert.True(t, removed)
			assert.Empty(t, cacheKeys(t, c))
		})
	}
}

func TestStoragePutRejects(t *testing.T) {
	origin := mustOrigin(t)
	for name, open := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			c, err := s.Open(ctx, "v1")
			require.NoError(t, err)

			get, err := NewRequest(origin, "/")
			require.NoError(t, err)
			post := *get
			post.Method = http.MethodPost
			assert.ErrorIs(t, c.Put(ctx, &post, okResponse("x")), ErrMethodNotCacheable)

			partial := okResponse("x")
			partial.Status = http.StatusPartialContent
			assert.ErrorIs(t, c.Put(ctx, get, partial), ErrResponseNotCacheable)

			failed := okResponse("")
			failed.Type = TypeError
			assert.ErrorIs(t, c.Put(ctx, get, failed), ErrResponseNotCacheable)

			big := okResponse(string(make([]byte, 2048)))
			assert.ErrorIs(t, c.Put(ctx, get, big), ErrEntryTooLarge)

			assert.Empty(t, cacheKeys(t, c))
		})
	}
}

func TestStoragePutAfterDelete(t *testing.T) {
	origin := mustOrigin(t)
	for name, open := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			c, err := s.Open(ctx, "v1")
			require.NoError(t, err)
			req, err := NewRequest(origin, "/")
			require.NoError(t, err)
			require.NoError(t, c.Put(ctx, req, okResponse("home")))

			_, err = s.Delete(ctx, "v1")
			require.NoError(t, err)

			assert.ErrorIs(t, c.Put(ctx, req, okResponse("late")), ErrGenerationDeleted)

			got, err := s.Match(ctx, req)
			require.NoError(t, err)
			assert.Nil(t, got)
			ok, err := s.Has(ctx, "v1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStorageMatchOrder(t *testing.T) {
	origin := mustOrigin(t)
	for name, open := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			older, err := s.Open(ctx, "v1")
			require.NoError(t, err)
			newer, err := s.Open(ctx, "v2")
			require.NoError(t, err)

			req, err := NewRequest(origin, "/")
			require.NoError(t, err)
			require.NoError(t, newer.Put(ctx, req, okResponse("new")))
			require.NoError(t, older.Put(ctx, req, okResponse("old")))

			got, err := s.Match(ctx, req)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "old", string(got.Body))
			assert.Equal(t, "v1", got.Generation)
		})
	}
}

func TestStorageDropsSetCookie(t *testing.T) {
	origin := mustOrigin(t)
	for name, open := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := open(t).Open(ctx, "v1")
			require.NoError(t, err)
			req, err := NewRequest(origin, "/")
			require.NoError(t, err)

			resp := okResponse("<html>home</html>")
			resp.Header.Add("Set-Cookie", "session=player-one")
			resp.Header.Set("Cache-Control", "max-age=60")
			require.NoError(t, c.Put(ctx, req, resp))

			got, err := c.Match(ctx, req)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Empty(t, got.Header.Values("Set-Cookie"))
			assert.Equal(t, "max-age=60", got.Header.Get("Cache-Control"))
			// the caller's response keeps its cookie
			assert.Equal(t, "session=player-one", resp.Header.Get("Set-Cookie"))
		})
	}
}

func TestStorageRejectsStreamedResponse(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryStorage(0).Open(ctx, "v1")
	require.NoError(t, err)
	req, err := NewRequest(mustOrigin(t), "/downloads/archive.zip")
	require.NoError(t, err)

	resp := newResponse(http.StatusOK, nil, nil)
	resp.Stream = io.NopCloser(strings.NewReader("zip"))
	assert.ErrorIs(t, c.Put(ctx, req, resp), ErrResponseNotCacheable)
	assert.False(t, cacheable(resp))
}

func TestMemoryStorageReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(0)
	c, err := s.Open(ctx, "v1")
	require.NoError(t, err)
	req, err := NewRequest(mustOrigin(t), "/")
	require.NoError(t, err)

	resp := okResponse("home")
	require.NoError(t, c.Put(ctx, req, resp))
	resp.Body[0] = 'X'

	got, err := c.Match(ctx, req)
	require.NoError(t, err)
	got.Body[1] = 'X'

	again, err := c.Match(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "home", string(again.Body))
}

func TestLevelDBStorageReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")
	req, err := NewRequest(mustOrigin(t), "/static/game_results.js")
	require.NoError(t, err)

	s, err := NewLevelDBStorage(path, 0)
	require.NoError(t, err)
	for _, gen := range []string{"v2", "v1"} {
		c, err := s.Open(ctx, gen)
		require.NoError(t, err)
		require.NoError(t, c.Put(ctx, req, okResponse("script "+gen)))
	}
	require.NoError(t, s.Close())

	s, err = NewLevelDBStorage(path, 0)
	require.NoError(t, err)
	defer s.Close()

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2", "v1"}, names)

	// new generations sort after the persisted ones
	_, err = s.Open(ctx, "v0")
	require.NoError(t, err)
	names, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2", "v1", "v0"}, names)

	got, err := s.Match(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "script v2", string(got.Body))
}
