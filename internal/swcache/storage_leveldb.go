package swcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>              -> creation sequence (big endian uint64)
//	e:<generation>\x00<req key> -> gob(storedEntry)
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
)

type storedEntry struct {
	Type     ResponseType
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32
}

// levelStorage keeps every generation in a single leveldb database.
type levelStorage struct {
	maxEntry int64
	db       *leveldb.DB

	// mu orders entry writes against generation deletes so a late write can
	// never land in a swept generation.
	mu  sync.RWMutex
	seq uint64
}

type levelCache struct {
	s    *levelStorage
	name string
}

// NewLevelDBStorage opens (or creates) a leveldb database at path.
func NewLevelDBStorage(path string, maxEntry int64) (CacheStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &levelStorage{maxEntry: maxEntry, db: db}
	if err := s.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *levelStorage) loadSeq() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()
	var max uint64
	for it.Next() {
		if v := decodeSeq(it.Value()); v > max {
			max = v
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.seq = max
	return nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func genKey(name string) []byte {
	return []byte(genPrefix + name)
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

func entryKey(name, reqKey string) []byte {
	return append(entryKeyPrefix(name), reqKey...)
}

func encodeSeq(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeSeq(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (s *levelStorage) hasLocked(name string) (bool, error) {
	return s.db.Has(genKey(name), nil)
}

func (s *levelStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.hasLocked(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.seq++
		if err := s.db.Put(genKey(name), encodeSeq(s.seq), nil); err != nil {
			return nil, err
		}
	}
	return &levelCache{s: s, name: name}, nil
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasLocked(name)
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := checkName(name); err != nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.hasLocked(name)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(genKey(name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

type genInfo struct {
	name string
	seq  uint64
}

func (s *levelStorage) generations() ([]genInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()
	var out []genInfo
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(genPrefix)))
		out = append(out, genInfo{name: name, seq: decodeSeq(it.Value())})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

func (s *levelStorage) Keys(ctx context.Context) ([]string, error) {
	gens, err := s.generations()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(gens))
	for _, g := range gens {
		out = append(out, g.name)
	}
	return out, nil
}

func (s *levelStorage) Match(ctx context.Context, req *Request) (*Response, error) {
	gens, err := s.generations()
	if err != nil {
		return nil, err
	}
	for _, g := range gens {
		c := &levelCache{s: s, name: g.name}
		resp, err := c.Match(ctx, req)
		if err != nil || resp != nil {
			return resp, err
		}
	}
	return nil, nil
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Match(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := c.s.db.Get(entryKey(c.name, req.Key()), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ent storedEntry
	if err := decodeGob(b, &ent); err != nil {
		return nil, err
	}
	return &Response{
		Type:       ent.Type,
		Status:     ent.Status,
		Header:     ent.Header,
		Body:       ent.Body,
		StoredAt:   time.Unix(0, ent.StoredAt),
		Hash32:     ent.Hash32,
		Generation: c.name,
	}, nil
}

func (c *levelCache) Put(ctx context.Context, req *Request, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPut(req, resp, c.s.maxEntry); err != nil {
		return err
	}
	stored := storedCopy(resp)
	b, err := encodeGob(storedEntry{
		Type:     stored.Type,
		Status:   stored.Status,
		Header:   stored.Header,
		Body:     stored.Body,
		StoredAt: stored.StoredAt.UnixNano(),
		Hash32:   stored.Hash32,
	})
	if err != nil {
		return err
	}

	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	ok, err := c.s.hasLocked(c.name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationDeleted
	}
	return c.s.db.Put(entryKey(c.name, req.Key()), b, nil)
}

func (c *levelCache) Delete(ctx context.Context, req *Request) (bool, error) {
	key := entryKey(c.name, req.Key())
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	ok, err := c.s.db.Has(key, nil)
	if err != nil || !ok {
		return false, err
	}
	return true, c.s.db.Delete(key, nil)
}

func (c *levelCache) Keys(ctx context.Context) ([]string, error) {
	prefix := entryKeyPrefix(c.name)
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
