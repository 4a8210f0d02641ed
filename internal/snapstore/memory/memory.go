package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/consulkit/internal/snapstore"
)

// Store implements snapstore.Store in memory; intended for tests and local dev.
type Store struct {
	mu     sync.RWMutex
	objs   map[string]*objectEntry
	closed bool
	now    func() time.Time
}

type objectEntry struct {
	payload []byte
	etag    string
	updated time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{objs: make(map[string]*objectEntry), now: time.Now}
}

// Put buffers body and stores it under name.
func (s *Store) Put(ctx context.Context, name string, body io.Reader, size int64) (snapstore.ObjectInfo, error) {
	if err := snapstore.ValidateName(name); err != nil {
		return snapstore.ObjectInfo{}, err
	}
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := io.Copy(&buf, contextReader{ctx: ctx, r: body}); err != nil {
		return snapstore.ObjectInfo{}, fmt.Errorf("memory: read body: %w", err)
	}
	if size >= 0 && int64(buf.Len()) != size {
		return snapstore.ObjectInfo{}, fmt.Errorf("memory: short body: got %d bytes, want %d", buf.Len(), size)
	}
	sum := md5.Sum(buf.Bytes())
	entry := &objectEntry{payload: buf.Bytes(), etag: hex.EncodeToString(sum[:]), updated: s.now()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return snapstore.ObjectInfo{}, fmt.Errorf("memory: store closed")
	}
	s.objs[name] = entry
	return entry.info(name), nil
}

// Get returns a reader over a copy-free view of the stored payload.
func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, snapstore.ObjectInfo, error) {
	if err := snapstore.ValidateName(name); err != nil {
		return nil, snapstore.ObjectInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, snapstore.ObjectInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[name]
	if !ok {
		return nil, snapstore.ObjectInfo{}, snapstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(entry.payload)), entry.info(name), nil
}

// List returns every stored image sorted by name.
func (s *Store) List(ctx context.Context) ([]snapstore.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]snapstore.ObjectInfo, 0, len(s.objs))
	for name, entry := range s.objs {
		out = append(out, entry.info(name))
	}
	s.mu.RUnlock()
	snapstore.SortByName(out)
	return out, nil
}

// Delete removes name.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := snapstore.ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objs[name]; !ok {
		return snapstore.ErrNotFound
	}
	delete(s.objs, name)
	return nil
}

// Close drops all stored images.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.objs = make(map[string]*objectEntry)
	return nil
}

func (e *objectEntry) info(name string) snapstore.ObjectInfo {
	return snapstore.ObjectInfo{
		Name:         name,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ETag:         e.etag,
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
