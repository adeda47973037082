// Package memory is an in-process storage.Backend for tests and local runs.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"pkt.systems/catalogd/internal/ids"
	"pkt.systems/catalogd/internal/storage"
)

// Store keeps blobs in a map guarded by a RWMutex.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*entry
	now  func() time.Time
}

type entry struct {
	payload     []byte
	etag        string
	contentType string
	public      bool
	updated     time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		objs: make(map[string]*entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// GetObject returns a copy of the payload stored at key.
func (s *Store) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(e.payload)),
		Info:   e.info(key),
	}, nil
}

// PutObject replaces the payload at key.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("memory: read body: %w", err)
	}
	e := &entry{
		payload:     payload,
		etag:        ids.RequestID(),
		contentType: opts.ContentType,
		public:      opts.PublicRead,
		updated:     s.now(),
	}
	s.mu.Lock()
	s.objs[key] = e
	s.mu.Unlock()
	return e.info(key), nil
}

// DeleteObject removes key.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objs[key]; !ok {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	delete(s.objs, key)
	return nil
}

// StatObject returns metadata for key.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return e.info(key), nil
}

// Ping only reports context cancellation.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Keys lists stored keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objs))
	for k := range s.objs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsPublic reports whether key was last written with PublicRead.
func (s *Store) IsPublic(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objs[key]
	return ok && e.public
}

// Raw returns a copy of the payload at key.
func (s *Store) Raw(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objs[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.payload...), true
}

func (e *entry) info(key string) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         e.etag,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}
