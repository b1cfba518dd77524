// Package memory keeps objects in process memory. Tests use it, as do
// coordinators started with mem:// where losing the transaction log on exit
// is acceptable.
package memory

import (
	"bytes"
	"context"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/xacoord/internal/storage"
)

// Store is a storage.Backend and storage.Copier held in memory. Each
// namespace keeps its keys sorted so listings never rescan the map.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]*bucket
	now        func() time.Time
}

type bucket struct {
	keys    []string
	objects map[string]object
}

type object struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

func (o object) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         o.etag,
		Size:         int64(len(o.payload)),
		LastModified: o.updated,
		ContentType:  o.contentType,
	}
}

// Option customises the in-memory store.
type Option func(*Store)

// WithNow overrides the timestamp source used for LastModified.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		namespaces: make(map[string]*bucket),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return nil }

func (s *Store) bucketLocked(namespace string, create bool) *bucket {
	b := s.namespaces[namespace]
	if b == nil && create {
		b = &bucket{objects: make(map[string]object)}
		s.namespaces[namespace] = b
	}
	return b
}

// ListObjects returns keys under namespace in lexical order.
func (s *Store) ListObjects(_ context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := &storage.ListResult{}
	b := s.bucketLocked(namespace, false)
	if b == nil {
		return result, nil
	}
	start, _ := slices.BinarySearch(b.keys, opts.Prefix)
	if opts.StartAfter != "" {
		after, found := slices.BinarySearch(b.keys, opts.StartAfter)
		if found {
			after++
		}
		start = max(start, after)
	}
	for _, key := range b.keys[start:] {
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			break
		}
		result.Objects = append(result.Objects, b.objects[key].info(key))
		result.NextStartAfter = key
	}
	return result, nil
}

// GetObject returns a reader over the stored payload. Payloads are replaced,
// never mutated, so open readers stay stable.
func (s *Store) GetObject(_ context.Context, namespace, key string) (storage.GetObjectResult, error) {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return storage.GetObjectResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.bucketLocked(namespace, false)
	if b == nil {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	obj, ok := b.objects[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := obj.info(key)
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(obj.payload)), Info: &info}, nil
}

// PutObject stores body under key, honouring ExpectedETag and IfNotExists.
func (s *Store) PutObject(_ context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(namespace, key, payload, opts)
}

func (s *Store) storeLocked(namespace, key string, payload []byte, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	b := s.bucketLocked(namespace, true)
	current, exists := b.objects[key]
	switch {
	case opts.IfNotExists && exists:
		return nil, storage.ErrCASMismatch
	case opts.ExpectedETag != "" && !exists:
		return nil, storage.ErrNotFound
	case opts.ExpectedETag != "" && current.etag != opts.ExpectedETag:
		return nil, storage.ErrCASMismatch
	}
	obj := object{payload: payload, etag: uuid.NewString(), contentType: opts.ContentType, updated: s.now()}
	b.objects[key] = obj
	if !exists {
		idx, _ := slices.BinarySearch(b.keys, key)
		b.keys = slices.Insert(b.keys, idx, key)
	}
	info := obj.info(key)
	return &info, nil
}

// DeleteObject removes key, honouring ExpectedETag and IgnoreNotFound.
func (s *Store) DeleteObject(_ context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(namespace, false)
	var obj object
	exists := false
	if b != nil {
		obj, exists = b.objects[key]
	}
	if !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && obj.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	delete(b.objects, key)
	if idx, found := slices.BinarySearch(b.keys, key); found {
		b.keys = slices.Delete(b.keys, idx, idx+1)
	}
	return nil
}

// CopyObject duplicates srcKey under dstKey in one critical section.
func (s *Store) CopyObject(_ context.Context, namespace, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(namespace, false)
	if b == nil {
		return nil, storage.ErrNotFound
	}
	src, ok := b.objects[srcKey]
	if !ok {
		return nil, storage.ErrNotFound
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = src.contentType
	}
	return s.storeLocked(namespace, dstKey, src.payload, storage.PutObjectOptions{ContentType: contentType})
}
