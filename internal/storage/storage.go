package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Content type constants used by backends that record them.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// Sentinel errors shared by every backend.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrNotImplemented = errors.New("storage: not implemented")
	// ErrLocked reports that another process already owns the backend root.
	ErrLocked = errors.New("storage: backend locked by another process")
)

// Backend is the durable object store used for the transaction log and the
// file-store participant. Keys are slash separated and scoped by namespace.
type Backend interface {
	// ListObjects enumerates objects under namespace in lexical key order.
	ListObjects(ctx context.Context, namespace string, opts ListOptions) (*ListResult, error)
	// GetObject streams an object. ErrNotFound when the key is absent.
	GetObject(ctx context.Context, namespace, key string) (GetObjectResult, error)
	// PutObject durably stores body before returning. Conditional options map
	// failures to ErrCASMismatch.
	PutObject(ctx context.Context, namespace, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes an object. ErrNotFound unless IgnoreNotFound is set.
	DeleteObject(ctx context.Context, namespace, key string, opts DeleteObjectOptions) error
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ObjectInfo captures object metadata reported by backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls conditional semantics and metadata for PutObject.
type PutObjectOptions struct {
	ExpectedETag string
	IfNotExists  bool
	ContentType  string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult captures an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// DefaultListPageSize is used by Walk when callers do not set a limit.
const DefaultListPageSize = 256

// Walk pages through every object under prefix and invokes visit in key order.
// Returning an error from visit stops the walk.
func Walk(ctx context.Context, backend Backend, namespace, prefix string, visit func(ObjectInfo) error) error {
	startAfter := ""
	for {
		res, err := backend.ListObjects(ctx, namespace, ListOptions{
			Prefix:     prefix,
			StartAfter: startAfter,
			Limit:      DefaultListPageSize,
		})
		if err != nil {
			return err
		}
		for _, obj := range res.Objects {
			if err := visit(obj); err != nil {
				return err
			}
		}
		if !res.Truncated || res.NextStartAfter == "" {
			return nil
		}
		startAfter = res.NextStartAfter
	}
}

// ReadJSON loads and decodes a JSON object into dst.
func ReadJSON(ctx context.Context, backend Backend, namespace, key string, dst any) (*ObjectInfo, error) {
	obj, err := backend.GetObject(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	defer obj.Reader.Close()
	if err := json.NewDecoder(obj.Reader).Decode(dst); err != nil {
		return nil, fmt.Errorf("storage: decode %s/%s: %w", namespace, key, err)
	}
	return obj.Info, nil
}

// WriteJSON encodes v and stores it under key.
func WriteJSON(ctx context.Context, backend Backend, namespace, key string, v any, opts PutObjectOptions) (*ObjectInfo, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: encode %s/%s: %w", namespace, key, err)
	}
	if opts.ContentType == "" {
		opts.ContentType = ContentTypeJSON
	}
	return backend.PutObject(ctx, namespace, key, bytes.NewReader(payload), opts)
}

// ValidateNamespace rejects namespaces that cannot be mapped onto every backend.
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return errors.New("storage: namespace required")
	}
	if strings.ContainsAny(namespace, "/\\") || strings.HasPrefix(namespace, ".") {
		return fmt.Errorf("storage: invalid namespace %q", namespace)
	}
	return nil
}
