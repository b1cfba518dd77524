package storage

import (
	"context"
	"errors"
	"fmt"
)

// CopyObjectOptions controls conditional copies.
type CopyObjectOptions struct {
	ContentType string
}

// Copier is implemented by backends that can copy an object without
// streaming it through the caller.
type Copier interface {
	CopyObject(ctx context.Context, namespace, srcKey, dstKey string, opts CopyObjectOptions) (*ObjectInfo, error)
}

// CopyObject copies srcKey to dstKey within namespace, using the backend's
// native copy when available.
func CopyObject(ctx context.Context, backend Backend, namespace, srcKey, dstKey string, opts CopyObjectOptions) (*ObjectInfo, error) {
	if copier, ok := backend.(Copier); ok {
		info, err := copier.CopyObject(ctx, namespace, srcKey, dstKey, opts)
		if !errors.Is(err, ErrNotImplemented) {
			return info, err
		}
	}
	obj, err := backend.GetObject(ctx, namespace, srcKey)
	if err != nil {
		return nil, err
	}
	defer obj.Reader.Close()
	contentType := opts.ContentType
	if contentType == "" && obj.Info != nil {
		contentType = obj.Info.ContentType
	}
	info, err := backend.PutObject(ctx, namespace, dstKey, obj.Reader, PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("storage: copy %s to %s: %w", srcKey, dstKey, err)
	}
	return info, nil
}
