// Package s3 stores transaction log entries and staged files in any
// S3-compatible bucket through the MinIO client.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/storage"
	"pkt.systems/xacoord/internal/svcfields"
)

// Config locates the bucket. Objects live under Prefix/<namespace>/<key>.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	// ServerSideEnc is AES256 or KMS. KMS requires KMSKeyID.
	ServerSideEnc string
	KMSKeyID      string
	// CustomCreds replaces the env/file/IAM credential chain.
	CustomCreds *credentials.Credentials
	Transport   http.RoundTripper
}

// Store is a storage.Backend on an S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	sse    encrypt.ServerSide
}

// New builds a Store. The bucket is not created; callers check
// BucketExists.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	switch {
	case endpoint != "":
	case cfg.Region != "":
		endpoint = "s3." + cfg.Region + ".amazonaws.com"
	default:
		endpoint = "s3.amazonaws.com"
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	transport := cfg.Transport
	if transport == nil {
		transport = storage.NewHTTPTransport(false)
	}
	opts := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: transport,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	sse, err := serverSideEncryption(cfg.ServerSideEnc, cfg.KMSKeyID)
	if err != nil {
		return nil, err
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		sse:    sse,
	}, nil
}

func serverSideEncryption(mode, kmsKeyID string) (encrypt.ServerSide, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "":
		return nil, nil
	case "AES256":
		return encrypt.NewSSE(), nil
	case "AWS:KMS", "KMS":
		if kmsKeyID == "" {
			return nil, fmt.Errorf("s3: kms encryption requires a key id")
		}
		sse, err := encrypt.NewSSEKMS(kmsKeyID, nil)
		if err != nil {
			return nil, fmt.Errorf("s3: kms encryption: %w", err)
		}
		return sse, nil
	}
	return nil, fmt.Errorf("s3: unsupported server-side encryption %q", mode)
}

func (s *Store) Close() error { return nil }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.bucket)
}

func (s *Store) logger(ctx context.Context, namespace string) pslog.Logger {
	return svcfields.FromContext(ctx, nil).With("storage_backend", "s3", "namespace", namespace)
}

// ListObjects enumerates keys under namespace in lexical order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.logger(ctx, namespace)
	start := time.Now()
	root := storage.NamespaceRoot(s.prefix, namespace)
	listOpts := minio.ListObjectsOptions{
		Prefix:    root + strings.TrimPrefix(opts.Prefix, "/"),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = root + strings.TrimPrefix(opts.StartAfter, "/")
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{}
	for object := range s.client.ListObjects(ctx, s.bucket, listOpts) {
		if object.Err != nil {
			logger.Debug("s3.list_objects.error", "error", object.Err)
			return nil, wrapError(object.Err, "s3: list objects")
		}
		key, ok := strings.CutPrefix(object.Key, root)
		if !ok {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			break
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         storage.TrimETag(object.ETag),
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
		result.NextStartAfter = key
	}
	logger.Trace("s3.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "truncated", result.Truncated, "elapsed", time.Since(start))
	return result, nil
}

// GetObject streams key. Read errors reporting 404 surface as
// storage.ErrNotFound because minio defers the request to the first read.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	logger := s.logger(ctx, namespace)
	obj, err := s.client.GetObject(ctx, s.bucket, storage.ObjectPath(s.prefix, namespace, key), minio.GetObjectOptions{})
	if err != nil {
		logger.Debug("s3.get_object.error", "key", key, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "s3: get object")
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.get_object.stat_error", "key", key, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "s3: stat object")
	}
	return storage.GetObjectResult{
		Reader: &objectReader{ReadCloser: obj},
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         storage.TrimETag(stat.ETag),
			Size:         stat.Size,
			LastModified: stat.LastModified,
			ContentType:  stat.ContentType,
		},
	}, nil
}

// PutObject uploads body, enforcing ExpectedETag or IfNotExists with
// conditional headers.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx, namespace)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType, ServerSideEncryption: s.sse}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	switch {
	case opts.ExpectedETag != "":
		putOpts.SetMatchETag(opts.ExpectedETag)
	case opts.IfNotExists:
		putOpts.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.bucket, storage.ObjectPath(s.prefix, namespace, key), body, storage.RemainingSize(body), putOpts)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			logger.Debug("s3.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && isNotFound(err):
			return nil, storage.ErrNotFound
		}
		logger.Debug("s3.put_object.error", "key", key, "error", err)
		return nil, wrapError(err, "s3: put object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         storage.TrimETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}, nil
}

// DeleteObject removes key. S3 has no conditional delete through minio, so
// ExpectedETag is checked against a stat first.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	logger := s.logger(ctx, namespace)
	name := storage.ObjectPath(s.prefix, namespace, key)
	stat, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return wrapError(err, "s3: stat object")
	}
	if opts.ExpectedETag != "" && storage.TrimETag(stat.ETag) != opts.ExpectedETag {
		logger.Debug("s3.delete_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", storage.TrimETag(stat.ETag))
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		if opts.IgnoreNotFound && isNotFound(err) {
			return nil
		}
		logger.Debug("s3.delete_object.error", "key", key, "error", err)
		return wrapError(err, "s3: delete object")
	}
	return nil
}

// CopyObject copies within the bucket on the server side. The file store
// uses it to publish staged files on commit.
func (s *Store) CopyObject(ctx context.Context, namespace, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	src := minio.CopySrcOptions{Bucket: s.bucket, Object: storage.ObjectPath(s.prefix, namespace, srcKey)}
	dst := minio.CopyDestOptions{Bucket: s.bucket, Object: storage.ObjectPath(s.prefix, namespace, dstKey), Encryption: s.sse}
	if opts.ContentType != "" {
		dst.ReplaceMetadata = true
		dst.UserMetadata = map[string]string{"Content-Type": opts.ContentType}
	}
	info, err := s.client.CopyObject(ctx, dst, src)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		s.logger(ctx, namespace).Debug("s3.copy_object.error", "src_key", srcKey, "dst_key", dstKey, "error", err)
		return nil, wrapError(err, "s3: copy object")
	}
	return &storage.ObjectInfo{
		Key:          dstKey,
		ETag:         storage.TrimETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  opts.ContentType,
	}, nil
}

type objectReader struct {
	io.ReadCloser
}

func (r *objectReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil && isNotFound(err) {
		err = storage.ErrNotFound
	}
	return n, err
}

func statusOf(err error) int {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode
	}
	return 0
}

func isNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	switch resp.StatusCode {
	case http.StatusPreconditionFailed:
		return true
	case http.StatusConflict:
		return resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted"
	}
	return false
}

func wrapError(err error, op string) error {
	return storage.WrapBackendError(err, op, statusOf(err))
}
