// Package aws stores transaction log entries and staged files in Amazon S3
// through the AWS SDK, using conditional writes for compare-and-swap.
package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/storage"
	"pkt.systems/xacoord/internal/svcfields"
)

// Config locates the bucket. Objects live under Prefix/<namespace>/<key>.
type Config struct {
	// Endpoint overrides the regional endpoint and switches to path-style
	// addressing.
	Endpoint string
	Region   string
	Bucket   string
	Prefix   string
	Insecure bool
	// ServerSideEnc is AES256 or aws:kms.
	ServerSideEnc string
	KMSKeyID      string
}

// Store is a storage.Backend on AWS S3.
type Store struct {
	client   *s3.Client
	bucket   string
	prefix   string
	sse      types.ServerSideEncryption
	kmsKeyID string
}

// opTimeout bounds a single request when the caller set no earlier deadline.
const opTimeout = 5 * time.Minute

// New loads the default AWS credential chain and builds a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	sse, err := encryptionMode(cfg.ServerSideEnc)
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: storage.NewHTTPTransport(cfg.Insecure)}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		if cfg.Insecure {
			endpoint = "http://" + endpoint
		} else {
			endpoint = "https://" + endpoint
		}
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint == "" {
			return
		}
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
		// S3-compatible endpoints often reject aws-chunked trailing checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		sse:      sse,
		kmsKeyID: cfg.KMSKeyID,
	}, nil
}

func encryptionMode(mode string) (types.ServerSideEncryption, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "":
		return "", nil
	case "AES256":
		return types.ServerSideEncryptionAes256, nil
	case "AWS:KMS", "KMS":
		return types.ServerSideEncryptionAwsKms, nil
	}
	return "", fmt.Errorf("aws: unsupported server-side encryption %q", mode)
}

func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context, namespace string) pslog.Logger {
	return svcfields.FromContext(ctx, nil).With("storage_backend", "aws", "namespace", namespace)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) objectName(namespace, key string) *string {
	return aws.String(storage.ObjectPath(s.prefix, namespace, key))
}

// ListObjects enumerates keys under namespace in lexical order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.logger(ctx, namespace)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	root := storage.NamespaceRoot(s.prefix, namespace)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(root + strings.TrimPrefix(opts.Prefix, "/")),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(root + strings.TrimPrefix(opts.StartAfter, "/"))
	}
	result := &storage.ListResult{}
	pages := s3.NewListObjectsV2Paginator(s.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			logger.Debug("aws.list_objects.error", "error", err)
			return nil, wrapError(err, "aws: list objects")
		}
		for _, object := range page.Contents {
			key, ok := strings.CutPrefix(aws.ToString(object.Key), root)
			if !ok {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				return result, nil
			}
			result.Objects = append(result.Objects, storage.ObjectInfo{
				Key:          key,
				ETag:         storage.TrimETag(aws.ToString(object.ETag)),
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
			})
			result.NextStartAfter = key
		}
	}
	return result, nil
}

// GetObject streams key. The request timeout is released when the reader
// is closed.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	ctx, cancel := withTimeout(ctx)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.objectName(namespace, key),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		s.logger(ctx, namespace).Debug("aws.get_object.error", "key", key, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "aws: get object")
	}
	return storage.GetObjectResult{
		Reader: &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         storage.TrimETag(aws.ToString(resp.ETag)),
			Size:         aws.ToInt64(resp.ContentLength),
			LastModified: aws.ToTime(resp.LastModified),
			ContentType:  aws.ToString(resp.ContentType),
		},
	}, nil
}

// PutObject uploads body with If-Match or If-None-Match guards.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx, namespace)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         s.objectName(namespace, key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	switch {
	case opts.ExpectedETag != "":
		input.IfMatch = aws.String(opts.ExpectedETag)
	case opts.IfNotExists:
		input.IfNoneMatch = aws.String("*")
	}
	if s.sse != "" {
		input.ServerSideEncryption = s.sse
		if s.sse == types.ServerSideEncryptionAwsKms && s.kmsKeyID != "" {
			input.SSEKMSKeyId = aws.String(s.kmsKeyID)
		}
	}
	size := storage.RemainingSize(body)
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		switch {
		case isPreconditionFailed(err):
			logger.Debug("aws.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && isNotFound(err):
			return nil, storage.ErrNotFound
		}
		logger.Debug("aws.put_object.error", "key", key, "error", err)
		return nil, wrapError(err, "aws: put object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         storage.TrimETag(aws.ToString(out.ETag)),
		Size:         max(size, 0),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}, nil
}

// DeleteObject removes key. S3 deletes of missing keys succeed, so a HEAD
// request reports ErrNotFound first.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	name := s.objectName(namespace, key)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: name}); err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return wrapError(err, "aws: head object")
	}
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: name}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		switch {
		case opts.IgnoreNotFound && isNotFound(err):
			return nil
		case isPreconditionFailed(err):
			return storage.ErrCASMismatch
		}
		s.logger(ctx, namespace).Debug("aws.delete_object.error", "key", key, "error", err)
		return wrapError(err, "aws: delete object")
	}
	return nil
}

// CopyObject copies within the bucket on the server side.
func (s *Store) CopyObject(ctx context.Context, namespace, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        s.objectName(namespace, dstKey),
		CopySource: aws.String(url.PathEscape(s.bucket + "/" + storage.ObjectPath(s.prefix, namespace, srcKey))),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
		input.MetadataDirective = types.MetadataDirectiveReplace
	}
	if s.sse != "" {
		input.ServerSideEncryption = s.sse
		if s.sse == types.ServerSideEncryptionAwsKms && s.kmsKeyID != "" {
			input.SSEKMSKeyId = aws.String(s.kmsKeyID)
		}
	}
	out, err := s.client.CopyObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		s.logger(ctx, namespace).Debug("aws.copy_object.error", "src_key", srcKey, "dst_key", dstKey, "error", err)
		return nil, wrapError(err, "aws: copy object")
	}
	info := &storage.ObjectInfo{Key: dstKey, LastModified: time.Now().UTC(), ContentType: opts.ContentType}
	if out.CopyObjectResult != nil {
		info.ETag = storage.TrimETag(aws.ToString(out.CopyObjectResult.ETag))
	}
	return info, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func statusOf(err error) int {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode()
	}
	return 0
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNotFound(err error) bool {
	switch apiCode(err) {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return statusOf(err) == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	switch apiCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
		return true
	}
	status := statusOf(err)
	return status == http.StatusPreconditionFailed || status == http.StatusConflict
}

func wrapError(err error, op string) error {
	return storage.WrapBackendError(err, op, statusOf(err))
}
