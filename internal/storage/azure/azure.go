// Package azure stores transaction log entries and staged files in an Azure
// Blob Storage container. Blob names escape each key segment.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/xacoord/internal/storage"
)

// Config locates the container. Either AccountKey or SASToken is required.
type Config struct {
	Account    string
	AccountKey string
	// Endpoint defaults to https://<account>.blob.core.windows.net.
	Endpoint  string
	SASToken  string
	Container string
	Prefix    string
}

// Store is a storage.Backend on an Azure blob container.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New builds a Store and creates the container when it is missing.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{client: client, container: cfg.Container, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func newClient(cfg Config) (*azblob.Client, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{
		Transport: transporter{rt: storage.NewHTTPTransport(false)},
	}}
	if cfg.SASToken != "" {
		withSAS, err := appendSASToken(endpoint, cfg.SASToken)
		if err != nil {
			return nil, err
		}
		client, err := azblob.NewClientWithNoCredential(withSAS, opts)
		if err != nil {
			return nil, fmt.Errorf("azure: create client: %w", err)
		}
		return client, nil
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure: account key or SAS token required")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure: build credentials: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return client, nil
}

// transporter adapts an http.RoundTripper to the azcore pipeline.
type transporter struct {
	rt http.RoundTripper
}

func (t transporter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

var _ policy.Transporter = transporter{}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery == "" {
		u.RawQuery = sas
	} else {
		u.RawQuery += "&" + sas
	}
	return u.String(), nil
}

func (s *Store) Close() error { return nil }

func (s *Store) namespaceRoot(namespace string) string {
	return storage.NamespaceRoot(s.prefix, url.PathEscape(strings.Trim(namespace, "/")))
}

func escapeKey(key string) string {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i := range segments {
		segments[i] = url.PathEscape(segments[i])
	}
	return strings.Join(segments, "/")
}

func unescapeKey(name string) (string, error) {
	segments := strings.Split(name, "/")
	for i := range segments {
		v, err := url.PathUnescape(segments[i])
		if err != nil {
			return "", err
		}
		segments[i] = v
	}
	return strings.Join(segments, "/"), nil
}

func (s *Store) objectBlob(namespace, key string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("azure: object key required")
	}
	return s.namespaceRoot(namespace) + escapeKey(clean), nil
}

func blobInfo(key string, etag *azcore.ETag, size *int64, modified *time.Time, contentType *string) storage.ObjectInfo {
	info := storage.ObjectInfo{Key: key}
	if etag != nil {
		info.ETag = string(*etag)
	}
	if size != nil {
		info.Size = *size
	}
	if modified != nil {
		info.LastModified = modified.UTC()
	}
	if contentType != nil {
		info.ContentType = *contentType
	}
	return info
}

// ListObjects enumerates keys under namespace in lexical order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root := s.namespaceRoot(namespace)
	prefix := root + escapeKey(opts.Prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	result := &storage.ListResult{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			escaped, ok := strings.CutPrefix(*item.Name, root)
			if !ok {
				continue
			}
			key, err := unescapeKey(escaped)
			if err != nil || key == "" || (opts.StartAfter != "" && key <= opts.StartAfter) {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				return result, nil
			}
			info := storage.ObjectInfo{Key: key}
			if p := item.Properties; p != nil {
				info = blobInfo(key, p.ETag, p.ContentLength, p.LastModified, p.ContentType)
			}
			result.Objects = append(result.Objects, info)
			result.NextStartAfter = key
		}
	}
	return result, nil
}

// GetObject streams key.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	name, err := s.objectBlob(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, wrapError(err, "azure: download object")
	}
	info := blobInfo(key, resp.ETag, resp.ContentLength, resp.LastModified, resp.ContentType)
	return storage.GetObjectResult{Reader: resp.Body, Info: &info}, nil
}

func matchConditions(expected string, ifNotExists bool) *blob.AccessConditions {
	switch {
	case expected != "":
		return &blob.AccessConditions{ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(expected))}}
	case ifNotExists:
		return &blob.AccessConditions{ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)}}
	}
	return nil
}

// PutObject uploads body with If-Match or If-None-Match conditions.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := s.objectBlob(namespace, key)
	if err != nil {
		return nil, err
	}
	upload := &azblob.UploadStreamOptions{
		HTTPHeaders:      &blob.HTTPHeaders{},
		AccessConditions: matchConditions(opts.ExpectedETag, opts.IfNotExists),
	}
	if opts.ContentType != "" {
		upload.HTTPHeaders.BlobContentType = to.Ptr(opts.ContentType)
	}
	resp, err := s.client.UploadStream(ctx, s.container, name, body, upload)
	if err != nil {
		if isPreconditionFailed(err) {
			return nil, storage.ErrCASMismatch
		}
		return nil, wrapError(err, "azure: upload object")
	}
	info := blobInfo(key, resp.ETag, nil, nil, nil)
	info.ContentType = opts.ContentType
	info.LastModified = time.Now().UTC()
	return &info, nil
}

// DeleteObject removes key, enforcing ExpectedETag when set.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.objectBlob(namespace, key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteBlob(ctx, s.container, name, &azblob.DeleteBlobOptions{
		AccessConditions: matchConditions(opts.ExpectedETag, false),
	})
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	case isPreconditionFailed(err):
		return storage.ErrCASMismatch
	}
	return wrapError(err, "azure: delete object")
}

func statusOf(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) &&
		respErr.StatusCode == http.StatusConflict &&
		strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
}

func isPreconditionFailed(err error) bool {
	status := statusOf(err)
	return status == http.StatusPreconditionFailed || status == http.StatusConflict
}

func isNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

func wrapError(err error, op string) error {
	return storage.WrapBackendError(err, op, statusOf(err))
}
