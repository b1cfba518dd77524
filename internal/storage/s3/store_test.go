package s3

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"pkt.systems/xacoord/internal/storage"
)

func setupFakeS3(t *testing.T) *Store {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "xacoord-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	store, err := New(Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "coord",
		Insecure:       true,
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestS3ObjectLifecycle(t *testing.T) {
	store := setupFakeS3(t)
	ctx := context.Background()

	info, err := store.PutObject(ctx, "txlog", "txn-1.json", strings.NewReader(`{"decision":"commit"}`), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, err := store.GetObject(ctx, "txlog", "txn-1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := io.ReadAll(obj.Reader)
	_ = obj.Reader.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "commit") {
		t.Fatalf("unexpected body %q", data)
	}
	if obj.Info.ETag != info.ETag {
		t.Fatalf("etag mismatch %q vs %q", obj.Info.ETag, info.ETag)
	}
	if err := store.DeleteObject(ctx, "txlog", "txn-1.json", storage.DeleteObjectOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "txlog", "txn-1.json", storage.DeleteObjectOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetObject(ctx, "txlog", "txn-1.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteObject(ctx, "txlog", "txn-1.json", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestS3ListObjectsScopedToNamespace(t *testing.T) {
	store := setupFakeS3(t)
	ctx := context.Background()
	for _, key := range []string{"prepared/a.json", "prepared/b.json", "files/x"} {
		if _, err := store.PutObject(ctx, "afs", key, strings.NewReader("1"), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if _, err := store.PutObject(ctx, "txlog", "prepared/c.json", strings.NewReader("1"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put other namespace: %v", err)
	}
	res, err := store.ListObjects(ctx, "afs", storage.ListOptions{Prefix: "prepared/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 2 || res.Objects[0].Key != "prepared/a.json" || res.Objects[1].Key != "prepared/b.json" {
		t.Fatalf("unexpected listing %+v", res.Objects)
	}
	page, err := store.ListObjects(ctx, "afs", storage.ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page.Objects) != 1 || !page.Truncated {
		t.Fatalf("expected truncated single entry, got %+v", page)
	}
}

func TestS3CopyObject(t *testing.T) {
	store := setupFakeS3(t)
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "afs", "staging/t1/a", strings.NewReader("hello"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := storage.CopyObject(ctx, store, "afs", "staging/t1/a", "files/a", storage.CopyObjectOptions{}); err != nil {
		t.Fatalf("copy: %v", err)
	}
	obj, err := store.GetObject(ctx, "afs", "files/a")
	if err != nil {
		t.Fatalf("get copy: %v", err)
	}
	defer obj.Reader.Close()
	data, _ := io.ReadAll(obj.Reader)
	if string(data) != "hello" {
		t.Fatalf("unexpected copy body %q", data)
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestTransientClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "net op timeout", err: &net.OpError{Err: fakeTimeoutErr{}}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: true},
		{name: "server error", err: minio.ErrorResponse{StatusCode: http.StatusBadGateway}, expected: true},
		{name: "throttled", err: minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, expected: true},
		{name: "forbidden", err: minio.ErrorResponse{StatusCode: http.StatusForbidden}, expected: false},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := storage.IsTransient(wrapError(tc.err, "s3: op")); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

type stubObject struct {
	readErr error
	closed  bool
}

func (s *stubObject) Read([]byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

func (s *stubObject) Close() error {
	s.closed = true
	return nil
}

func TestObjectReaderConverts404(t *testing.T) {
	obj := &stubObject{readErr: minio.ErrorResponse{StatusCode: http.StatusNotFound}}
	reader := &objectReader{ReadCloser: obj}
	if _, err := reader.Read(make([]byte, 1)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := reader.Close(); err != nil || !obj.closed {
		t.Fatalf("expected underlying close, err=%v", err)
	}
}

func TestServerSideEncryptionModes(t *testing.T) {
	if sse, err := serverSideEncryption("", ""); err != nil || sse != nil {
		t.Fatalf("expected no encryption, got %v %v", sse, err)
	}
	if sse, err := serverSideEncryption("aes256", ""); err != nil || sse == nil {
		t.Fatalf("expected SSE-S3, got %v %v", sse, err)
	}
	if _, err := serverSideEncryption("aws:kms", ""); err == nil {
		t.Fatalf("expected kms without key id to fail")
	}
	if sse, err := serverSideEncryption("kms", "key-1"); err != nil || sse == nil {
		t.Fatalf("expected SSE-KMS, got %v %v", sse, err)
	}
	if _, err := serverSideEncryption("rot13", ""); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}
