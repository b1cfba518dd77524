package aws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/xacoord/internal/storage"
)

func newFakeStore(t *testing.T) *Store {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	if err := backend.CreateBucket("xacoord"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	store, err := New(Config{
		Endpoint: server.URL,
		Region:   "us-east-1",
		Bucket:   "xacoord",
		Prefix:   "tc",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestAWSObjectLifecycle(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "txlog", "a.json", strings.NewReader(`{"txn_id":"a"}`), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, err := store.GetObject(ctx, "txlog", "a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(obj.Reader)
	_ = obj.Reader.Close()
	if string(data) != `{"txn_id":"a"}` {
		t.Fatalf("unexpected body %q", data)
	}
	res, err := store.ListObjects(ctx, "txlog", storage.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 1 || res.Objects[0].Key != "a.json" {
		t.Fatalf("unexpected listing %+v", res.Objects)
	}
	if err := store.DeleteObject(ctx, "txlog", "a.json", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetObject(ctx, "txlog", "a.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteObject(ctx, "txlog", "a.json", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

type statusErr int

func (s statusErr) Error() string       { return http.StatusText(int(s)) }
func (s statusErr) HTTPStatusCode() int { return int(s) }

func TestErrorClassification(t *testing.T) {
	if !storage.IsTransient(wrapError(statusErr(http.StatusServiceUnavailable), "aws: get")) {
		t.Fatalf("503 should be retryable")
	}
	if storage.IsTransient(wrapError(statusErr(http.StatusForbidden), "aws: get")) {
		t.Fatalf("403 should not be retryable")
	}
	if !isNotFound(statusErr(http.StatusNotFound)) {
		t.Fatalf("404 should be not found")
	}
	if !isPreconditionFailed(statusErr(http.StatusPreconditionFailed)) {
		t.Fatalf("412 should be a precondition failure")
	}
	err := wrapError(statusErr(http.StatusBadGateway), "aws: get")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient wrap, got %v", err)
	}
}

func TestEncryptionMode(t *testing.T) {
	cases := map[string]string{"": "", "aes256": "AES256", "aws:kms": "aws:kms", "KMS": "aws:kms"}
	for in, want := range cases {
		got, err := encryptionMode(in)
		if err != nil || string(got) != want {
			t.Fatalf("encryptionMode(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := encryptionMode("rot13"); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
}
