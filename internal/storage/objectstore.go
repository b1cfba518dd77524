package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"
)

// Helpers shared by the bucket-backed stores (s3, aws, azure). Every bucket
// store lays objects out as <prefix>/<namespace>/<key>.

// ObjectPath returns the bucket object name for key within namespace.
func ObjectPath(prefix, namespace, key string) string {
	name := strings.TrimPrefix(path.Join(strings.Trim(namespace, "/"), strings.TrimPrefix(key, "/")), "/")
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		name = prefix + "/" + name
	}
	return name
}

// NamespaceRoot returns the object name prefix, with a trailing slash, under
// which every key of namespace lives.
func NamespaceRoot(prefix, namespace string) string {
	return ObjectPath(prefix, namespace, "") + "/"
}

// TrimETag strips the quotes object stores put around entity tags.
func TrimETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// RemainingSize reports how many bytes a seekable body still holds, or -1
// when the size cannot be determined without reading it.
func RemainingSize(body io.Reader) int64 {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return -1
	}
	current, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	end, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return -1
	}
	if _, err := seeker.Seek(current, io.SeekStart); err != nil {
		return -1
	}
	return end - current
}

// NewHTTPTransport returns a pooled transport sized for a store that is hit
// by every transaction decision and staged file.
func NewHTTPTransport(insecure bool) *http.Transport {
	var t *http.Transport
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		t = base.Clone()
	} else {
		t = &http.Transport{Proxy: http.ProxyFromEnvironment}
	}
	t.MaxIdleConns = max(t.MaxIdleConns, 256)
	t.MaxIdleConnsPerHost = max(t.MaxIdleConnsPerHost, 64)
	if t.IdleConnTimeout == 0 {
		t.IdleConnTimeout = 90 * time.Second
	}
	if t.TLSHandshakeTimeout == 0 {
		t.TLSHandshakeTimeout = 10 * time.Second
	}
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

// IsConnectionError reports broken or refused connections.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{
		net.ErrClosed, io.ErrUnexpectedEOF,
		syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ECONNREFUSED,
		syscall.EPIPE, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// TransientStatus reports whether an HTTP status returned by an object store
// is worth retrying.
func TransientStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout
}

// IsTransientFailure classifies a raw backend failure. status is the HTTP
// status reported by the backend, or zero when none was received.
func IsTransientFailure(err error, status int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || IsConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return status != 0 && TransientStatus(status)
}

// WrapBackendError prefixes err with op and marks it transient when
// IsTransientFailure says so.
func WrapBackendError(err error, op string, status int) error {
	if err == nil {
		return nil
	}
	transient := IsTransientFailure(err, status)
	err = fmt.Errorf("%s: %w", op, err)
	if transient {
		return NewTransientError(err)
	}
	return err
}
