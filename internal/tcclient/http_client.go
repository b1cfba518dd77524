package tcclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config configures the HTTP client the coordinator uses to reach remote
// participants.
type Config struct {
	// Timeout bounds a whole request. Zero leaves the per-call context in charge.
	Timeout time.Duration
	// CAFile is an optional PEM bundle trusted in addition to the system roots.
	CAFile string
	// CertFile and KeyFile enable client certificate authentication when both are set.
	CertFile string
	KeyFile  string
	// DisableTracing skips the otelhttp transport wrapper.
	DisableTracing bool
}

// NewHTTPClient builds an HTTP client with optional custom trust roots and
// client certificates.
func NewHTTPClient(cfg Config) (*http.Client, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("tcclient: http transport unexpected type")
	}
	tr := transport.Clone()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if path := strings.TrimSpace(cfg.CAFile); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("tcclient: read ca file: %w", err)
		}
		roots, err := x509.SystemCertPool()
		if err != nil || roots == nil {
			roots = x509.NewCertPool()
		}
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tcclient: ca file %s contains no certificates", path)
		}
		tlsCfg.RootCAs = roots
	}
	certFile := strings.TrimSpace(cfg.CertFile)
	keyFile := strings.TrimSpace(cfg.KeyFile)
	switch {
	case certFile != "" && keyFile != "":
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("tcclient: load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	case certFile != "" || keyFile != "":
		return nil, errors.New("tcclient: client certificate requires both cert and key files")
	}
	tr.TLSClientConfig = tlsCfg
	var rt http.RoundTripper = tr
	if !cfg.DisableTracing {
		rt = otelhttp.NewTransport(tr)
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: rt,
	}, nil
}
