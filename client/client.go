package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/xacoord/api"
	"pkt.systems/xacoord/internal/correlation"
	"pkt.systems/xacoord/internal/svcfields"
	"pkt.systems/xacoord/internal/tcclient"
)

const (
	// DefaultHTTPTimeout bounds each request unless WithHTTPTimeout overrides it.
	DefaultHTTPTimeout = 30 * time.Second
	// DefaultFailureRetries is how often Begin retries txn_limit_exceeded
	// and not_ready responses.
	DefaultFailureRetries = 3
	maxRetryDelay         = 5 * time.Second
	maxErrorBody          = 64 << 10
)

// Client talks to one coordinator façade.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	clientConfig   tcclient.Config
	logger         pslog.Logger
	httpTimeout    time.Duration
	sessionKey     string
	failureRetries int
	sleep          func(context.Context, time.Duration) error
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithClientConfig configures TLS material for the default HTTP client.
func WithClientConfig(cfg tcclient.Config) Option {
	return func(c *Client) {
		c.clientConfig = cfg
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = svcfields.WithSubsystem(logger, "client.sdk")
	}
}

// WithHTTPTimeout overrides the per-request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithInteractiveSessionKey sets the key sent with every transaction call.
func WithInteractiveSessionKey(key string) Option {
	return func(c *Client) {
		c.sessionKey = key
	}
}

// WithFailureRetries overrides how many times Begin retries a server that is
// at its transaction limit or still recovering.
func WithFailureRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.failureRetries = n
		}
	}
}

// New creates a client targeting baseURL (e.g. http://localhost:9460).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("client: invalid baseURL %q: %w", baseURL, err)
	}
	c := &Client{
		baseURL:        trimmed,
		httpTimeout:    DefaultHTTPTimeout,
		failureRetries: DefaultFailureRetries,
		logger:         pslog.NoopLogger(),
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		cli, err := tcclient.NewHTTPClient(c.clientConfig)
		if err != nil {
			return nil, err
		}
		c.httpClient = cli
	}
	return c, nil
}

// BaseURL returns the coordinator URL requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// WithCorrelationID annotates ctx with a correlation identifier sent with
// subsequent requests.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return correlation.Set(ctx, id)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	return correlation.ID(ctx)
}

// NewTxnID returns a fresh transaction id.
func NewTxnID() string { return xid.New().String() }

// Begin opens a transaction. An empty TxnID is assigned by the server and an
// empty SessionToken is generated.
func (c *Client) Begin(ctx context.Context, req api.TxnRequest) (*api.TxnResponse, error) {
	if req.SessionToken == "" {
		req.SessionToken = xid.New().String()
	}
	c.applySessionKey(&req.InteractiveSessionKey)
	var out api.TxnResponse
	for attempt := 0; ; attempt++ {
		err := c.postJSON(ctx, "/v1/txn/begin", req, &out)
		if err == nil {
			return &out, nil
		}
		var apiErr *APIError
		if attempt >= c.failureRetries || !errors.As(err, &apiErr) || !apiErr.Retryable() {
			return nil, err
		}
		delay := min(apiErr.RetryAfterDuration(), maxRetryDelay)
		if delay <= 0 {
			delay = time.Second
		}
		c.logger.Debug("client.txn.begin.retry", "txn_id", req.TxnID, "code", apiErr.Response.ErrorCode, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// Execute runs one business operation on a participant.
func (c *Client) Execute(ctx context.Context, req api.ExecuteRequest) (*api.ExecuteResponse, error) {
	c.applySessionKey(&req.InteractiveSessionKey)
	var out api.ExecuteResponse
	if err := c.postJSON(ctx, "/v1/txn/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Commit runs both protocol phases. A nil error means the decision is
// durable; the response lists participants still to apply it.
func (c *Client) Commit(ctx context.Context, req api.TxnRequest) (*api.TxnResponse, error) {
	c.applySessionKey(&req.InteractiveSessionKey)
	var out api.TxnResponse
	if err := c.postJSON(ctx, "/v1/txn/commit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rollback aborts the transaction.
func (c *Client) Rollback(ctx context.Context, req api.TxnRequest) (*api.TxnResponse, error) {
	c.applySessionKey(&req.InteractiveSessionKey)
	var out api.TxnResponse
	if err := c.postJSON(ctx, "/v1/txn/rollback", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status reports what the coordinator knows about txnID.
func (c *Client) Status(ctx context.Context, txnID string) (*api.TxnStatusResponse, error) {
	var out api.TxnStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/txn/status?txn_id="+url.QueryEscape(txnID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready reports whether the coordinator has finished recovery.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/readyz", nil, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return false, nil
	}
	return false, err
}

func (c *Client) applySessionKey(dst *string) {
	if *dst == "" {
		*dst = c.sessionKey
	}
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	correlation.Inject(ctx, req)
	c.logger.Trace("client.http.start", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.transport_error", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logger.Debug("client.http.error", "method", method, "path", path, "status", resp.StatusCode)
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return err
	}
	apiErr := &APIError{Status: resp.StatusCode, Body: data}
	_ = json.Unmarshal(data, &apiErr.Response)
	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
