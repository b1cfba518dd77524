// Package remote binds a participant served over HTTP by another process.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/api"
	"pkt.systems/xacoord/internal/correlation"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/svcfields"
	"pkt.systems/xacoord/internal/tcclient"
)

// PathPrefix is where participant endpoints are mounted.
const PathPrefix = "/v1/participant/"

// Participant operation names, used as the final path segment.
const (
	OpBegin             = "begin"
	OpExecute           = "execute"
	OpPrepare           = "prepare"
	OpCommit            = "commit"
	OpCommitRecovered   = "commit-recovered"
	OpRollback          = "rollback"
	OpRollbackRecovered = "rollback-recovered"
	OpRecover           = "recover"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultBaseDelay = 50 * time.Millisecond
	maxErrorBody     = 64 << 10
)

// Config defines how a remote participant is reached.
type Config struct {
	ID       string
	Endpoint string
	// Timeout bounds each HTTP call.
	Timeout time.Duration

	// Recovery-path calls retry transport failures with exponential backoff.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	HTTPClient   *http.Client
	ClientConfig tcclient.Config
	Logger       pslog.Logger
}

// Participant forwards every call to a remote participant endpoint.
type Participant struct {
	id          string
	endpoint    string
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	logger      pslog.Logger

	httpClient   *http.Client
	clientConfig tcclient.Config
	clientMu     sync.Mutex
}

var _ participant.Participant = (*Participant)(nil)

// New validates cfg and returns a Participant.
func New(cfg Config) (*Participant, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, errors.New("remote: participant id required")
	}
	endpoint := strings.TrimSuffix(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("remote: participant %s: endpoint required", id)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Participant{
		id:           id,
		endpoint:     endpoint,
		timeout:      timeout,
		maxAttempts:  cfg.MaxAttempts,
		baseDelay:    cfg.BaseDelay,
		maxDelay:     cfg.MaxDelay,
		multiplier:   cfg.Multiplier,
		logger:       svcfields.WithParticipant(svcfields.WithSubsystem(cfg.Logger, "txn.participant.remote"), id),
		httpClient:   cfg.HTTPClient,
		clientConfig: cfg.ClientConfig,
	}, nil
}

// ID implements participant.Participant.
func (p *Participant) ID() string { return p.id }

// Endpoint returns the base URL calls are sent to.
func (p *Participant) Endpoint() string { return p.endpoint }

func sessionRequest(s participant.Session) api.ParticipantRequest {
	return api.ParticipantRequest{
		TxnID:                 s.TxnID,
		SessionToken:          s.SessionToken,
		InteractiveSessionKey: s.InteractiveSessionKey,
		CoordinatorKey:        s.CoordinatorKey,
	}
}

func recoveryRequest(r participant.Recovery) api.ParticipantRequest {
	return api.ParticipantRequest{
		TxnID:                 r.TxnID,
		InteractiveSessionKey: r.InteractiveSessionKey,
		CoordinatorKey:        r.CoordinatorKey,
	}
}

// Begin implements participant.Participant.
func (p *Participant) Begin(ctx context.Context, s participant.Session) error {
	_, err := p.callOnce(ctx, OpBegin, sessionRequest(s))
	return err
}

// Execute implements participant.Participant.
func (p *Participant) Execute(ctx context.Context, s participant.Session, op string, args []json.RawMessage) (json.RawMessage, error) {
	req := sessionRequest(s)
	req.Operation = op
	req.Args = args
	resp, err := p.callOnce(ctx, OpExecute, req)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Prepare implements participant.Participant.
func (p *Participant) Prepare(ctx context.Context, s participant.Session) error {
	_, err := p.callOnce(ctx, OpPrepare, sessionRequest(s))
	return err
}

// Commit implements participant.Participant.
func (p *Participant) Commit(ctx context.Context, s participant.Session) error {
	_, err := p.callOnce(ctx, OpCommit, sessionRequest(s))
	return err
}

// Rollback implements participant.Participant.
func (p *Participant) Rollback(ctx context.Context, s participant.Session) error {
	_, err := p.callOnce(ctx, OpRollback, sessionRequest(s))
	return err
}

// CommitRecovered implements participant.Participant. Transport failures
// are retried.
func (p *Participant) CommitRecovered(ctx context.Context, r participant.Recovery) error {
	_, err := p.callWithRetry(ctx, OpCommitRecovered, recoveryRequest(r))
	return err
}

// RollbackRecovered implements participant.Participant. Transport failures
// are retried.
func (p *Participant) RollbackRecovered(ctx context.Context, r participant.Recovery) error {
	_, err := p.callWithRetry(ctx, OpRollbackRecovered, recoveryRequest(r))
	return err
}

// RecoverAll implements participant.Participant. Transport failures are
// retried.
func (p *Participant) RecoverAll(ctx context.Context, isk, ck string) ([]string, error) {
	resp, err := p.callWithRetry(ctx, OpRecover, api.ParticipantRequest{InteractiveSessionKey: isk, CoordinatorKey: ck})
	if err != nil {
		return nil, err
	}
	return resp.TxnIDs, nil
}

func (p *Participant) callWithRetry(ctx context.Context, op string, req api.ParticipantRequest) (*api.ParticipantResponse, error) {
	attempts := p.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.baseDelay
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, &participant.UnavailableError{Participant: p.id, Operation: op, Err: ctx.Err()}
		}
		resp, err := p.callOnce(ctx, op, req)
		if err == nil || !participant.IsUnavailable(err) || attempt >= attempts {
			return resp, err
		}
		if delay <= 0 {
			delay = defaultBaseDelay
		}
		if p.maxDelay > 0 && delay > p.maxDelay {
			delay = p.maxDelay
		}
		p.logger.Debug("txn.participant.remote.retry", "operation", op, "txn_id", req.TxnID, "attempt", attempt, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &participant.UnavailableError{Participant: p.id, Operation: op, Err: ctx.Err()}
		case <-timer.C:
		}
		if p.multiplier > 1 {
			delay = time.Duration(float64(delay)*p.multiplier + 0.5)
		}
	}
}

func (p *Participant) ensureHTTPClient() (*http.Client, error) {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	if p.httpClient != nil {
		return p.httpClient, nil
	}
	client, err := tcclient.NewHTTPClient(p.clientConfig)
	if err != nil {
		return nil, err
	}
	p.httpClient = client
	return client, nil
}

func (p *Participant) callOnce(ctx context.Context, op string, payload api.ParticipantRequest) (*api.ParticipantResponse, error) {
	client, err := p.ensureHTTPClient()
	if err != nil {
		return nil, &participant.UnavailableError{Participant: p.id, Operation: op, Err: err}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("remote: encode %s: %w", op, err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.endpoint+PathPrefix+op, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote: build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	correlation.Inject(ctx, req)
	resp, err := client.Do(req)
	if err != nil {
		return nil, &participant.UnavailableError{Participant: p.id, Operation: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out api.ParticipantResponse
		if resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
				return nil, &participant.OperationError{Participant: p.id, Operation: op, Code: participant.CodeRemoteFailure, Detail: "decode response: " + err.Error(), Err: err}
			}
		}
		return &out, nil
	}
	return nil, p.decodeError(op, resp)
}

func (p *Participant) decodeError(op string, resp *http.Response) error {
	var errResp api.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err := json.Unmarshal(raw, &errResp); err != nil || errResp.ErrorCode == "" {
		statusErr := fmt.Errorf("status %d", resp.StatusCode)
		if resp.StatusCode >= http.StatusInternalServerError {
			return &participant.UnavailableError{Participant: p.id, Operation: op, Err: statusErr}
		}
		return &participant.OperationError{Participant: p.id, Operation: op, Code: participant.CodeRemoteFailure, Detail: strings.TrimSpace(string(raw)), Err: statusErr}
	}
	if errResp.ErrorCode == participant.CodeUnavailable {
		return &participant.UnavailableError{Participant: p.id, Operation: op, Err: errors.New(errResp.Detail)}
	}
	cause := participant.ErrorFromCode(errResp.ErrorCode)
	if cause == nil {
		cause = fmt.Errorf("status %d: %s", resp.StatusCode, errResp.ErrorCode)
	}
	return &participant.OperationError{
		Participant: p.id,
		Operation:   op,
		Code:        errResp.ErrorCode,
		Detail:      errResp.Detail,
		Err:         cause,
	}
}
