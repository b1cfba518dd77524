// Package httpapi serves the coordinator façade and the participant-facing
// RPC surface over JSON/HTTP.
package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/xacoord/api"
	"pkt.systems/xacoord/internal/coordinator"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/txlog"
)

const defaultLimitRetryAfter = time.Second

// Config wires the coordinator façade.
type Config struct {
	Coordinator *coordinator.Coordinator
	// Disabled rejects every transaction call with 503 disabled.
	Disabled bool
	Logger   pslog.Logger
	// JSONMaxBytes bounds request bodies. Defaults to DefaultJSONMaxBytes.
	JSONMaxBytes      int64
	EnableHTTPTracing bool
	// LimitRetryAfter is advertised with txn_limit_exceeded.
	LimitRetryAfter time.Duration
	Version         string
}

// Handler serves /v1/txn/* plus health endpoints.
type Handler struct {
	router
	coord      *coordinator.Coordinator
	disabled   bool
	retryAfter int64
	version    string
}

// New returns a Handler for cfg.
func New(cfg Config) *Handler {
	retry := cfg.LimitRetryAfter
	if retry <= 0 {
		retry = defaultLimitRetryAfter
	}
	return &Handler{
		router:     newRouter(cfg.Logger, cfg.EnableHTTPTracing, cfg.JSONMaxBytes),
		coord:      cfg.Coordinator,
		disabled:   cfg.Disabled || cfg.Coordinator == nil,
		retryAfter: int64((retry + time.Second - 1) / time.Second),
		version:    cfg.Version,
	}
}

// Register wires the routes under /v1 and health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/txn/begin", h.wrap("txn.begin", h.handleBegin))
	mux.Handle("/v1/txn/execute", h.wrap("txn.execute", h.handleExecute))
	mux.Handle("/v1/txn/commit", h.wrap("txn.commit", h.handleCommit))
	mux.Handle("/v1/txn/rollback", h.wrap("txn.rollback", h.handleRollback))
	mux.Handle("/v1/txn/status", h.wrap("txn.status", h.handleStatus))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

func (h *Handler) requireCoordinator() error {
	if h.disabled {
		return httpError{Status: http.StatusServiceUnavailable, Code: "disabled", Detail: "transaction coordinator is disabled"}
	}
	return nil
}

func validateTxnID(id string) error {
	if _, err := xid.FromString(id); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_txn_id", Detail: "txn_id must be an xid", TxnID: id}
	}
	return nil
}

func (h *Handler) readTxnRequest(w http.ResponseWriter, r *http.Request) (coordinator.Request, error) {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return coordinator.Request{}, err
	}
	if err := h.requireCoordinator(); err != nil {
		return coordinator.Request{}, err
	}
	var payload api.TxnRequest
	if err := h.readJSON(w, r, &payload); err != nil {
		return coordinator.Request{}, err
	}
	payload.TxnID = strings.TrimSpace(payload.TxnID)
	if payload.TxnID == "" {
		return coordinator.Request{}, httpError{Status: http.StatusBadRequest, Code: "missing_txn_id", Detail: "txn_id is required"}
	}
	if err := validateTxnID(payload.TxnID); err != nil {
		return coordinator.Request{}, err
	}
	return coordinator.Request{
		TxnID:                 payload.TxnID,
		SessionToken:          payload.SessionToken,
		InteractiveSessionKey: payload.InteractiveSessionKey,
	}, nil
}

// handleBegin opens a transaction on every participant. An empty txn_id
// is assigned a fresh xid.
func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	if err := h.requireCoordinator(); err != nil {
		return err
	}
	var payload api.TxnRequest
	if err := h.readJSON(w, r, &payload); err != nil {
		return err
	}
	payload.TxnID = strings.TrimSpace(payload.TxnID)
	if payload.TxnID == "" {
		payload.TxnID = xid.New().String()
	}
	if err := validateTxnID(payload.TxnID); err != nil {
		return err
	}
	res, err := h.coord.Begin(r.Context(), coordinator.Request{
		TxnID:                 payload.TxnID,
		SessionToken:          payload.SessionToken,
		InteractiveSessionKey: payload.InteractiveSessionKey,
	})
	if err != nil {
		return h.convertError(payload.TxnID, err)
	}
	writeJSON(w, http.StatusOK, txnResponse(res), nil)
	return nil
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	if err := h.requireCoordinator(); err != nil {
		return err
	}
	var payload api.ExecuteRequest
	if err := h.readJSON(w, r, &payload); err != nil {
		return err
	}
	if err := validateTxnID(payload.TxnID); err != nil {
		return err
	}
	if strings.TrimSpace(payload.Participant) == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_participant", Detail: "participant is required", TxnID: payload.TxnID}
	}
	if strings.TrimSpace(payload.Operation) == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_operation", Detail: "operation is required", TxnID: payload.TxnID}
	}
	out, err := h.coord.Execute(r.Context(), coordinator.ExecuteRequest{
		Request: coordinator.Request{
			TxnID:                 payload.TxnID,
			SessionToken:          payload.SessionToken,
			InteractiveSessionKey: payload.InteractiveSessionKey,
		},
		Participant: payload.Participant,
		Operation:   payload.Operation,
		Args:        payload.Args,
	})
	if err != nil {
		return h.convertError(payload.TxnID, err)
	}
	writeJSON(w, http.StatusOK, api.ExecuteResponse{
		TxnID:       payload.TxnID,
		Participant: payload.Participant,
		Operation:   payload.Operation,
		Result:      out,
	}, nil)
	return nil
}

// handleCommit runs both phases. Participants that miss phase two are
// reported as failures alongside a 200: the decision stands.
func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) error {
	req, err := h.readTxnRequest(w, r)
	if err != nil {
		return err
	}
	res, err := h.coord.Commit(r.Context(), req)
	if err != nil {
		return h.convertError(req.TxnID, err)
	}
	writeJSON(w, http.StatusOK, txnResponse(res), nil)
	return nil
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) error {
	req, err := h.readTxnRequest(w, r)
	if err != nil {
		return err
	}
	res, err := h.coord.Rollback(r.Context(), req)
	if err != nil {
		return h.convertError(req.TxnID, err)
	}
	writeJSON(w, http.StatusOK, txnResponse(res), nil)
	return nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	if err := h.requireCoordinator(); err != nil {
		return err
	}
	txnID := strings.TrimSpace(r.URL.Query().Get("txn_id"))
	if txnID == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_txn_id", Detail: "txn_id is required"}
	}
	if err := validateTxnID(txnID); err != nil {
		return err
	}
	snap, err := h.coord.Lookup(r.Context(), txnID)
	if err != nil {
		return h.convertError(txnID, err)
	}
	writeJSON(w, http.StatusOK, statusResponse(snap), nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: h.version}, nil)
	return nil
}

// handleReady reports 503 until startup recovery has completed.
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	switch {
	case h.disabled:
		writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "disabled", Version: h.version}, nil)
	case !h.coord.Ready():
		writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "recovering", Version: h.version}, map[string]string{"Retry-After": "1"})
	default:
		writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ready", Version: h.version}, nil)
	}
	return nil
}

func txnResponse(res coordinator.Result) api.TxnResponse {
	resp := api.TxnResponse{
		TxnID:    res.TxnID,
		State:    string(res.State),
		Decision: string(res.Decision),
	}
	for _, f := range res.Failures {
		resp.Failures = append(resp.Failures, failureResponse(f))
	}
	return resp
}

func failureResponse(f coordinator.ParticipantFailure) api.ParticipantFailure {
	out := api.ParticipantFailure{Participant: f.Participant, Phase: string(f.Phase)}
	if f.Err != nil {
		out.ErrorCode = participant.ErrorCode(f.Err)
		out.Detail = f.Err.Error()
	}
	return out
}

func statusResponse(snap coordinator.Snapshot) api.TxnStatusResponse {
	resp := api.TxnStatusResponse{
		TxnID:        snap.TxnID,
		State:        string(snap.State),
		Decision:     string(snap.Decision),
		Live:         snap.Live,
		Participants: snap.ParticipantIDs,
		Pending:      snap.Pending,
	}
	if !snap.CreatedAt.IsZero() {
		resp.CreatedAtUnix = snap.CreatedAt.Unix()
	}
	if !snap.LastActivityAt.IsZero() {
		resp.LastActivityUnix = snap.LastActivityAt.Unix()
	}
	if !snap.DecidedAt.IsZero() {
		resp.DecidedAtUnix = snap.DecidedAt.Unix()
	}
	return resp
}

// convertError maps coordinator errors onto the façade's status codes.
func (h *Handler) convertError(txnID string, err error) error {
	var pe *coordinator.PhaseError
	if errors.As(err, &pe) {
		return phaseHTTPError(pe)
	}
	he := httpError{TxnID: txnID, Detail: err.Error()}
	switch {
	case errors.Is(err, coordinator.ErrUnknownTransaction):
		he.Status, he.Code = http.StatusNotFound, "unknown_txn"
	case errors.Is(err, coordinator.ErrSessionMismatch):
		he.Status, he.Code = http.StatusForbidden, "session_mismatch"
	case errors.Is(err, coordinator.ErrTransactionLimit):
		he.Status, he.Code, he.RetryAfter = http.StatusTooManyRequests, "txn_limit_exceeded", h.retryAfter
	case errors.Is(err, coordinator.ErrNotReady):
		he.Status, he.Code, he.RetryAfter = http.StatusServiceUnavailable, "not_ready", 1
	case errors.Is(err, coordinator.ErrInvalidState):
		he.Status, he.Code = http.StatusConflict, "invalid_state"
	case errors.Is(err, coordinator.ErrTransactionExists):
		he.Status, he.Code = http.StatusConflict, "txn_exists"
	case errors.Is(err, coordinator.ErrInvalidTxnID):
		he.Status, he.Code = http.StatusBadRequest, "invalid_txn_id"
	case errors.Is(err, coordinator.ErrUnknownParticipant):
		he.Status, he.Code = http.StatusNotFound, "unknown_participant"
	case errors.Is(err, coordinator.ErrDisabled):
		he.Status, he.Code = http.StatusServiceUnavailable, "disabled"
	default:
		return err
	}
	return he
}

func phaseHTTPError(pe *coordinator.PhaseError) httpError {
	he := httpError{
		TxnID:       pe.TxnID,
		Phase:       string(pe.Phase),
		Participant: pe.Participant,
		Detail:      pe.Error(),
	}
	switch {
	case errors.Is(pe.Err, participant.ErrUnauthorized):
		he.Status, he.Code = http.StatusUnauthorized, participant.CodeUnauthorized
	case pe.Phase == coordinator.PhaseExecute && participant.IsUnavailable(pe.Err):
		he.Status, he.Code = http.StatusServiceUnavailable, participant.CodeUnavailable
	case pe.Phase == coordinator.PhaseExecute:
		he.Status, he.Code = http.StatusUnprocessableEntity, "operation_failed"
	case pe.Phase == coordinator.PhaseBegin:
		he.Status, he.Code = http.StatusBadGateway, "begin_failed"
	case pe.Phase == coordinator.PhasePrepare:
		he.Status, he.Code = http.StatusConflict, "prepare_failed"
	case pe.Phase == coordinator.PhaseDecision && errors.Is(pe.Err, txlog.ErrDecisionConflict):
		he.Status, he.Code = http.StatusConflict, "decision_conflict"
	case pe.Phase == coordinator.PhaseDecision:
		he.Status, he.Code, he.RetryAfter = http.StatusServiceUnavailable, "decision_failed", 1
	case pe.Decision == txlog.DecisionRollback:
		he.Status, he.Code = http.StatusConflict, "txn_rolled_back"
	default:
		he.Status, he.Code = http.StatusConflict, "invalid_state"
	}
	return he
}
