package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/api"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/remote"
)

// ParticipantConfig wires a participant to the RPC surface a remote.Participant
// calls.
type ParticipantConfig struct {
	Participant       participant.Participant
	Logger            pslog.Logger
	JSONMaxBytes      int64
	EnableHTTPTracing bool
}

type participantHandler struct {
	router
	p   participant.Participant
	mux *http.ServeMux
}

// NewParticipantHandler serves POST /v1/participant/<op> for cfg.Participant.
func NewParticipantHandler(cfg ParticipantConfig) (http.Handler, error) {
	if cfg.Participant == nil {
		return nil, errors.New("httpapi: participant required")
	}
	h := &participantHandler{
		router: newRouter(cfg.Logger, cfg.EnableHTTPTracing, cfg.JSONMaxBytes),
		p:      cfg.Participant,
		mux:    http.NewServeMux(),
	}
	for _, op := range []string{
		remote.OpBegin,
		remote.OpExecute,
		remote.OpPrepare,
		remote.OpCommit,
		remote.OpCommitRecovered,
		remote.OpRollback,
		remote.OpRollbackRecovered,
		remote.OpRecover,
	} {
		h.mux.Handle(remote.PathPrefix+op, h.wrap("participant."+op, h.serveOp(op)))
	}
	return h.mux, nil
}

func (h *participantHandler) serveOp(op string) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		if err := requireMethod(r, http.MethodPost); err != nil {
			return err
		}
		var req api.ParticipantRequest
		if err := h.readJSON(w, r, &req); err != nil {
			return err
		}
		if op != remote.OpRecover && strings.TrimSpace(req.TxnID) == "" {
			return httpError{Status: http.StatusBadRequest, Code: "missing_txn_id", Detail: "txn_id is required"}
		}
		resp, err := h.dispatch(r, op, req)
		if err != nil {
			return participantHTTPError(op, req.TxnID, err)
		}
		resp.TxnID = req.TxnID
		writeJSON(w, http.StatusOK, resp, nil)
		return nil
	}
}

func (h *participantHandler) dispatch(r *http.Request, op string, req api.ParticipantRequest) (api.ParticipantResponse, error) {
	ctx := r.Context()
	session := participant.Session{
		TxnID:                 req.TxnID,
		SessionToken:          req.SessionToken,
		InteractiveSessionKey: req.InteractiveSessionKey,
		CoordinatorKey:        req.CoordinatorKey,
	}
	recovery := participant.Recovery{
		TxnID:                 req.TxnID,
		InteractiveSessionKey: req.InteractiveSessionKey,
		CoordinatorKey:        req.CoordinatorKey,
	}
	var resp api.ParticipantResponse
	var err error
	switch op {
	case remote.OpBegin:
		err = h.p.Begin(ctx, session)
	case remote.OpExecute:
		resp.Result, err = h.p.Execute(ctx, session, req.Operation, req.Args)
	case remote.OpPrepare:
		err = h.p.Prepare(ctx, session)
	case remote.OpCommit:
		err = h.p.Commit(ctx, session)
	case remote.OpCommitRecovered:
		err = h.p.CommitRecovered(ctx, recovery)
	case remote.OpRollback:
		err = h.p.Rollback(ctx, session)
	case remote.OpRollbackRecovered:
		err = h.p.RollbackRecovered(ctx, recovery)
	case remote.OpRecover:
		resp.TxnIDs, err = h.p.RecoverAll(ctx, req.InteractiveSessionKey, req.CoordinatorKey)
		if resp.TxnIDs == nil {
			resp.TxnIDs = []string{}
		}
	default:
		err = participant.ErrUnknownOperation
	}
	return resp, err
}

// participantHTTPError keeps the participant's error code so the remote
// binding can rebuild the same sentinel.
func participantHTTPError(op, txnID string, err error) httpError {
	code := participant.ErrorCode(err)
	he := httpError{Code: code, Phase: op, TxnID: txnID, Detail: err.Error()}
	var opErr *participant.OperationError
	if errors.As(err, &opErr) {
		he.Participant = opErr.Participant
		if opErr.Detail != "" {
			he.Detail = opErr.Detail
		}
	}
	switch code {
	case participant.CodeUnauthorized:
		he.Status = http.StatusUnauthorized
	case participant.CodeUnknownTxn:
		he.Status = http.StatusNotFound
	case participant.CodeInvalidState, participant.CodeTxnExists:
		he.Status = http.StatusConflict
	case participant.CodeUnknownOperation, participant.CodeInvalidArguments:
		he.Status = http.StatusBadRequest
	case participant.CodeUnavailable:
		he.Status = http.StatusServiceUnavailable
	default:
		he.Status = http.StatusUnprocessableEntity
	}
	return he
}
