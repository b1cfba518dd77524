package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"pkt.systems/xacoord/internal/txlog"
)

// Caller errors. They never change transaction state.
var (
	ErrUnknownTransaction = errors.New("coordinator: unknown transaction")
	ErrSessionMismatch    = errors.New("coordinator: session mismatch")
	ErrTransactionLimit   = errors.New("coordinator: transaction count limit reached")
	ErrInvalidState       = errors.New("coordinator: invalid transaction state")
	ErrTransactionExists  = errors.New("coordinator: transaction already exists")
	ErrNotReady           = errors.New("coordinator: recovery has not completed")
	ErrUnknownParticipant = errors.New("coordinator: unknown participant")
	ErrInvalidTxnID       = errors.New("coordinator: invalid transaction id")
	ErrDisabled           = errors.New("coordinator: disabled")
)

// Phase names the protocol step a transaction reached.
type Phase string

const (
	PhaseBegin    Phase = "begin"
	PhaseExecute  Phase = "execute"
	PhasePrepare  Phase = "prepare"
	PhaseDecision Phase = "decision"
	PhaseCommit   Phase = "commit"
	PhaseRollback Phase = "rollback"
)

// PhaseError reports a failure together with the phase reached and, when one
// was recorded, the decision. Failures before PhaseDecision are safe to retry
// by re-issuing commit or rollback.
type PhaseError struct {
	TxnID       string
	Phase       Phase
	Decision    txlog.Decision
	Participant string
	Err         error
	// Failures lists participants that did not confirm the rollback that
	// followed a failed prepare.
	Failures []ParticipantFailure
}

func (e *PhaseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "txn %s failed in %s phase", e.TxnID, e.Phase)
	if e.Participant != "" {
		fmt.Fprintf(&b, " at participant %s", e.Participant)
	}
	if e.Decision != "" && e.Decision != txlog.DecisionNone {
		fmt.Fprintf(&b, " (decision %s)", e.Decision)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PhaseError) Unwrap() error { return e.Err }

// ParticipantFailure is a post-decision warning: the decision stands and the
// participant is retried in the background.
type ParticipantFailure struct {
	Participant string
	Phase       Phase
	Err         error
}

func (f ParticipantFailure) Error() string {
	return fmt.Sprintf("participant %s %s: %v", f.Participant, f.Phase, f.Err)
}
