package participant

import (
	"context"
	"errors"
	"fmt"
)

// Error codes shared by participant bindings and their HTTP surface.
const (
	CodeOperationFailed  = "operation_failed"
	CodeUnknownOperation = "unknown_operation"
	CodeInvalidArguments = "invalid_arguments"
	CodeUnauthorized     = "invalid_coordinator_key"
	CodeUnknownTxn       = "unknown_txn"
	CodeInvalidState     = "invalid_state"
	CodeTxnExists        = "txn_exists"
	CodeUnavailable      = "participant_unavailable"
	CodeRemoteFailure    = "remote_failure"
)

var (
	// ErrUnauthorized reports a coordinator or interactive session key mismatch.
	ErrUnauthorized = errors.New("participant: invalid coordinator key")
	// ErrUnknownOperation reports an Execute call naming no registered operation.
	ErrUnknownOperation = errors.New("participant: unknown operation")
	// ErrArity reports an argument count the operation does not accept.
	ErrArity = errors.New("participant: wrong number of arguments")
	// ErrUnknownTransaction reports a call for a transaction the participant never began.
	ErrUnknownTransaction = errors.New("participant: unknown transaction")
	// ErrInvalidState reports a call that is illegal in the transaction's current state.
	ErrInvalidState = errors.New("participant: invalid transaction state")
	// ErrTransactionExists reports a Begin for a transaction already begun.
	ErrTransactionExists = errors.New("participant: transaction already begun")
)

// OperationError is a failure reported by a participant while handling a
// call. Code is a stable machine-readable identifier.
type OperationError struct {
	Participant string
	Operation   string
	Code        string
	Detail      string
	Err         error
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("participant %s: %s failed", e.Participant, e.Operation)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error { return e.Err }

// UnavailableError reports that the participant could not be reached or did
// not answer within its timeout.
type UnavailableError struct {
	Participant string
	Operation   string
	Err         error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("participant %s unavailable during %s: %v", e.Participant, e.Operation, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is a transport failure or timeout.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ErrorCode maps err onto the stable code carried over the wire.
func ErrorCode(err error) string {
	var opErr *OperationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrUnknownOperation):
		return CodeUnknownOperation
	case errors.Is(err, ErrArity):
		return CodeInvalidArguments
	case errors.Is(err, ErrUnknownTransaction):
		return CodeUnknownTxn
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrTransactionExists):
		return CodeTxnExists
	case errors.As(err, &opErr) && opErr.Code != "":
		return opErr.Code
	case IsUnavailable(err):
		return CodeUnavailable
	default:
		return CodeOperationFailed
	}
}

// ErrorFromCode rebuilds a local error for a code received over the wire so
// errors.Is keeps working across process boundaries.
func ErrorFromCode(code string) error {
	switch code {
	case CodeUnauthorized:
		return ErrUnauthorized
	case CodeUnknownOperation:
		return ErrUnknownOperation
	case CodeInvalidArguments:
		return ErrArity
	case CodeUnknownTxn:
		return ErrUnknownTransaction
	case CodeInvalidState:
		return ErrInvalidState
	case CodeTxnExists:
		return ErrTransactionExists
	}
	return nil
}
