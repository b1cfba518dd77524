package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

type counterEnv struct {
	total int
}

type addArgs struct {
	N int `json:"n"`
}

func TestRegistryDispatchTypedHandlers(t *testing.T) {
	reg := NewRegistry[*counterEnv]()
	reg.MustRegister("add", Unary(func(_ context.Context, env *counterEnv, a addArgs) (int, error) {
		env.total += a.N
		return env.total, nil
	}))
	reg.MustRegister("total", Nullary(func(_ context.Context, env *counterEnv) (int, error) {
		return env.total, nil
	}))
	env := &counterEnv{}
	ctx := context.Background()

	out, err := reg.Dispatch(ctx, env, "add", []json.RawMessage{json.RawMessage(`{"n":5}`)})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if string(out) != "5" {
		t.Fatalf("unexpected add result %s", out)
	}
	out, err = reg.Dispatch(ctx, env, "total", nil)
	if err != nil || string(out) != "5" {
		t.Fatalf("total: %s %v", out, err)
	}
	if _, err := reg.Dispatch(ctx, env, "add", nil); !errors.Is(err, ErrArity) {
		t.Fatalf("expected arity error, got %v", err)
	}
	if _, err := reg.Dispatch(ctx, env, "add", []json.RawMessage{json.RawMessage(`"x"`)}); !errors.Is(err, ErrArity) {
		t.Fatalf("expected decode failure as arity error, got %v", err)
	}
	if _, err := reg.Dispatch(ctx, env, "missing", nil); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected unknown operation, got %v", err)
	}
	if err := reg.Register("add", reg.handlers["add"]); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "add" || names[1] != "total" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestCredentials(t *testing.T) {
	creds := Credentials{CoordinatorKey: "ck", InteractiveSessionKey: "isk"}
	if err := creds.CheckCoordinator("ck"); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if err := creds.CheckCoordinator("other"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := creds.CheckRecovery("isk", "ck"); err != nil {
		t.Fatalf("valid recovery rejected: %v", err)
	}
	if err := creds.CheckRecovery("wrong", "ck"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized recovery, got %v", err)
	}
	if err := (Credentials{}).CheckRecovery("", ""); err != nil {
		t.Fatalf("open credentials should accept: %v", err)
	}
}

func TestErrorCodesRoundTrip(t *testing.T) {
	for _, sentinel := range []error{ErrUnauthorized, ErrUnknownOperation, ErrArity, ErrUnknownTransaction, ErrInvalidState, ErrTransactionExists} {
		wrapped := fmt.Errorf("context: %w", sentinel)
		code := ErrorCode(wrapped)
		if back := ErrorFromCode(code); !errors.Is(back, sentinel) {
			t.Fatalf("code %q did not map back to %v", code, sentinel)
		}
	}
	opErr := &OperationError{Participant: "afs", Operation: "write", Code: CodeRemoteFailure, Detail: "disk full"}
	if ErrorCode(opErr) != CodeRemoteFailure {
		t.Fatalf("expected remote failure code")
	}
	if got := opErr.Error(); got != "participant afs: write failed (remote_failure): disk full" {
		t.Fatalf("unexpected message %q", got)
	}
	unavailable := &UnavailableError{Participant: "afs", Operation: "prepare", Err: context.DeadlineExceeded}
	if !IsUnavailable(fmt.Errorf("wrap: %w", unavailable)) || ErrorCode(unavailable) != CodeUnavailable {
		t.Fatalf("expected unavailable classification")
	}
	if ErrorCode(errors.New("boom")) != CodeOperationFailed {
		t.Fatalf("expected generic operation failure code")
	}
}
