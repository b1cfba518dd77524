package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one named operation against the participant's
// per-transaction environment E.
type Handler[E any] func(ctx context.Context, env E, args []json.RawMessage) (json.RawMessage, error)

// Registry maps operation names to handlers. It is filled at startup and
// read concurrently afterwards.
type Registry[E any] struct {
	mu       sync.RWMutex
	handlers map[string]Handler[E]
}

// NewRegistry returns an empty registry.
func NewRegistry[E any]() *Registry[E] {
	return &Registry[E]{handlers: make(map[string]Handler[E])}
}

// Register adds h under name. Names are unique.
func (r *Registry[E]) Register(name string, h Handler[E]) error {
	if name == "" || h == nil {
		return fmt.Errorf("participant: operation name and handler required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("participant: operation %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for static wiring; it panics on duplicates.
func (r *Registry[E]) MustRegister(name string, h Handler[E]) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Names lists the registered operations in sorted order.
func (r *Registry[E]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler registered under name.
func (r *Registry[E]) Dispatch(ctx context.Context, env E, name string, args []json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	return h(ctx, env, args)
}

// Nullary adapts a typed function taking no arguments.
func Nullary[E, R any](fn func(ctx context.Context, env E) (R, error)) Handler[E] {
	return func(ctx context.Context, env E, args []json.RawMessage) (json.RawMessage, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: want 0, got %d", ErrArity, len(args))
		}
		out, err := fn(ctx, env)
		if err != nil {
			return nil, err
		}
		return encodeResult(out)
	}
}

// Unary adapts a typed function taking one JSON-decoded argument.
func Unary[E, A, R any](fn func(ctx context.Context, env E, arg A) (R, error)) Handler[E] {
	return func(ctx context.Context, env E, args []json.RawMessage) (json.RawMessage, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: want 1, got %d", ErrArity, len(args))
		}
		var arg A
		if err := json.Unmarshal(args[0], &arg); err != nil {
			return nil, fmt.Errorf("%w: decode argument: %v", ErrArity, err)
		}
		out, err := fn(ctx, env, arg)
		if err != nil {
			return nil, err
		}
		return encodeResult(out)
	}
}

func encodeResult(v any) (json.RawMessage, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("participant: encode result: %w", err)
	}
	return payload, nil
}
