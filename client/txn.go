package client

import (
	"context"
	"encoding/json"
	"fmt"

	"pkt.systems/xacoord/api"
)

// Txn is a transaction bound to the session that began it.
type Txn struct {
	c            *Client
	id           string
	sessionToken string
}

// Start begins a transaction with a fresh id and session token.
func (c *Client) Start(ctx context.Context) (*Txn, error) {
	token := NewTxnID()
	resp, err := c.Begin(ctx, api.TxnRequest{TxnID: NewTxnID(), SessionToken: token})
	if err != nil {
		return nil, err
	}
	return c.resume(resp.TxnID, token), nil
}

// Resume rebinds an existing transaction, e.g. one begun by another
// process that handed over its id and session token.
func (c *Client) Resume(txnID, sessionToken string) *Txn {
	return c.resume(txnID, sessionToken)
}

func (c *Client) resume(txnID, sessionToken string) *Txn {
	return &Txn{c: c, id: txnID, sessionToken: sessionToken}
}

// ID returns the transaction id.
func (t *Txn) ID() string { return t.id }

// SessionToken returns the token binding the transaction to this session.
func (t *Txn) SessionToken() string { return t.sessionToken }

func (t *Txn) request() api.TxnRequest {
	return api.TxnRequest{TxnID: t.id, SessionToken: t.sessionToken}
}

// Execute runs operation on participant. Each arg is JSON encoded as one
// positional argument.
func (t *Txn) Execute(ctx context.Context, participant, operation string, args ...any) (json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		if msg, ok := arg.(json.RawMessage); ok {
			raw = append(raw, msg)
			continue
		}
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("client: encode argument %d: %w", i, err)
		}
		raw = append(raw, data)
	}
	resp, err := t.c.Execute(ctx, api.ExecuteRequest{
		TxnID:        t.id,
		SessionToken: t.sessionToken,
		Participant:  participant,
		Operation:    operation,
		Args:         raw,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// ExecuteInto runs operation and decodes its result into out.
func (t *Txn) ExecuteInto(ctx context.Context, out any, participant, operation string, args ...any) error {
	raw, err := t.Execute(ctx, participant, operation, args...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Commit commits the transaction.
func (t *Txn) Commit(ctx context.Context) (*api.TxnResponse, error) {
	return t.c.Commit(ctx, t.request())
}

// Rollback rolls the transaction back.
func (t *Txn) Rollback(ctx context.Context) (*api.TxnResponse, error) {
	return t.c.Rollback(ctx, t.request())
}

// Status reports the transaction's state.
func (t *Txn) Status(ctx context.Context) (*api.TxnStatusResponse, error) {
	return t.c.Status(ctx, t.id)
}
