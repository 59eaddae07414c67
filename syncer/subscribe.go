package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/viant/sqlite-sync/status"
)

// Subscription is a handle to an explicitly requested stream.
type Subscription struct {
	e          *Engine
	name       string
	parameters json.RawMessage
	closed     atomic.Bool
}

// Name returns the stream name the subscription was created with.
func (s *Subscription) Name() string { return s.name }

// Parameters returns the parameter document the subscription was created
// with, nil when none were given.
func (s *Subscription) Parameters() json.RawMessage { return s.parameters }

// Subscribe registers an explicit subscription to a stream. The subscription
// is persisted, so it survives restarts until Unsubscribe is called.
// Parameters are part of the stream's identity and are compared byte for
// byte: subscribing with differently formatted but equivalent JSON creates a
// separate stream. When the engine is connected the session restarts so the
// service starts serving the stream immediately.
func (e *Engine) Subscribe(ctx context.Context, name string, parameters json.RawMessage) (*Subscription, error) {
	if name == "" {
		return nil, fmt.Errorf("syncer: subscribe: stream name is empty")
	}
	if len(parameters) > 0 && !json.Valid(parameters) {
		return nil, fmt.Errorf("syncer: subscribe %q: parameters are not valid JSON", name)
	}

	if err := e.persistSubscribe(ctx, name, parameters); err != nil {
		return nil, err
	}

	e.deps.Store.Update(func(st *status.Status) {
		stream := st.UpsertStream(name, parameters)
		stream.HasExplicit = true
	})

	if e.Connected() {
		e.requestRestart()
	}
	return &Subscription{e: e, name: name, parameters: parameters}, nil
}

func (e *Engine) persistSubscribe(ctx context.Context, name string, parameters json.RawMessage) error {
	lease, err := e.deps.Pool.Writer(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	_, err = lease.ExecContext(ctx, `
INSERT INTO ps_stream_state (name, parameters, has_explicit)
VALUES (?, ?, 1)
ON CONFLICT (name, parameters) DO UPDATE SET has_explicit = 1`,
		name, paramsText(parameters))
	if err != nil {
		return fmt.Errorf("syncer: subscribe %q: %w", name, err)
	}
	return nil
}

// Unsubscribe withdraws the explicit subscription. The stream keeps syncing
// if the service serves it as a default; otherwise its tracked state is
// dropped and already downloaded rows stay in place. Unsubscribe is
// idempotent on the handle, but any handle for the same stream ends the
// subscription: handles are not reference counted.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := s.e.persistUnsubscribe(ctx, s.name, s.parameters); err != nil {
		return err
	}

	s.e.deps.Store.Update(func(st *status.Status) {
		var kept []status.StreamStatus
		for _, stream := range st.Streams {
			if stream.Name == s.name && bytes.Equal(stream.Parameters, s.parameters) {
				if !stream.IsDefault {
					continue
				}
				stream.HasExplicit = false
			}
			kept = append(kept, stream)
		}
		st.Streams = kept
	})

	if s.e.Connected() {
		s.e.requestRestart()
	}
	return nil
}

func (e *Engine) persistUnsubscribe(ctx context.Context, name string, parameters json.RawMessage) error {
	lease, err := e.deps.Pool.Writer(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	tx, err := lease.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("syncer: unsubscribe %q: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"UPDATE ps_stream_state SET has_explicit = 0 WHERE name = ? AND parameters = ?",
		name, paramsText(parameters)); err != nil {
		return fmt.Errorf("syncer: unsubscribe %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM ps_stream_state WHERE name = ? AND parameters = ? AND is_default = 0",
		name, paramsText(parameters)); err != nil {
		return fmt.Errorf("syncer: unsubscribe %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("syncer: unsubscribe %q: %w", name, err)
	}
	return nil
}
