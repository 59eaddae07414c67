package syncer

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrCompletionAbandoned reports a completion handle that was garbage
// collected without being resolved. Connectors must call Complete or Fail
// exactly once on every handle they receive.
var ErrCompletionAbandoned = errors.New("syncer: completion abandoned without resolution")

type outcome[T any] struct {
	value T
	err   error
}

type completionState[T any] struct {
	resolved atomic.Bool
	ch       chan outcome[T]
}

func (s *completionState[T]) resolve(o outcome[T]) {
	if !s.resolved.CompareAndSwap(false, true) {
		panic("syncer: completion resolved twice")
	}
	s.ch <- o
}

// Completion is the resolver half of a one-shot result channel. The engine
// hands one to the connector for each asynchronous operation; exactly one of
// Complete or Fail must be called, from any goroutine. A second resolution is
// a programming error and panics.
type Completion[T any] struct {
	s *completionState[T]
}

// Pending is the awaiting half. Await blocks until the paired Completion
// resolves, the handle is abandoned, or ctx is cancelled.
type Pending[T any] struct {
	s *completionState[T]
}

// NewCompletion returns a linked resolver and awaiter pair.
func NewCompletion[T any]() (*Completion[T], *Pending[T]) {
	s := &completionState[T]{ch: make(chan outcome[T], 1)}
	c := &Completion[T]{s: s}
	// A handle collected unresolved fails the awaiter instead of leaving it
	// blocked until ctx cancellation.
	runtime.AddCleanup(c, func(s *completionState[T]) {
		if s.resolved.CompareAndSwap(false, true) {
			s.ch <- outcome[T]{err: ErrCompletionAbandoned}
		}
	}, s)
	return c, &Pending[T]{s: s}
}

// Complete resolves the operation successfully.
func (c *Completion[T]) Complete(value T) {
	c.s.resolve(outcome[T]{value: value})
}

// Fail resolves the operation with an error.
func (c *Completion[T]) Fail(err error) {
	if err == nil {
		err = errors.New("syncer: completion failed with nil error")
	}
	c.s.resolve(outcome[T]{err: err})
}

// Await returns the resolved value or error, or ctx.Err() on cancellation.
func (p *Pending[T]) Await(ctx context.Context) (T, error) {
	select {
	case o := <-p.s.ch:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
