// Package abort implements the cooperative cancellation token the exchange
// layer threads through every suspension point (send, nextMessage, close).
//
// A Token wraps context.Context/context.WithCancelCause: this is the
// ecosystem-idiomatic way to express a composable, causal cancellation
// signal in Go, and a fired token propagates its cause to every token
// derived from it via Child, exactly as a cancelled parent context cancels
// its children.
package abort

import "context"

// Token is a cooperative cancellation signal carrying a cause.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// New creates a root token that is never fired on its own.
func New() *Token {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Token{ctx: ctx, cancel: cancel}
}

// FromContext wraps an existing context as a Token, useful when a caller
// already has a context.Context (e.g. from an RPC boundary) and wants to
// drive exchange operations from it.
func FromContext(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Fire cancels the token with cause. Subsequent calls are no-ops; the first
// cause wins, matching context.CancelCauseFunc semantics.
func (t *Token) Fire(cause error) {
	if t == nil {
		return
	}
	t.cancel(cause)
}

// Done returns a channel that closes once the token fires. A nil token
// returns a nil channel, which never fires.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ctx.Done()
}

// Cause returns the reason the token fired, or nil if it hasn't.
func (t *Token) Cause() error {
	if t == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// Fired reports whether the token has already fired.
func (t *Token) Fired() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Child derives a new token that fires whenever t fires (propagating t's
// cause) or when Fire is called on the child directly.
func (t *Token) Child() *Token {
	if t == nil {
		return New()
	}
	return FromContext(t.ctx)
}

// Context exposes the underlying context, for APIs that take one directly
// (e.g. net.Conn deadlines modeled as context-aware calls).
func (t *Token) Context() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}

var closedChan = func() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()
