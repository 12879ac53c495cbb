package asyncthunk

import (
	"context"
	"sync"
)

// Promise is the handle of one invocation. It settles after the terminal
// lifecycle action has been dispatched.
type Promise[R any] struct {
	requestID string
	cancel    context.CancelCauseFunc
	done      chan struct{}
	once      sync.Once

	value R
	err   error
}

func newPromise[R any](requestID string, cancel context.CancelCauseFunc) *Promise[R] {
	return &Promise[R]{requestID: requestID, cancel: cancel, done: make(chan struct{})}
}

func rejectedPromise[R any](err error) *Promise[R] {
	p := newPromise[R]("", nil)
	var zero R
	p.settle(zero, err)
	return p
}

// RequestID identifies the invocation in lifecycle action metadata.
func (p *Promise[R]) RequestID() string {
	return p.requestID
}

// Done is closed once the promise has settled.
func (p *Promise[R]) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the promise settles or ctx is done. Giving up on the
// wait does not cancel the invocation; use Cancel for that.
func (p *Promise[R]) Await(ctx context.Context) (R, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Settled returns the outcome without blocking.
func (p *Promise[R]) Settled() (R, error, bool) {
	select {
	case <-p.done:
		return p.value, p.err, true
	default:
		var zero R
		return zero, nil, false
	}
}

// Cancel signals the invocation's cancellation scope. A nil reason means
// context.Canceled. Cancelling a settled promise has no effect.
func (p *Promise[R]) Cancel(reason error) {
	if p.cancel == nil {
		return
	}
	if reason == nil {
		reason = context.Canceled
	}
	p.cancel(reason)
}

func (p *Promise[R]) settle(value R, err error) {
	p.once.Do(func() {
		p.value = value
		p.err = err
		close(p.done)
	})
}
