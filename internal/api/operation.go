package api

import (
	"context"
	"sync"
)

// flight is one running fetch, shared by every operation on its key.
type flight struct {
	done chan struct{}

	mu      sync.Mutex
	cancel  func(error)
	aborted error
	value   any
	err     error
}

func newFlight() *flight {
	return &flight{done: make(chan struct{})}
}

func (f *flight) bind(cancel func(error)) {
	f.mu.Lock()
	f.cancel = cancel
	reason := f.aborted
	f.mu.Unlock()
	if reason != nil {
		cancel(reason)
	}
}

func (f *flight) abort(reason error) {
	f.mu.Lock()
	cancel := f.cancel
	if cancel == nil {
		f.aborted = reason
	}
	f.mu.Unlock()
	if cancel != nil {
		cancel(reason)
	}
}

func (f *flight) finish(value any, err error) {
	f.mu.Lock()
	f.value, f.err = value, err
	f.mu.Unlock()
	close(f.done)
}

func (f *flight) result() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Operation is the handle returned by an endpoint invocation.
type Operation[R any] struct {
	api    *Api
	key    string
	err    error
	lazy   bool
	ensure func(pin bool) (*record, error)

	mu       sync.Mutex
	flight   *flight
	deferred bool
	hit      bool
	value    R
	subs     int
}

// CacheKey returns the key of the entry this operation reads.
func (o *Operation[R]) CacheKey() string {
	return o.key
}

// Await waits for the operation's result. A deferred operation starts its
// fetch here. Giving up on ctx leaves the fetch running.
func (o *Operation[R]) Await(ctx context.Context) (R, error) {
	var zero R
	f, err := o.current()
	if err != nil {
		return zero, err
	}
	if f == nil {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.value, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		v, err := f.result()
		r, _ := v.(R)
		return r, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (o *Operation[R]) current() (*flight, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	if o.deferred {
		o.deferred = false
		if o.ensure != nil {
			if _, err := o.ensure(false); err != nil {
				o.err = err
				return nil, err
			}
		}
		o.flight, o.err = o.api.acquire(o.key)
		if o.err != nil {
			return nil, o.err
		}
	}
	return o.flight, nil
}

// Subscribe keeps the entry alive until a matching Unsubscribe. An entry
// evicted since the invocation is recreated and fetched again, or left for
// Await to start when the endpoint starts on Await.
func (o *Operation[R]) Subscribe() {
	if o.key == "" || o.ensure == nil {
		return
	}
	rec, err := o.ensure(true)
	if err != nil {
		return
	}
	o.api.subscribe(o.key, rec)

	e, ok := o.api.Entry(o.api.store.State(), o.key)
	stale := !ok || e.IsUninitialized()
	o.mu.Lock()
	o.subs++
	if stale && o.lazy {
		o.hit, o.deferred = false, true
	}
	o.mu.Unlock()
	if !stale || o.lazy {
		return
	}
	f, err := o.api.acquire(o.key)
	o.mu.Lock()
	o.flight, o.hit, o.deferred, o.err = f, false, false, err
	o.mu.Unlock()
}

// Unsubscribe releases one Subscribe of this handle. Extra calls are
// ignored.
func (o *Operation[R]) Unsubscribe() {
	o.mu.Lock()
	if o.subs == 0 {
		o.mu.Unlock()
		return
	}
	o.subs--
	o.mu.Unlock()
	o.api.unsubscribe(o.key)
}

// Result reads the entry from the current state.
func (o *Operation[R]) Result() Result[R] {
	e, ok := o.api.Entry(o.api.store.State(), o.key)
	return resultOf[R](o.key, e, ok)
}

// Refetch fetches the entry again, sharing a flight already in progress,
// and waits for it. An evicted entry is recreated.
func (o *Operation[R]) Refetch(ctx context.Context) (R, error) {
	var zero R
	if o.key == "" {
		return o.Await(ctx)
	}
	if o.ensure != nil {
		if _, err := o.ensure(false); err != nil {
			return zero, err
		}
	}
	f, err := o.api.acquire(o.key)
	if err != nil {
		return zero, err
	}
	o.mu.Lock()
	o.flight, o.hit, o.deferred, o.err = f, false, false, nil
	o.mu.Unlock()
	return o.Await(ctx)
}

// Cancel aborts the flight this operation is attached to. Every operation
// sharing it sees the abort.
func (o *Operation[R]) Cancel() {
	o.mu.Lock()
	f := o.flight
	o.mu.Unlock()
	if f != nil {
		f.abort(context.Canceled)
	}
}
