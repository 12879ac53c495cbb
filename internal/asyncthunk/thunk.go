package asyncthunk

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/five82/keel/internal/diag"
	"github.com/five82/keel/internal/store"
)

// Status is the lifecycle phase recorded in Meta.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusRejected  Status = "rejected"
	StatusProgress  Status = "progress"
)

// Meta is attached to every lifecycle action.
type Meta struct {
	RequestID     string
	Arg           any
	RequestStatus Status
	StartedAt     time.Time
	// Timestamp is when this action was built.
	Timestamp time.Time

	// Set on rejected actions only.
	Aborted           bool
	RejectedWithValue bool
	Error             string
	Err               error

	// Extra is whatever the caller passed with WithExtra.
	Extra any
}

// MetaOf returns the lifecycle metadata of a, if it has any.
func MetaOf(a store.Action) (Meta, bool) {
	m, ok := a.Meta.(Meta)
	return m, ok
}

// Runner performs the asynchronous work. It should watch ctx and return
// promptly once it is done.
type Runner[A, R any] func(ctx context.Context, arg A, api *API[R]) (R, error)

// Options tune a Thunk.
type Options[A any] struct {
	// Condition runs before anything is dispatched. Returning false settles
	// the promise with ErrConditionFalse and dispatches nothing.
	Condition func(arg A, st store.State) bool

	// SuppressErrorLog keeps unexpected runner errors out of the reporter.
	// They are still dispatched as rejected.
	SuppressErrorLog bool
}

// Thunk is an async operation bound to a type prefix. Its lifecycle
// creators can be used in reducers like any other creator.
type Thunk[A, R any] struct {
	typ  string
	run  Runner[A, R]
	opts Options[A]

	Pending   store.Creator[A]
	Fulfilled store.Creator[R]
	Rejected  store.Creator[any]
	Progress  store.Creator[any]
}

// New declares an async thunk. typ must be unique within the store; the
// lifecycle action types are typ+"/pending" and so on.
func New[A, R any](typ string, run Runner[A, R], opts Options[A]) *Thunk[A, R] {
	return &Thunk[A, R]{
		typ:       typ,
		run:       run,
		opts:      opts,
		Pending:   store.NewCreator[A](typ + "/" + string(StatusPending)),
		Fulfilled: store.NewCreator[R](typ + "/" + string(StatusFulfilled)),
		Rejected:  store.NewCreator[any](typ + "/" + string(StatusRejected)),
		Progress:  store.NewCreator[any](typ + "/" + string(StatusProgress)),
	}
}

// Prefix returns the type prefix shared by the thunk's lifecycle actions.
// Builders register cases on the lifecycle creators (Pending, Fulfilled,
// Rejected, Progress); a Thunk is not a store.TypeMatcher.
func (t *Thunk[A, R]) Prefix() string {
	return t.typ
}

// Match reports whether a is one of this thunk's lifecycle actions. Use it
// with Builder.AddMatcher to handle all four at once.
func (t *Thunk[A, R]) Match(a store.Action) bool {
	if _, ok := MetaOf(a); !ok {
		return false
	}
	return strings.HasPrefix(a.Type, t.typ+"/")
}

// InvokeOption adjusts a single invocation.
type InvokeOption func(*invocation)

type invocation struct {
	extra any
}

// WithExtra attaches v to Meta.Extra of every lifecycle action of the
// invocation.
func WithExtra(v any) InvokeOption {
	return func(inv *invocation) { inv.extra = v }
}

// Invoke returns a store.Thunk that starts the operation. Dispatching it
// returns a *Promise[R]. Cancelling ctx aborts the run.
func (t *Thunk[A, R]) Invoke(ctx context.Context, arg A, opts ...InvokeOption) store.Thunk {
	var inv invocation
	for _, o := range opts {
		o(&inv)
	}
	return func(api store.API) any {
		return t.start(ctx, api, arg, inv)
	}
}

// Dispatch invokes the thunk on d and returns its promise. A dispatch
// failure yields an already rejected promise.
func (t *Thunk[A, R]) Dispatch(ctx context.Context, d store.Dispatcher, arg A, opts ...InvokeOption) *Promise[R] {
	v, err := d.Dispatch(t.Invoke(ctx, arg, opts...))
	if p, ok := v.(*Promise[R]); ok {
		return p
	}
	if err == nil {
		err = fmt.Errorf("%s: dispatch did not return a promise (got %T)", t.typ, v)
	}
	return rejectedPromise[R](err)
}

func (t *Thunk[A, R]) start(parent context.Context, sapi store.API, arg A, inv invocation) *Promise[R] {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	requestID := uuid.NewString()
	p := newPromise[R](requestID, cancel)

	if t.opts.Condition != nil && !t.opts.Condition(arg, sapi.State()) {
		cancel(ErrConditionFalse)
		var zero R
		p.settle(zero, ErrConditionFalse)
		return p
	}

	api := &API[R]{
		store:     sapi,
		ctx:       ctx,
		thunk:     t.typ,
		requestID: requestID,
		startedAt: time.Now(),
		arg:       arg,
		extra:     inv.extra,
		progress:  t.Progress.Type(),
		fulfilled: t.Fulfilled.Type(),
	}
	t.dispatch(sapi, store.Action{
		Type:    t.Pending.Type(),
		Payload: arg,
		Meta:    api.meta(StatusPending),
	})

	go t.execute(ctx, cancel, sapi, api, arg, p)
	return p
}

func (t *Thunk[A, R]) execute(ctx context.Context, cancel context.CancelCauseFunc, sapi store.API, api *API[R], arg A, p *Promise[R]) {
	defer cancel(nil)

	value, err := t.call(ctx, arg, api)
	var zero R

	if v, ok := api.selfFulfilled(); ok {
		if err != nil {
			reporterOf(sapi).Report(diag.Warn, "async thunk failed after fulfilling itself", err,
				zap.String("type", t.typ), zap.String("request_id", api.requestID))
		}
		p.settle(v, nil)
		return
	}

	if ctx.Err() != nil {
		abort := &AbortError{Cause: context.Cause(ctx)}
		meta := api.meta(StatusRejected)
		meta.Aborted = true
		meta.Error = abort.Error()
		meta.Err = abort
		t.dispatch(sapi, store.Action{Type: t.Rejected.Type(), Meta: meta})
		p.settle(zero, abort)
		return
	}

	var rejected *RejectedError
	switch {
	case err == nil:
		t.dispatch(sapi, store.Action{
			Type:    t.Fulfilled.Type(),
			Payload: value,
			Meta:    api.meta(StatusFulfilled),
		})
		p.settle(value, nil)
	case errors.As(err, &rejected):
		meta := api.meta(StatusRejected)
		meta.RejectedWithValue = true
		meta.Error = rejected.Error()
		meta.Err = rejected
		t.dispatch(sapi, store.Action{Type: t.Rejected.Type(), Payload: rejected.Value, Meta: meta})
		p.settle(zero, rejected)
	default:
		if !t.opts.SuppressErrorLog {
			reporterOf(sapi).Report(diag.Error, "async thunk failed", err,
				zap.String("type", t.typ), zap.String("request_id", api.requestID))
		}
		meta := api.meta(StatusRejected)
		meta.Error = err.Error()
		meta.Err = err
		t.dispatch(sapi, store.Action{Type: t.Rejected.Type(), Meta: meta})
		p.settle(zero, err)
	}
}

func (t *Thunk[A, R]) call(ctx context.Context, arg A, api *API[R]) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if t.run == nil {
		return value, fmt.Errorf("%s: no runner", t.typ)
	}
	return t.run(ctx, arg, api)
}

// dispatch sends a lifecycle action. Reducer failures are the store's
// concern; they are reported and do not change the outcome of the run.
func (t *Thunk[A, R]) dispatch(sapi store.API, a store.Action) {
	if _, err := sapi.Dispatch(a); err != nil {
		reporterOf(sapi).Report(diag.Warn, "lifecycle dispatch failed", err, zap.String("type", a.Type))
	}
}

func reporterOf(d any) diag.Reporter {
	if r, ok := d.(interface{ Reporter() diag.Reporter }); ok && r.Reporter() != nil {
		return r.Reporter()
	}
	return diag.Nop()
}

// API is handed to a Runner.
type API[R any] struct {
	store     store.API
	ctx       context.Context
	thunk     string
	requestID string
	startedAt time.Time
	arg       any
	extra     any
	progress  string
	fulfilled string

	mu      sync.Mutex
	settled bool
	value   R
}

// State returns the store's current state.
func (a *API[R]) State() store.State {
	return a.store.State()
}

// Dispatch forwards d to the store.
func (a *API[R]) Dispatch(d store.Dispatchable) (any, error) {
	return a.store.Dispatch(d)
}

// Context is the run's cancellation scope.
func (a *API[R]) Context() context.Context {
	return a.ctx
}

// RequestID identifies this run.
func (a *API[R]) RequestID() string {
	return a.requestID
}

// SetProgress dispatches a progress action carrying v. It is a no-op once
// the run has fulfilled itself.
func (a *API[R]) SetProgress(v any) error {
	a.mu.Lock()
	settled := a.settled
	a.mu.Unlock()
	if settled {
		return nil
	}
	_, err := a.store.Dispatch(store.Action{Type: a.progress, Payload: v, Meta: a.meta(StatusProgress)})
	return err
}

// FulfillWithValue dispatches the fulfilled action now. The runtime then
// skips its own terminal dispatch and the promise resolves with v.
func (a *API[R]) FulfillWithValue(v R) error {
	a.mu.Lock()
	if a.settled {
		a.mu.Unlock()
		return fmt.Errorf("%s: already fulfilled", a.thunk)
	}
	a.settled = true
	a.value = v
	a.mu.Unlock()
	_, err := a.store.Dispatch(store.Action{Type: a.fulfilled, Payload: v, Meta: a.meta(StatusFulfilled)})
	return err
}

// RejectWithValue builds the error a runner returns to reject with a
// payload. The rejected action carries data and RejectedWithValue is set.
func (a *API[R]) RejectWithValue(data any) error {
	return &RejectedError{Value: data}
}

func (a *API[R]) selfFulfilled() (R, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value, a.settled
}

func (a *API[R]) meta(status Status) Meta {
	return Meta{
		RequestID:     a.requestID,
		Arg:           a.arg,
		RequestStatus: status,
		StartedAt:     a.startedAt,
		Timestamp:     time.Now(),
		Extra:         a.extra,
	}
}

// IsPending reports whether a is a pending action of any async thunk.
func IsPending(a store.Action) bool {
	return hasStatus(a, StatusPending)
}

// IsFulfilled reports whether a is a fulfilled action of any async thunk.
func IsFulfilled(a store.Action) bool {
	return hasStatus(a, StatusFulfilled)
}

// IsRejected reports whether a is a rejected action of any async thunk.
func IsRejected(a store.Action) bool {
	return hasStatus(a, StatusRejected)
}

// IsProgress reports whether a is a progress action of any async thunk.
func IsProgress(a store.Action) bool {
	return hasStatus(a, StatusProgress)
}

func hasStatus(a store.Action, s Status) bool {
	m, ok := MetaOf(a)
	return ok && m.RequestStatus == s && strings.HasSuffix(a.Type, "/"+string(s))
}
