package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/five82/keel/internal/asyncthunk"
	"github.com/five82/keel/internal/store"
)

// QueryOptions configure a query endpoint.
type QueryOptions[A, R any] struct {
	// SerializeKey derives the cache key. The default is the endpoint name
	// followed by the JSON encoding of the argument.
	SerializeKey func(endpoint string, arg A) (string, error)
	// OmitEndpointFromKey drops the endpoint name from the default key, so
	// endpoints sharing a runner also share entries.
	OmitEndpointFromKey bool
	// KeepUnusedDataFor overrides the Api default for this endpoint.
	KeepUnusedDataFor time.Duration
	// StartOnAwait defers the first fetch of a new entry until the
	// operation is awaited.
	StartOnAwait bool
	// Tags are provided by every entry of the endpoint.
	Tags []Tag
	// ProvidesTags adds tags computed from the outcome of a fetch.
	ProvidesTags func(result R, err error, arg A) []Tag
	// MaxAge makes a successful result stale after the given age. Zero
	// keeps it fresh until invalidated.
	MaxAge time.Duration
	// SuppressErrorLog keeps runner errors out of the reporter.
	SuppressErrorLog bool
}

// MutationOptions configure a mutation endpoint.
type MutationOptions[A, R any] struct {
	SerializeKey        func(endpoint string, arg A) (string, error)
	OmitEndpointFromKey bool
	KeepUnusedDataFor   time.Duration
	// InvalidatesTags are invalidated whenever the mutation succeeds.
	InvalidatesTags []Tag
	// InvalidatesTagsFor adds tags computed from the result.
	InvalidatesTagsFor func(result R, arg A) []Tag
	SuppressErrorLog   bool
}

// InvokeOption adjusts one invocation.
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	force bool
}

// ForceRefetch ignores a fresh cached result and fetches again. A fetch
// already in flight is still shared.
func ForceRefetch() InvokeOption {
	return func(o *invokeOptions) { o.force = true }
}

type endpoint[A, R any] struct {
	api          *Api
	name         string
	kind         Kind
	thunk        *asyncthunk.Thunk[A, R]
	serialize    func(string, A) (string, error)
	omit         bool
	keep         time.Duration
	startOnAwait bool
	maxAge       time.Duration
	tags         []Tag
}

// Query is a cached read endpoint.
type Query[A, R any] struct {
	endpoint[A, R]
}

// Mutation is a write endpoint. Its successes invalidate query tags.
type Mutation[A, R any] struct {
	endpoint[A, R]
}

// DefineQuery adds a query endpoint to a.
func DefineQuery[A, R any](a *Api, name string, run asyncthunk.Runner[A, R], opts QueryOptions[A, R]) (*Query[A, R], error) {
	info := &endpointInfo{name: name, kind: KindQuery, tags: opts.Tags}
	if opts.ProvidesTags != nil {
		provides := opts.ProvidesTags
		info.provides = func(result any, err error, arg any) []Tag {
			r, _ := result.(R)
			in, _ := arg.(A)
			return provides(r, err, in)
		}
	}
	if err := a.define(info); err != nil {
		return nil, err
	}
	q := &Query[A, R]{endpoint[A, R]{
		api:          a,
		name:         name,
		kind:         KindQuery,
		serialize:    opts.SerializeKey,
		omit:         opts.OmitEndpointFromKey,
		keep:         opts.KeepUnusedDataFor,
		startOnAwait: opts.StartOnAwait,
		maxAge:       opts.MaxAge,
		tags:         opts.Tags,
	}}
	q.thunk = asyncthunk.New(a.path+"/queries/"+name, run, asyncthunk.Options[A]{SuppressErrorLog: opts.SuppressErrorLog})
	return q, nil
}

// DefineMutation adds a mutation endpoint to a.
func DefineMutation[A, R any](a *Api, name string, run asyncthunk.Runner[A, R], opts MutationOptions[A, R]) (*Mutation[A, R], error) {
	info := &endpointInfo{name: name, kind: KindMutation}
	static := opts.InvalidatesTags
	dynamic := opts.InvalidatesTagsFor
	if len(static) > 0 || dynamic != nil {
		info.invalidates = func(result any, arg any) []Tag {
			if dynamic == nil {
				return static
			}
			r, _ := result.(R)
			in, _ := arg.(A)
			return mergeTags(static, dynamic(r, in))
		}
	}
	if err := a.define(info); err != nil {
		return nil, err
	}
	m := &Mutation[A, R]{endpoint[A, R]{
		api:       a,
		name:      name,
		kind:      KindMutation,
		serialize: opts.SerializeKey,
		omit:      opts.OmitEndpointFromKey,
		keep:      opts.KeepUnusedDataFor,
	}}
	m.thunk = asyncthunk.New(a.path+"/mutations/"+name, run, asyncthunk.Options[A]{SuppressErrorLog: opts.SuppressErrorLog})
	return m, nil
}

// Name returns the endpoint name.
func (e *endpoint[A, R]) Name() string {
	return e.name
}

// Thunk exposes the underlying async thunk, whose lifecycle creators can
// be matched in other slices.
func (e *endpoint[A, R]) Thunk() *asyncthunk.Thunk[A, R] {
	return e.thunk
}

// CacheKey derives the key an invocation with arg uses.
func (e *endpoint[A, R]) CacheKey(arg A) (string, error) {
	if e.serialize != nil {
		return e.serialize(e.name, arg)
	}
	raw, err := json.Marshal(arg)
	if err != nil {
		return "", fmt.Errorf("cache key for %s: %w", e.name, err)
	}
	if e.omit {
		return string(raw), nil
	}
	return e.name + "(" + string(raw) + ")", nil
}

// Invoke returns the operation for arg: the flight already running for its
// key, a fresh cached result, or a newly started fetch.
func (q *Query[A, R]) Invoke(ctx context.Context, arg A, opts ...InvokeOption) *Operation[R] {
	return q.invoke(ctx, arg, true, opts)
}

// Select returns a selector over the entry for arg, for use with
// selector.Use.
func (q *Query[A, R]) Select(arg A) func(store.State) Result[R] {
	key, err := q.CacheKey(arg)
	return func(st store.State) Result[R] {
		if err != nil {
			return Result[R]{Status: StatusUninitialized, IsUninitialized: true, Err: err, Error: err.Error()}
		}
		e, ok := q.api.Entry(st, key)
		return resultOf[R](key, e, ok)
	}
}

// Invoke starts the mutation unless an identical one is in flight.
func (m *Mutation[A, R]) Invoke(ctx context.Context, arg A) *Operation[R] {
	return m.invoke(ctx, arg, false, nil)
}

func (e *endpoint[A, R]) invoke(ctx context.Context, arg A, cacheable bool, opts []InvokeOption) *Operation[R] {
	var io invokeOptions
	for _, o := range opts {
		o(&io)
	}
	key, err := e.CacheKey(arg)
	if err != nil {
		return &Operation[R]{api: e.api, err: err}
	}
	s := seed{Key: key, Endpoint: e.name, Kind: e.kind, Arg: arg, Tags: e.tags}
	start := e.launcher(ctx, key, arg)
	op := &Operation[R]{
		api:  e.api,
		key:  key,
		lazy: e.startOnAwait,
		ensure: func(pin bool) (*record, error) {
			return e.api.ensure(s, e.keep, start, pin)
		},
	}
	if _, err := op.ensure(false); err != nil {
		op.err = err
		return op
	}

	if !io.force {
		if f := e.api.inflight(key); f != nil {
			op.flight = f
			return op
		}
		if cacheable {
			if en, ok := e.api.Entry(e.api.store.State(), key); ok && e.fresh(en) {
				op.hit = true
				op.value, _ = en.Data.(R)
				return op
			}
		}
	}

	if e.startOnAwait {
		op.deferred = true
		return op
	}
	op.flight, op.err = e.api.acquire(key)
	return op
}

func (e *endpoint[A, R]) fresh(en Entry) bool {
	if !en.IsSuccess() {
		return false
	}
	return e.maxAge <= 0 || time.Since(en.FulfilledAt) < e.maxAge
}

// launcher starts the thunk for one flight. The flight keeps the values of
// ctx but not its cancellation: it is shared by every caller of the key and
// ends with Operation.Cancel or Api.Close.
func (e *endpoint[A, R]) launcher(ctx context.Context, key string, arg A) func(*flight) {
	if ctx == nil {
		ctx = context.Background()
	}
	base := context.WithoutCancel(ctx)
	ref := cacheRef{Path: e.api.path, Key: key, Endpoint: e.name}
	return func(f *flight) {
		fctx, cancel := context.WithCancelCause(base)
		stop := context.AfterFunc(e.api.ctx, func() { cancel(context.Cause(e.api.ctx)) })

		p := e.thunk.Dispatch(fctx, e.api.store, arg, asyncthunk.WithExtra(ref))
		f.bind(p.Cancel)
		go func() {
			<-p.Done()
			stop()
			cancel(nil)
			v, err, _ := p.Settled()
			e.api.settle(key, f, v, err)
		}()
	}
}
