package api

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/five82/keel/internal/asyncthunk"
	"github.com/five82/keel/internal/diag"
	"github.com/five82/keel/internal/store"
)

const (
	defaultReducerPath       = "api"
	defaultKeepUnusedDataFor = 60 * time.Second
)

var (
	// ErrDuplicateEndpoint is returned when an endpoint name is defined twice
	// on one Api.
	ErrDuplicateEndpoint = errors.New("endpoint already defined")
	// ErrUnknownEntry is returned when a cache key has no entry, usually
	// because it was evicted.
	ErrUnknownEntry = errors.New("no cache entry")
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler arms eviction timers. The default uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type timeScheduler struct{}

func (timeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configure an Api.
type Options struct {
	// ReducerPath names the cache slice and prefixes every action type.
	ReducerPath string
	// KeepUnusedDataFor is how long an entry without subscribers survives.
	KeepUnusedDataFor time.Duration
	Scheduler         Scheduler
}

// Api is an endpoint cache bound to one store.
type Api struct {
	store *store.Store
	path  string
	keep  time.Duration
	sched Scheduler
	slice *store.Slice[map[string]Entry]

	entryCreated store.Creator[seed]
	subscribed   store.Creator[struct{}]
	unsubscribed store.Creator[struct{}]
	removed      store.Creator[removal]
	reset        store.Creator[struct{}]
	invalidated  store.Creator[[]Tag]

	ctx    context.Context
	cancel context.CancelCauseFunc

	epMu      sync.RWMutex
	endpoints map[string]*endpointInfo

	mu      sync.Mutex
	records map[string]*record
	closed  bool
}

type seed struct {
	Key      string
	Endpoint string
	Kind     Kind
	Arg      any
	Tags     []Tag
}

type removal struct {
	Key        string
	OnlyUnused bool
	// revived is set when an Invoke adopts the record before this removal
	// is applied; the entry then stays.
	revived *atomic.Bool
}

// entryKey addresses an entry through Action.Context.
type entryKey string

// cacheRef rides in asyncthunk Meta.Extra so the cache reducer can find
// the entry a lifecycle action belongs to.
type cacheRef struct {
	Path     string
	Key      string
	Endpoint string
}

type endpointInfo struct {
	name        string
	kind        Kind
	tags        []Tag
	provides    func(result any, err error, arg any) []Tag
	invalidates func(result any, arg any) []Tag
}

// record is the Go-side bookkeeping of an entry: what starts it, what is
// running and when it expires.
type record struct {
	endpoint string
	keep     time.Duration
	start    func(*flight)
	flight   *flight
	refetch  bool
	timer    Timer
	gen      uint64
	// pins holds the record against removal while a Subscribe lands.
	pins int
	// removing is non-nil while the entry's removal is being dispatched.
	removing *atomic.Bool
}

// New registers the cache slice on st and installs the invalidation
// middleware.
func New(st *store.Store, opts Options) (*Api, error) {
	if st == nil {
		return nil, fmt.Errorf("api: store is nil")
	}
	path := strings.TrimSpace(opts.ReducerPath)
	if path == "" {
		path = defaultReducerPath
	}
	keep := opts.KeepUnusedDataFor
	if keep <= 0 {
		keep = defaultKeepUnusedDataFor
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = timeScheduler{}
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	a := &Api{
		store:        st,
		path:         path,
		keep:         keep,
		sched:        sched,
		entryCreated: store.NewCreator[seed](path + "/entryCreated"),
		subscribed:   store.NewCreator[struct{}](path + "/subscribed"),
		unsubscribed: store.NewCreator[struct{}](path + "/unsubscribed"),
		removed:      store.NewCreator[removal](path + "/removed"),
		reset:        store.NewCreator[struct{}](path + "/resetApiState"),
		invalidated:  store.NewCreator[[]Tag](path + "/invalidateTags"),
		ctx:          ctx,
		cancel:       cancel,
		endpoints:    make(map[string]*endpointInfo),
		records:      make(map[string]*record),
	}

	slice, err := store.CreateSlice(st, store.SliceConfig[map[string]Entry]{
		Name:     path,
		Initial:  map[string]Entry{},
		Reducers: a.reducers,
		Clone:    cloneEntries,
	})
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("api %s: %w", path, err)
	}
	a.slice = slice
	st.ApplyMiddleware(a.middleware)
	return a, nil
}

func cloneEntries(m map[string]Entry) map[string]Entry {
	if m == nil {
		return map[string]Entry{}
	}
	return maps.Clone(m)
}

// Path returns the reducer path.
func (a *Api) Path() string {
	return a.path
}

// Entries returns every cache entry in st.
func (a *Api) Entries(st store.State) map[string]Entry {
	return a.slice.Get(st)
}

// Entry returns the entry for key in st.
func (a *Api) Entry(st store.State, key string) (Entry, bool) {
	e, ok := a.slice.Get(st)[key]
	return e, ok
}

// InvalidateTags dispatches an invalidation. Subscribed entries providing
// any of tags refetch; unsubscribed ones are dropped.
func (a *Api) InvalidateTags(tags ...Tag) error {
	if len(tags) == 0 {
		return nil
	}
	_, err := a.store.Dispatch(a.invalidated.With(slices.Clone(tags)))
	return err
}

// Refetch restarts the entry for key. A fetch already in flight is reused.
func (a *Api) Refetch(key string) error {
	_, err := a.acquire(key)
	return err
}

// ResetState empties the cache. Flights still running finish, but their
// results are discarded.
func (a *Api) ResetState() error {
	a.mu.Lock()
	for _, rec := range a.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}
	a.records = make(map[string]*record)
	a.mu.Unlock()
	_, err := a.store.Dispatch(a.reset.New())
	return err
}

// Close aborts every flight and stops the eviction timers. Cached entries
// stay in the store.
func (a *Api) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for _, rec := range a.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}
	a.records = make(map[string]*record)
	a.mu.Unlock()
	a.cancel(store.ErrClosed)
}

func (a *Api) reducers(b *store.Builder[map[string]Entry]) {
	store.Handle(b, a.entryCreated, func(m map[string]Entry, s seed) map[string]Entry {
		if _, ok := m[s.Key]; ok {
			return m
		}
		m[s.Key] = Entry{
			Key:      s.Key,
			Endpoint: s.Endpoint,
			Kind:     s.Kind,
			Arg:      s.Arg,
			Status:   StatusUninitialized,
			Tags:     s.Tags,
		}
		return m
	})
	store.Handle(b, a.removed, func(m map[string]Entry, r removal) map[string]Entry {
		if r.revived != nil && r.revived.Load() {
			return m
		}
		e, ok := m[r.Key]
		if ok && (!r.OnlyUnused || e.SubscriberCount == 0) {
			delete(m, r.Key)
		}
		return m
	})
	store.Handle(b, a.reset, func(map[string]Entry, struct{}) map[string]Entry {
		return map[string]Entry{}
	})

	store.FocusMap(b, nil, a.keyOf, func(sub *store.Builder[Entry]) {
		store.Handle(sub, a.subscribed, func(e Entry, _ struct{}) Entry {
			e.SubscriberCount++
			return e
		})
		store.Handle(sub, a.unsubscribed, func(e Entry, _ struct{}) Entry {
			if e.SubscriberCount > 0 {
				e.SubscriberCount--
			}
			return e
		})
		sub.AddMatcher(asyncthunk.IsPending, func(e Entry, act store.Action) Entry {
			m, _ := asyncthunk.MetaOf(act)
			e.Status = StatusPending
			e.RequestID = m.RequestID
			e.StartedAt = m.StartedAt
			return e
		})
		sub.AddMatcher(asyncthunk.IsProgress, func(e Entry, act store.Action) Entry {
			if m, _ := asyncthunk.MetaOf(act); m.RequestID == e.RequestID {
				e.Progress = act.Payload
			}
			return e
		})
		sub.AddMatcher(asyncthunk.IsFulfilled, func(e Entry, act store.Action) Entry {
			m, _ := asyncthunk.MetaOf(act)
			if m.RequestID != e.RequestID {
				return e
			}
			e.Status = StatusFulfilled
			e.Data = act.Payload
			e.HasData = true
			e.Err = nil
			e.Error = ""
			e.FulfilledAt = m.Timestamp
			e.Tags = a.tagsFor(e.Endpoint, act.Payload, nil, m.Arg)
			return e
		})
		sub.AddMatcher(asyncthunk.IsRejected, func(e Entry, act store.Action) Entry {
			m, _ := asyncthunk.MetaOf(act)
			if m.RequestID != e.RequestID {
				return e
			}
			e.Status = StatusRejected
			e.Err = m.Err
			e.Error = m.Error
			e.Tags = a.tagsFor(e.Endpoint, nil, m.Err, m.Arg)
			return e
		})
	})
}

// keyOf finds the entry an action addresses: the Context of the cache's
// own actions or the cacheRef of a lifecycle action.
func (a *Api) keyOf(act store.Action) (string, bool) {
	if k, ok := act.Context.(entryKey); ok && strings.HasPrefix(act.Type, a.path+"/") {
		return string(k), true
	}
	m, ok := asyncthunk.MetaOf(act)
	if !ok {
		return "", false
	}
	ref, ok := m.Extra.(cacheRef)
	if !ok || ref.Path != a.path {
		return "", false
	}
	return ref.Key, true
}

func (a *Api) endpoint(name string) *endpointInfo {
	a.epMu.RLock()
	defer a.epMu.RUnlock()
	return a.endpoints[name]
}

func (a *Api) tagsFor(endpoint string, result any, err error, arg any) []Tag {
	ep := a.endpoint(endpoint)
	if ep == nil {
		return nil
	}
	if ep.provides == nil {
		return ep.tags
	}
	return mergeTags(ep.tags, ep.provides(result, err, arg))
}

func (a *Api) define(info *endpointInfo) error {
	a.epMu.Lock()
	defer a.epMu.Unlock()
	if _, exists := a.endpoints[info.name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, info.name)
	}
	a.endpoints[info.name] = info
	return nil
}

func (a *Api) middleware(_ store.API, next store.DispatchFunc) store.DispatchFunc {
	return func(d store.Dispatchable) (any, error) {
		res, err := next(d)
		if act, ok := d.(store.Action); ok {
			if tags := a.invalidatedBy(act); len(tags) > 0 {
				a.invalidate(tags)
			}
		}
		return res, err
	}
}

func (a *Api) invalidatedBy(act store.Action) []Tag {
	if tags, ok := a.invalidated.Payload(act); ok {
		return tags
	}
	if !asyncthunk.IsFulfilled(act) {
		return nil
	}
	m, _ := asyncthunk.MetaOf(act)
	ref, ok := m.Extra.(cacheRef)
	if !ok || ref.Path != a.path {
		return nil
	}
	ep := a.endpoint(ref.Endpoint)
	if ep == nil || ep.invalidates == nil {
		return nil
	}
	return ep.invalidates(act.Payload, m.Arg)
}

func (a *Api) invalidate(tags []Tag) {
	var drop, refetch []string
	for key, e := range a.slice.Get(a.store.State()) {
		if !e.providesAny(tags) {
			continue
		}
		if e.SubscriberCount > 0 {
			refetch = append(refetch, key)
		} else {
			drop = append(drop, key)
		}
	}
	slices.Sort(drop)
	slices.Sort(refetch)

	for _, key := range drop {
		a.drop(key)
	}
	for _, key := range refetch {
		a.mu.Lock()
		rec := a.records[key]
		if rec == nil {
			a.mu.Unlock()
			continue
		}
		if rec.flight != nil {
			rec.refetch = true
			a.mu.Unlock()
			continue
		}
		a.mu.Unlock()
		if _, err := a.acquire(key); err != nil {
			a.report(diag.Warn, "refetch after invalidation failed", err, key)
		}
	}
}

// ensure creates the record and the store entry for key if missing. A
// record whose removal is still being dispatched is revived: the removal
// leaves the entry alone, and the entry is recreated in case it already
// went. With pin set the record is also held against eviction and
// invalidation drops until subscribe releases it.
func (a *Api) ensure(s seed, keep time.Duration, start func(*flight), pin bool) (*record, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, store.ErrClosed
	}
	rec := a.records[s.Key]
	revived := false
	switch {
	case rec == nil:
		if keep <= 0 {
			keep = a.keep
		}
		rec = &record{endpoint: s.Endpoint, keep: keep, start: start}
		a.records[s.Key] = rec
	case rec.removing != nil:
		rec.removing.Store(true)
		rec.removing = nil
		revived = true
	}
	if pin {
		rec.pins++
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
		rec.gen++
	}
	a.mu.Unlock()

	if !revived {
		if _, ok := a.Entry(a.store.State(), s.Key); ok {
			return rec, nil
		}
	}
	if _, err := a.store.Dispatch(a.entryCreated.With(s)); err != nil {
		if pin {
			a.unpin(rec)
		}
		return nil, err
	}
	return rec, nil
}

func (a *Api) unpin(rec *record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec.pins > 0 {
		rec.pins--
	}
}

func (a *Api) inflight(key string) *flight {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec := a.records[key]; rec != nil {
		return rec.flight
	}
	return nil
}

// acquire returns the flight running for key, starting one if none is.
func (a *Api) acquire(key string) (*flight, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, store.ErrClosed
	}
	rec := a.records[key]
	if rec == nil || rec.removing != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, key)
	}
	if rec.flight != nil {
		f := rec.flight
		a.mu.Unlock()
		return f, nil
	}
	f := newFlight()
	rec.flight = f
	start := rec.start
	a.mu.Unlock()

	start(f)
	return f, nil
}

// settle runs when a flight's promise has settled. Waiters are released
// last, once eviction or a pending refetch has been arranged.
func (a *Api) settle(key string, f *flight, value any, err error) {
	a.mu.Lock()
	rec := a.records[key]
	current := rec != nil && rec.flight == f
	refetch := false
	if current {
		rec.flight = nil
		refetch, rec.refetch = rec.refetch, false
	}
	a.mu.Unlock()

	defer f.finish(value, err)
	if !current {
		return
	}
	e, ok := a.Entry(a.store.State(), key)
	if !ok {
		return
	}
	switch {
	case refetch && e.SubscriberCount > 0:
		if _, err := a.acquire(key); err != nil {
			a.report(diag.Warn, "refetch after invalidation failed", err, key)
		}
	case e.SubscriberCount == 0:
		a.schedule(key)
	}
}

// subscribe counts one subscriber of key and releases the pin ensure took
// on rec.
func (a *Api) subscribe(key string, rec *record) {
	a.dispatch(a.subscribed.WithContext(struct{}{}, entryKey(key)))
	a.unpin(rec)
}

func (a *Api) unsubscribe(key string) {
	a.dispatch(a.unsubscribed.WithContext(struct{}{}, entryKey(key)))
	if e, ok := a.Entry(a.store.State(), key); ok && e.SubscriberCount == 0 {
		a.schedule(key)
	}
}

// schedule arms the eviction timer of key, replacing any earlier one.
func (a *Api) schedule(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := a.records[key]
	if rec == nil || a.closed {
		return
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	rec.gen++
	gen := rec.gen
	rec.timer = a.sched.AfterFunc(rec.keep, func() { a.evict(key, gen) })
}

func (a *Api) evict(key string, gen uint64) {
	a.mu.Lock()
	rec := a.records[key]
	if rec == nil || rec.gen != gen || rec.removing != nil || rec.pins > 0 {
		a.mu.Unlock()
		return
	}
	rec.timer = nil
	if e, ok := a.Entry(a.store.State(), key); ok && e.SubscriberCount > 0 {
		a.mu.Unlock()
		return
	}
	token := new(atomic.Bool)
	rec.removing = token
	a.mu.Unlock()
	a.remove(key, rec, token)
}

// drop removes an unused entry hit by an invalidation. A record pinned by
// a Subscribe that is landing refetches instead.
func (a *Api) drop(key string) {
	a.mu.Lock()
	rec := a.records[key]
	if rec != nil && rec.pins > 0 {
		a.mu.Unlock()
		if _, err := a.acquire(key); err != nil {
			a.report(diag.Warn, "refetch after invalidation failed", err, key)
		}
		return
	}
	if rec != nil && rec.removing != nil {
		a.mu.Unlock()
		return
	}
	var token *atomic.Bool
	if rec != nil {
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
		rec.gen++
		token = new(atomic.Bool)
		rec.removing = token
	}
	a.mu.Unlock()
	a.remove(key, rec, token)
}

// remove dispatches the removal of key's entry, then drops rec unless an
// ensure revived it or a subscriber kept the entry. A flight still running
// on a dropped record finishes for its waiters only.
func (a *Api) remove(key string, rec *record, token *atomic.Bool) {
	a.dispatch(a.removed.With(removal{Key: key, OnlyUnused: true, revived: token}))
	if rec == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if token.Load() || a.records[key] != rec {
		return
	}
	rec.removing = nil
	if _, kept := a.Entry(a.store.State(), key); !kept {
		delete(a.records, key)
	}
}

func (a *Api) dispatch(act store.Action) {
	if _, err := a.store.Dispatch(act); err != nil && !errors.Is(err, store.ErrClosed) {
		a.report(diag.Warn, "cache dispatch failed", err, act.Type)
	}
}

func (a *Api) report(sev diag.Severity, msg string, err error, key string) {
	a.store.Reporter().Report(sev, msg, err, zap.String("api", a.path), zap.String("key", key))
}
