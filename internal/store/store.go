package store

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/five82/keel/internal/diag"
)

// DispatchFunc is one link of the middleware chain.
type DispatchFunc func(d Dispatchable) (any, error)

// Middleware wraps the next link of the chain. api dispatches through the
// whole chain again.
type Middleware func(api API, next DispatchFunc) DispatchFunc

// Options configure a Store.
type Options struct {
	Reporter     diag.Reporter
	Middleware   []Middleware
	DisableThunk bool
}

// State is an immutable snapshot of every slice's value.
type State struct {
	version uint64
	slices  map[string]any
}

// Version increases by one with every reducer pass.
func (s State) Version() uint64 {
	return s.version
}

// Get returns the raw value of a slice.
func (s State) Get(name string) (any, bool) {
	v, ok := s.slices[name]
	return v, ok
}

// Names lists the registered slices in sorted order.
func (s State) Names() []string {
	names := make([]string, 0, len(s.slices))
	for name := range s.slices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type listener struct {
	fn      func(State)
	removed atomic.Bool
}

// Store owns the state tree. Reducer passes are serialized and published
// to listeners in the order they were applied.
type Store struct {
	reporter diag.Reporter

	mu         sync.Mutex
	state      State
	slices     []*sliceEntry
	byName     map[string]*sliceEntry
	middleware []Middleware
	chain      DispatchFunc
	listeners  []*listener
	closed     bool

	// A cycle is one reducer pass plus its delivery to every listener.
	// owner is the goroutine running it; actions it dispatches from a
	// listener wait in deferred until the cycle's delivery is complete.
	idle     *sync.Cond
	busy     bool
	owner    uint64
	deferred []Action
}

var _ API = (*Store)(nil)

// New builds a store. The thunk middleware is installed outermost unless
// DisableThunk is set.
func New(opts Options) *Store {
	s := &Store{
		reporter: opts.Reporter,
		state:    State{slices: map[string]any{}},
		byName:   make(map[string]*sliceEntry),
	}
	s.idle = sync.NewCond(&s.mu)
	if s.reporter == nil {
		s.reporter = diag.Nop()
	}
	if !opts.DisableThunk {
		s.middleware = append(s.middleware, ThunkMiddleware)
	}
	s.middleware = append(s.middleware, opts.Middleware...)
	s.rebuildChain()
	return s
}

// Reporter returns the diagnostics sink shared by components built on
// this store.
func (s *Store) Reporter() diag.Reporter {
	return s.reporter
}

// ApplyMiddleware appends to the chain. Call it during setup, not while
// dispatches are in flight.
func (s *Store) ApplyMiddleware(mw ...Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, mw...)
	s.rebuildChain()
}

func (s *Store) rebuildChain() {
	next := DispatchFunc(s.reduce)
	for i := len(s.middleware) - 1; i >= 0; i-- {
		next = s.middleware[i](s, next)
	}
	s.chain = next
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatch sends d through the middleware chain. For a plain action the
// reducer pass has been applied and delivered when Dispatch returns;
// reducer panics come back as joined *ReducerError values after the pass
// was published.
//
// A listener that dispatches gets its action queued instead: the pass runs
// once the current transition has reached every listener, and Dispatch
// returns nil at once. Failures of such a pass go to the Reporter.
// Listeners must not block on other goroutines that dispatch.
func (s *Store) Dispatch(d Dispatchable) (any, error) {
	if d == nil {
		return nil, fmt.Errorf("dispatch: nil value")
	}
	s.mu.Lock()
	chain, closed := s.chain, s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return chain(d)
}

// Subscribe registers fn for every published state. The returned function
// unsubscribes and may be called any number of times.
func (s *Store) Subscribe(fn func(State)) func() {
	l := &listener{fn: fn}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.removed.Store(true)
			s.mu.Lock()
			s.listeners = slices.DeleteFunc(s.listeners, func(x *listener) bool { return x == l })
			s.mu.Unlock()
		})
	}
}

// Hydrate replaces a slice's state with raw, running the slice's migrate
// function when raw is not already of the slice's type. The replacement
// is applied through a dispatched action.
func (s *Store) Hydrate(name string, raw any) error {
	s.mu.Lock()
	e := s.byName[name]
	s.mu.Unlock()
	if e == nil {
		return fmt.Errorf("hydrate: %w: %q", ErrUnknownSlice, name)
	}
	value, err := e.migrate(raw)
	if err != nil {
		return fmt.Errorf("hydrate %s: %w", name, err)
	}
	_, err = s.Dispatch(Action{Type: HydrateType, Payload: hydratePayload{name: name, value: value}})
	return err
}

// SliceSnapshot returns a deep copy of a slice's value in st, suitable for
// persistence or state history.
func (s *Store) SliceSnapshot(st State, name string) (any, bool) {
	s.mu.Lock()
	e := s.byName[name]
	s.mu.Unlock()
	if e == nil {
		return nil, false
	}
	v, ok := st.slices[name]
	if !ok {
		return nil, false
	}
	return e.snapshot(v), true
}

// Close drops every listener and rejects later dispatches.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, l := range s.listeners {
		l.removed.Store(true)
	}
	s.listeners = nil
	s.deferred = nil
	s.idle.Broadcast()
}

func (s *Store) register(e *sliceEntry, initial any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[e.name]; exists {
		return &DuplicateSliceError{Name: e.name}
	}
	s.byName[e.name] = e
	s.slices = append(s.slices, e)
	next := make(map[string]any, len(s.state.slices)+1)
	for k, v := range s.state.slices {
		next[k] = v
	}
	next[e.name] = initial
	s.state = State{version: s.state.version, slices: next}
	return nil
}

// reduce is the terminal link. It runs a cycle for a, then for every
// action a listener dispatched meanwhile.
func (s *Store) reduce(d Dispatchable) (any, error) {
	a, ok := d.(Action)
	if !ok {
		return nil, fmt.Errorf("%w: %T", errUnhandled, d)
	}
	if strings.TrimSpace(a.Type) == "" {
		return nil, fmt.Errorf("dispatch: action type is empty")
	}

	gid := goroutineID()
	s.mu.Lock()
	if s.busy && s.owner == gid {
		if !s.closed {
			s.deferred = append(s.deferred, a)
		}
		s.mu.Unlock()
		return a, nil
	}
	for s.busy && !s.closed {
		s.idle.Wait()
	}
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.busy, s.owner = true, gid
	s.mu.Unlock()

	err := s.cycle(a)
	for {
		s.mu.Lock()
		if len(s.deferred) == 0 || s.closed {
			s.deferred = nil
			s.busy, s.owner = false, 0
			s.idle.Broadcast()
			s.mu.Unlock()
			return a, err
		}
		next := s.deferred[0]
		s.deferred = s.deferred[1:]
		s.mu.Unlock()
		if derr := s.cycle(next); derr != nil {
			s.reporter.Report(diag.Error, "queued dispatch failed", derr, zap.String("action", next.Type))
		}
	}
}

// cycle applies a to every slice, publishes the result and delivers it.
func (s *Store) cycle(a Action) error {
	s.mu.Lock()
	prev := s.state
	entries := append([]*sliceEntry(nil), s.slices...)
	s.mu.Unlock()

	var next map[string]any
	var errs []error
	for _, e := range entries {
		val, handled, err := e.run(prev.slices[e.name], a)
		if err != nil {
			errs = append(errs, &ReducerError{Slice: e.name, Action: a.Type, Cause: err})
			continue
		}
		if !handled {
			continue
		}
		if next == nil {
			next = make(map[string]any, len(prev.slices))
			for k, v := range prev.slices {
				next[k] = v
			}
		}
		next[e.name] = val
	}

	published := State{version: prev.version + 1, slices: prev.slices}
	if next != nil {
		published.slices = next
	}
	s.mu.Lock()
	s.state = published
	ls := append([]*listener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range ls {
		s.notify(l, published)
	}
	return errors.Join(errs...)
}

func (s *Store) notify(l *listener, st State) {
	if l.removed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.reporter.Report(diag.Error, "store listener panicked", panicError(r), zap.Uint64("version", st.version))
		}
	}()
	l.fn(st)
}
