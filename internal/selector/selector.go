// Package selector observes derived values of a store and calls back only
// when they change.
package selector

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"github.com/five82/keel/internal/diag"
	"github.com/five82/keel/internal/store"
)

// Source is the part of a store a selector needs. *store.Store satisfies it.
type Source interface {
	State() store.State
	Subscribe(fn func(store.State)) func()
}

// Comparer reports whether two selected values are equal.
type Comparer[T any] func(a, b T) bool

// equalOptions let cmp read unexported fields and compare errors with
// errors.Is, so cache results and view models compare without panicking.
var equalOptions = []cmp.Option{
	cmpopts.EquateErrors(),
	cmp.Exporter(func(reflect.Type) bool { return true }),
}

// Equal compares structurally with go-cmp. A value cmp still cannot
// handle falls back to reflect.DeepEqual.
func Equal[T any](a, b T) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = reflect.DeepEqual(a, b)
		}
	}()
	return cmp.Equal(a, b, equalOptions...)
}

// Same compares with ==, so a new pointer or a new map always counts as a
// change.
func Same[T comparable](a, b T) bool {
	return a == b
}

// SequenceEqual treats two slices with equal elements as equal, however
// they were allocated.
func SequenceEqual[E comparable](a, b []E) bool {
	return slices.Equal(a, b)
}

// SequenceEqualFunc is SequenceEqual with a custom element comparer.
func SequenceEqualFunc[E any](eq func(a, b E) bool) Comparer[[]E] {
	return func(a, b []E) bool {
		return slices.EqualFunc(a, b, eq)
	}
}

type config[T any] struct {
	equal     Comparer[T]
	immediate bool
	wait      bool
	initial   T
	reporter  diag.Reporter
	label     string
}

// Option configures Use.
type Option[T any] func(*config[T])

// WithComparer replaces the default Equal comparer.
func WithComparer[T any](c Comparer[T]) Option[T] {
	return func(cfg *config[T]) {
		if c != nil {
			cfg.equal = c
		}
	}
}

// SelectImmediately controls whether the callback runs once at
// subscription time with the current value. It defaults to true.
func SelectImmediately[T any](on bool) Option[T] {
	return func(cfg *config[T]) { cfg.immediate = on }
}

// WaitForValue suppresses callbacks until the selector first returns
// something other than initial.
func WaitForValue[T any](initial T) Option[T] {
	return func(cfg *config[T]) {
		cfg.wait = true
		cfg.initial = initial
	}
}

// WithReporter sets where selector panics are reported. By default the
// source's own reporter is used when it has one.
func WithReporter[T any](r diag.Reporter) Option[T] {
	return func(cfg *config[T]) {
		if r != nil {
			cfg.reporter = r
		}
	}
}

// WithLabel names the selector in diagnostics.
func WithLabel[T any](label string) Option[T] {
	return func(cfg *config[T]) { cfg.label = label }
}

type watcher[T any] struct {
	cfg config[T]
	sel func(store.State) T
	cb  func(T)

	mu      sync.Mutex
	seen    bool
	version uint64
	ready   bool
	last    T
	closed  bool
}

// Use evaluates sel on every published state and calls cb when the result
// differs from the previous one. The returned function unsubscribes; it is
// idempotent and safe to call after the source has been closed.
//
// cb never runs while the watcher holds its lock, so it may dispatch or
// unsubscribe.
func Use[T any](src Source, sel func(store.State) T, cb func(T), opts ...Option[T]) func() {
	cfg := config[T]{
		equal:     Equal[T],
		immediate: true,
		reporter:  reporterOf(src),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.label == "" {
		cfg.label = fmt.Sprintf("%T", sel)
	}
	w := &watcher[T]{cfg: cfg, sel: sel, cb: cb, last: cfg.initial}

	unsub := src.Subscribe(w.observe)
	w.prime(src.State())

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()
			unsub()
		})
	}
}

// prime runs the subscription-time evaluation. A notification that raced
// ahead of it has already set a newer version and wins.
func (w *watcher[T]) prime(st store.State) {
	w.mu.Lock()
	if w.closed || (w.seen && st.Version() <= w.version) {
		w.mu.Unlock()
		return
	}
	w.seen = true
	w.version = st.Version()
	v, ok := w.eval(st)
	fire := false
	switch {
	case !ok:
	case w.cfg.wait:
		if !w.cfg.equal(v, w.cfg.initial) {
			w.ready = true
			fire = w.cfg.immediate
		}
	default:
		w.ready = true
		fire = w.cfg.immediate
	}
	w.last = v
	w.mu.Unlock()

	if fire && w.cb != nil {
		w.cb(v)
	}
}

func (w *watcher[T]) observe(st store.State) {
	w.mu.Lock()
	if w.closed || (w.seen && st.Version() <= w.version) {
		w.mu.Unlock()
		return
	}
	w.seen = true
	w.version = st.Version()
	v, ok := w.eval(st)
	fire := false
	switch {
	case !ok:
	case w.cfg.wait && !w.ready:
		if !w.cfg.equal(v, w.cfg.initial) {
			w.ready = true
			fire = true
		}
	default:
		fire = !w.cfg.equal(w.last, v)
		w.ready = true
	}
	w.last = v
	w.mu.Unlock()

	if fire && w.cb != nil {
		w.cb(v)
	}
}

// eval runs the selector. On panic it reports and returns the initial
// value so the next equal failure does not fire again.
func (w *watcher[T]) eval(st store.State) (v T, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.cfg.reporter.Report(diag.Error, "selector panicked", fmt.Errorf("%v", r),
				zap.String("selector", w.cfg.label),
				zap.Uint64("version", st.Version()))
			v, ok = w.cfg.initial, false
		}
	}()
	return w.sel(st), true
}

func reporterOf(src any) diag.Reporter {
	if r, ok := src.(interface{ Reporter() diag.Reporter }); ok && r.Reporter() != nil {
		return r.Reporter()
	}
	return diag.Nop()
}
