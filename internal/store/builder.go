package store

import (
	"errors"
	"fmt"
)

// Reducer computes the next slice state. handled is false when no case or
// matcher applied, in which case the store keeps the previous value.
type Reducer[S any] func(state S, a Action) (next S, handled bool)

type caseHandler[S any] struct {
	typ string
	fn  func(S, Action) S
}

type matcherHandler[S any] struct {
	pred func(Action) bool
	fn   func(S, Action) S
}

// Builder collects the case handlers and matchers of one slice.
type Builder[S any] struct {
	cases    []caseHandler[S]
	index    map[string]int
	matchers []matcherHandler[S]
	errs     []error
}

// AddCase registers fn for actions of m's type. A second registration for
// the same type is ignored and reported by Build.
func (b *Builder[S]) AddCase(m TypeMatcher, fn func(S, Action) S) *Builder[S] {
	if b.index == nil {
		b.index = make(map[string]int)
	}
	typ := m.Type()
	if _, exists := b.index[typ]; exists {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateCase, typ))
		return b
	}
	b.index[typ] = len(b.cases)
	b.cases = append(b.cases, caseHandler[S]{typ: typ, fn: fn})
	return b
}

// AddMatcher registers fn for every action satisfying pred. Matchers run
// after the case handler, in registration order, and several may fire for
// one action.
func (b *Builder[S]) AddMatcher(pred func(Action) bool, fn func(S, Action) S) *Builder[S] {
	b.matchers = append(b.matchers, matcherHandler[S]{pred: pred, fn: fn})
	return b
}

// Build returns the composed reducer, or an error when registration was
// inconsistent.
func (b *Builder[S]) Build() (Reducer[S], error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	cases := append([]caseHandler[S](nil), b.cases...)
	matchers := append([]matcherHandler[S](nil), b.matchers...)
	index := make(map[string]int, len(b.index))
	for k, v := range b.index {
		index[k] = v
	}
	return func(state S, a Action) (S, bool) {
		handled := false
		if i, ok := index[a.Type]; ok {
			state = cases[i].fn(state, a)
			handled = true
		}
		for _, m := range matchers {
			if m.pred(a) {
				state = m.fn(state, a)
				handled = true
			}
		}
		return state, handled
	}, nil
}

// Handle registers a typed handler for c's actions.
func Handle[S, P any](b *Builder[S], c Creator[P], fn func(S, P) S) *Builder[S] {
	return b.AddCase(c, func(s S, a Action) S {
		p, ok := c.Payload(a)
		if !ok {
			panic(fmt.Errorf("action %s: payload %T is not %T", a.Type, a.Payload, p))
		}
		return fn(s, p)
	})
}

// CaseBuilder is the two-step form of Handle: Case(b, c).With(fn).
type CaseBuilder[S, P any] struct {
	b *Builder[S]
	c Creator[P]
}

// Case starts a handler registration for c.
func Case[S, P any](b *Builder[S], c Creator[P]) CaseBuilder[S, P] {
	return CaseBuilder[S, P]{b: b, c: c}
}

// With completes the registration.
func (cb CaseBuilder[S, P]) With(fn func(S, P) S) *Builder[S] {
	return Handle(cb.b, cb.c, fn)
}
