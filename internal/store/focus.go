package store

import "fmt"

// Lens addresses a sub-document T of a slice state S by key K.
type Lens[S any, K comparable, T any] struct {
	Get func(S, K) (T, bool)
	Set func(S, K, T) S
	// Init seeds a missing sub-document. When nil, actions addressed to a
	// missing key are ignored.
	Init func(K) T
}

// ContextKey extracts a key of type K from an action's Context. A nil or
// differently typed context yields false.
func ContextKey[K comparable](a Action) (K, bool) {
	k, ok := a.Context.(K)
	return k, ok
}

// Focus scopes the reducer built by sub to the sub-document that lens
// reaches with the key extracted from each action. Actions without a key
// are a no-op for this focus.
func Focus[S any, K comparable, T any](b *Builder[S], lens Lens[S, K, T], key func(Action) (K, bool), sub func(*Builder[T])) *Builder[S] {
	inner := &Builder[T]{}
	sub(inner)
	reduce, err := inner.Build()
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("focus: %w", err))
		return b
	}
	return b.AddMatcher(func(a Action) bool {
		_, ok := key(a)
		return ok
	}, func(s S, a Action) S {
		k, _ := key(a)
		cur, found := lens.Get(s, k)
		if !found {
			if lens.Init == nil {
				return s
			}
			cur = lens.Init(k)
		}
		next, handled := reduce(cur, a)
		if !handled {
			return s
		}
		return lens.Set(s, k, next)
	})
}

// FocusMap is Focus for slices shaped as map[K]T. Updates copy the map so
// previously published states are never touched.
func FocusMap[K comparable, T any](b *Builder[map[K]T], init func(K) T, key func(Action) (K, bool), sub func(*Builder[T])) *Builder[map[K]T] {
	lens := Lens[map[K]T, K, T]{
		Get: func(m map[K]T, k K) (T, bool) {
			v, ok := m[k]
			return v, ok
		},
		Set: func(m map[K]T, k K, v T) map[K]T {
			next := make(map[K]T, len(m)+1)
			for mk, mv := range m {
				next[mk] = mv
			}
			next[k] = v
			return next
		},
		Init: init,
	}
	return Focus(b, lens, key, sub)
}
