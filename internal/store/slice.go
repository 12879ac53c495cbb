package store

import (
	"fmt"
	"strings"
)

// HydrateType is the action type used by Store.Hydrate. Slices replace
// their state with the payload addressed to them and ignore the rest.
const HydrateType = "@@keel/hydrate"

type hydratePayload struct {
	name  string
	value any
}

// SliceConfig describes a slice registration.
type SliceConfig[S any] struct {
	Name    string
	Initial S
	// Reducers registers the slice's own cases.
	Reducers func(b *Builder[S])
	// ExtraReducers registers handlers for foreign actions, such as a
	// global reset.
	ExtraReducers func(b *Builder[S])
	// Migrate converts a persisted value into S during Hydrate.
	Migrate func(raw any) (S, error)
	// Clone produces an independent copy of S for snapshots and for the
	// draft handed to reducers. It defaults to DeepClone; set it when a
	// cheaper copy is enough.
	Clone func(S) S
}

// Slice is the typed handle of a registered slice.
type Slice[S any] struct {
	name    string
	initial S
	clone   func(S) S
}

// Name returns the slice's key in the state tree.
func (sl *Slice[S]) Name() string {
	return sl.name
}

// Get returns the slice's value in st, or its initial value when absent.
func (sl *Slice[S]) Get(st State) S {
	if v, ok := st.slices[sl.name].(S); ok {
		return v
	}
	return sl.initial
}

// Snapshot returns an independent copy of the slice's value in st.
func (sl *Slice[S]) Snapshot(st State) S {
	return sl.clone(sl.Get(st))
}

// Select is a selector-friendly form of Slice.Get.
func Select[S any](st State, sl *Slice[S]) S {
	return sl.Get(st)
}

type sliceEntry struct {
	name     string
	reduce   func(cur any, a Action) (any, bool)
	migrate  func(raw any) (any, error)
	snapshot func(v any) any
}

func (e *sliceEntry) run(cur any, a Action) (val any, handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	val, handled = e.reduce(cur, a)
	return val, handled, nil
}

// CreateSlice registers a slice on st. It fails with a *DuplicateSliceError
// when the name is taken and with ErrDuplicateCase when two handlers were
// registered for one action type.
func CreateSlice[S any](st *Store, cfg SliceConfig[S]) (*Slice[S], error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("create slice: name is empty")
	}

	b := &Builder[S]{}
	if cfg.Reducers != nil {
		cfg.Reducers(b)
	}
	if cfg.ExtraReducers != nil {
		cfg.ExtraReducers(b)
	}
	reducer, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("create slice %s: %w", name, err)
	}

	clone := cfg.Clone
	if clone == nil {
		clone = DeepClone[S]
	}
	sl := &Slice[S]{name: name, initial: cfg.Initial, clone: clone}

	entry := &sliceEntry{
		name: name,
		reduce: func(cur any, a Action) (any, bool) {
			if a.Type == HydrateType {
				p, ok := a.Payload.(hydratePayload)
				if !ok || p.name != name {
					return cur, false
				}
				return p.value, true
			}
			s, _ := cur.(S)
			return reducer(clone(s), a)
		},
		migrate: func(raw any) (any, error) {
			if cfg.Migrate != nil {
				return cfg.Migrate(raw)
			}
			v, ok := raw.(S)
			if !ok {
				var zero S
				return nil, fmt.Errorf("cannot restore %T into %T without a migrate function", raw, zero)
			}
			return v, nil
		},
		snapshot: func(v any) any {
			s, _ := v.(S)
			return clone(s)
		},
	}
	if err := st.register(entry, cfg.Initial); err != nil {
		return nil, err
	}
	return sl, nil
}
