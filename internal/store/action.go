package store

// Action describes a requested state change. Type is hierarchical
// ("slice/name"); async lifecycle actions append /pending, /fulfilled,
// /rejected or /progress.
type Action struct {
	Type    string
	Payload any
	Context any
	Meta    any
}

// Dispatchable is the closed set of values Dispatch accepts: Action, Thunk
// and AsyncThunk.
type Dispatchable interface {
	dispatchable()
}

func (Action) dispatchable() {}

// Thunk runs synchronously inside Dispatch. Its return value becomes the
// result of Dispatch.
type Thunk func(api API) any

func (Thunk) dispatchable() {}

// AsyncThunk is awaited: Dispatch returns only after the body, including any
// nested dispatches, has finished. Its error is returned from Dispatch.
type AsyncThunk func(api API) error

func (AsyncThunk) dispatchable() {}

// Dispatcher accepts dispatchable values.
type Dispatcher interface {
	Dispatch(d Dispatchable) (any, error)
}

// API is the view of the store handed to middleware and thunks.
type API interface {
	Dispatcher
	State() State
}

// TypeMatcher matches actions by type. Creators and async thunk lifecycle
// creators satisfy it.
type TypeMatcher interface {
	Type() string
	Match(a Action) bool
}

// Creator builds actions of one type with a typed payload.
type Creator[P any] struct {
	typ string
}

// NewCreator returns a creator for actions of the given type.
func NewCreator[P any](typ string) Creator[P] {
	return Creator[P]{typ: typ}
}

// Type returns the action type string.
func (c Creator[P]) Type() string {
	return c.typ
}

// With builds an action carrying payload.
func (c Creator[P]) With(payload P) Action {
	return Action{Type: c.typ, Payload: payload}
}

// WithContext builds an action carrying payload and an addressing context,
// used by focused reducers to pick a sub-document.
func (c Creator[P]) WithContext(payload P, ctx any) Action {
	return Action{Type: c.typ, Payload: payload, Context: ctx}
}

// New builds an action with the zero payload.
func (c Creator[P]) New() Action {
	var zero P
	return c.With(zero)
}

// Match reports whether a has this creator's type.
func (c Creator[P]) Match(a Action) bool {
	return a.Type == c.typ
}

// Payload extracts the typed payload of a matching action.
func (c Creator[P]) Payload(a Action) (P, bool) {
	var zero P
	if !c.Match(a) {
		return zero, false
	}
	if a.Payload == nil {
		return zero, true
	}
	p, ok := a.Payload.(P)
	return p, ok
}
