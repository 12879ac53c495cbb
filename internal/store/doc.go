// Package store provides the single-writer state container that every
// feature module builds on.
//
// # Overview
//
// A Store holds a state tree made of named slices. Slices are registered
// once with CreateSlice and are only ever changed by their reducers while
// an action is dispatched. Everything else (async thunks, the endpoint
// cache, selectors, persistence) observes or drives the store through
// Dispatch and Subscribe.
//
// # Architecture
//
//	Dispatch(d)
//	    │
//	    ▼
//	┌──────────────┐   ┌──────────────┐        ┌───────────────┐
//	│ thunk mw     │──▶│ host mw ...  │──...──▶│ reducer pass  │
//	└──────────────┘   └──────────────┘        └───────┬───────┘
//	  Thunk / AsyncThunk                               │ publish
//	  run here                                         ▼
//	                                           ┌───────────────┐
//	                                           │ listeners     │
//	                                           └───────────────┘
//
// # Core Types
//
// Action:
//   - {Type, Payload, Context, Meta}; Type is "slice/name"
//   - Creator[P] builds and matches actions with a typed payload
//
// Dispatchable:
//   - Closed set: Action, Thunk (sync, returns a value), AsyncThunk (awaited)
//   - The thunk middleware switches on the variant; nothing is inferred
//     from reflection
//
// Slice / Builder:
//   - Handle / Case(...).With for typed case handlers, AddCase for raw ones
//   - AddMatcher for predicates evaluated after the case handler
//   - Focus / FocusMap scope a sub-reducer to the document addressed by the
//     action's Context
//
// # Concurrency Model
//
// Reducer passes are serialized and atomic: the new State replaces the old
// one in a single step, so a listener never observes a half-applied
// action. A pass and its delivery to every listener form one cycle, and
// cycles never overlap:
//
//   - Two Dispatch calls made one after the other apply in call order.
//   - Every listener sees transition N before the reducer pass of N+1
//     begins. An action dispatched by a listener is queued and applied
//     when the current delivery is done; a dispatch from another
//     goroutine waits for it.
//
// Reducers must be pure. Reading Store.State is fine; an action they
// dispatch is queued like a listener's.
//
// # Failure Semantics
//
// A reducer that panics aborts that slice's update only. The other slices
// still apply, listeners are notified, and Dispatch returns the joined
// *ReducerError values. Reducers work on a draft copy (DeepClone unless
// SliceConfig.Clone is set), so in-place mutations made before the panic
// are dropped and earlier States are never touched.
//
// Listener panics are reported to the store's diag.Reporter and do not
// stop delivery to the remaining listeners.
//
// # Persistence Hooks
//
// The store never writes to disk. A persistence collaborator subscribes,
// reads SliceSnapshot on its own cadence and restores with Hydrate, which
// runs the slice's Migrate function before dispatching the replacement.
//
// # Lifetime
//
// Provider hands out one lazily built store per feature area and lets
// tests Dispose it and start over. Close drops listeners; unsubscribe
// functions stay safe to call afterwards.
package store
