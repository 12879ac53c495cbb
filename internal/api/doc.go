// Package api is a memoizing endpoint cache layered on the store and the
// async thunk runtime.
//
// # Overview
//
// An Api owns one slice of the store (its reducer path, "api" by default)
// holding an Entry per cache key. Endpoints are defined with DefineQuery
// and DefineMutation; invoking one returns an *Operation that can be
// awaited, subscribed to and refetched.
//
// # Cache Keys
//
// A key is the endpoint name plus the JSON encoding of the argument, so
// structurally equal arguments share an entry. OmitEndpointFromKey drops
// the name, letting an alias endpoint share entries with the one it wraps.
//
// # Lifetime
//
//	Invoke ──▶ entry created (uninitialized)
//	             │ fetch starts (or waits for Await with StartOnAwait)
//	             ▼
//	           pending ──▶ fulfilled | rejected
//	             ▲              │
//	             └── refetch ◀──┤ tags invalidated, subscribers > 0
//	                            │ subscribers == 0 for KeepUnusedDataFor
//	                            ▼
//	                         evicted
//
// Concurrent invocations of one key share a single flight. A failed
// refetch keeps the previous Data; read IsError and IsSuccess to tell
// stale data from fresh.
//
// # Ownership
//
// Entries change only through the cache's own actions. Subscriber counts
// are driven by Operation.Subscribe and Unsubscribe, which must be paired.
// Timers come from the Scheduler so tests can fire them by hand.
package api
