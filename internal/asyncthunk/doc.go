// Package asyncthunk runs asynchronous operations against a store and
// reports their lifecycle as actions.
//
// Every invocation dispatches pending, then optional progress actions, then
// exactly one of fulfilled or rejected. Each action carries a Meta with the
// invocation's request ID, so reducers can tell overlapping runs apart.
//
// Cancellation is a context: the caller's ctx and Promise.Cancel both feed
// the run's scope, and once it fires the run ends in a rejected action with
// Meta.Aborted set, even if the runner returns a value afterwards.
package asyncthunk
