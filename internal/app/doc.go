// Package app is the composition root of keel.
//
// Run loads configuration, opens the log file and builds the runtime: one
// store carrying the UI slice and the endpoint cache, with a query per
// configured watch backed by the HTTP client in package fetch.
//
// Startup order:
//
//  1. Restore persisted slices from the state file
//  2. Prefetch every watch and hold a subscription to it
//  3. Start the persister and one poller per watch
//  4. Hand the store to the UI and block until it exits
//
// Poll failures are logged and retried with exponential backoff capped at
// thirty seconds. Failed prefetches are not fatal; the UI shows the error
// until a later poll succeeds.
package app
