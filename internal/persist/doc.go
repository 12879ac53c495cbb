// Package persist mirrors store slices to a TOML file.
//
// The store itself never touches disk. A Persister subscribes to it, encodes
// the named slices as top-level TOML tables and replaces the file atomically.
// On start-up Restore feeds each table back through Store.Hydrate, so the
// slice's Migrate function (usually Decode) turns the generic TOML value
// into the slice type.
//
// Failures while restoring degrade gracefully: the slice keeps its initial
// state and the problem goes to the reporter.
package persist
