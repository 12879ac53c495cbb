// Package ui provides keel's terminal dashboard.
//
// # Architecture Overview
//
// The UI is a Bubble Tea program that renders one row per watched endpoint
// and a detail pane for the selected one. It never polls: Init attaches a
// selector.Use subscription to the store, and every published state whose
// derived View changed is forwarded to the program as a message. Only the
// latest View is kept, so a burst of store transitions costs one redraw.
// Run detaches the subscription when the program exits.
//
// # State
//
// Two kinds of state are shown:
//
//   - Endpoint cache entries (status, error, progress, payload), read
//     through each watch's api.Query.Select selector
//   - The ui slice (selected watch, theme, last refresh), which the host
//     persists between runs
//
// Key handlers change the ui slice only by dispatching its actions, and
// refresh data only through the endpoint cache.
//
// # Key Bindings
//
//   - j/k or arrows: Move the selection
//   - r: Invalidate the selected watch's tags (or refetch it when it has none)
//   - T: Cycle theme
//   - h or ?: Toggle help
//   - q or Ctrl+C: Quit
package ui
