package ui

import (
	"time"

	"github.com/five82/keel/internal/persist"
	"github.com/five82/keel/internal/store"
)

// SliceName is the store key of the UI slice.
const SliceName = "ui"

// State is the persisted part of the UI.
type State struct {
	Selected    string    `toml:"selected"`
	Theme       string    `toml:"theme"`
	LastRefresh time.Time `toml:"last_refresh"`
}

var (
	selectWatch = store.NewCreator[string](SliceName + "/selectWatch")
	setTheme    = store.NewCreator[string](SliceName + "/setTheme")
	refreshed   = store.NewCreator[time.Time](SliceName + "/refreshed")
)

// SelectWatch returns the action that selects the named watch.
func SelectWatch(name string) store.Action {
	return selectWatch.With(name)
}

// NewSlice registers the UI slice on st. Restored values go through
// persist.Decode.
func NewSlice(st *store.Store) (*store.Slice[State], error) {
	return store.CreateSlice(st, store.SliceConfig[State]{
		Name:    SliceName,
		Initial: State{Theme: themeOrder[0]},
		Reducers: func(b *store.Builder[State]) {
			store.Handle(b, selectWatch, func(s State, name string) State {
				s.Selected = name
				return s
			})
			store.Handle(b, setTheme, func(s State, name string) State {
				s.Theme = name
				return s
			})
			store.Handle(b, refreshed, func(s State, at time.Time) State {
				s.LastRefresh = at
				return s
			})
		},
		Migrate: persist.Decode[State],
		Clone:   func(s State) State { return s },
	})
}
