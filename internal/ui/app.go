package ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/five82/keel/internal/api"
	"github.com/five82/keel/internal/diag"
	"github.com/five82/keel/internal/selector"
	"github.com/five82/keel/internal/store"
)

// Watch is one endpoint shown on the dashboard.
type Watch struct {
	Name string
	// Tags are invalidated by the refresh key. Without tags the entry is
	// refetched directly.
	Tags   []api.Tag
	Select func(store.State) api.Result[json.RawMessage]
}

// Options configures the UI.
type Options struct {
	Context  context.Context
	Store    *store.Store
	Cache    *api.Api
	Slice    *store.Slice[State]
	Watches  []Watch
	Reporter diag.Reporter
}

// Row is the view of one watch.
type Row struct {
	Name   string
	Result api.Result[json.RawMessage]
}

// View is everything the dashboard renders from the store.
type View struct {
	Rows []Row
	UI   State
}

type viewMsg View

// Model is the root application state for Bubble Tea.
type Model struct {
	ctx      context.Context
	store    *store.Store
	cache    *api.Api
	slice    *store.Slice[State]
	watches  []Watch
	reporter diag.Reporter
	sub      *subscription

	keys     keyMap
	spinner  spinner.Model
	theme    Theme
	styles   Styles
	width    int
	height   int
	showHelp bool
	lastErr  error

	data View
}

// New creates a new Bubble Tea model.
func New(opts Options) Model {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	reporter := opts.Reporter
	if reporter == nil && opts.Store != nil {
		reporter = opts.Store.Reporter()
	}
	if reporter == nil {
		reporter = diag.Nop()
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	theme := GetTheme("")
	return Model{
		ctx:      ctx,
		store:    opts.Store,
		cache:    opts.Cache,
		slice:    opts.Slice,
		watches:  opts.Watches,
		reporter: reporter,
		sub:      newSubscription(),
		keys:     DefaultKeyMap(),
		spinner:  sp,
		theme:    theme,
		styles:   theme.Styles(),
	}
}

// Init implements tea.Model. It attaches the store subscription; Detach
// releases it.
func (m Model) Init() tea.Cmd {
	if m.store != nil {
		m.sub.attach(m.store, m.selectView, m.reporter)
	}
	return tea.Batch(m.spinner.Tick, m.sub.wait)
}

// Detach drops the store subscription. It is safe to call more than once.
func (m Model) Detach() {
	m.sub.detach()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case viewMsg:
		m.data = View(msg)
		if m.data.UI.Theme != "" && m.data.UI.Theme != m.theme.Name {
			m.theme = GetTheme(m.data.UI.Theme)
			m.styles = m.theme.Styles()
		}
		return m, m.sub.wait

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showHelp {
		m.showHelp = false
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.showHelp = true
	case key.Matches(msg, m.keys.Down):
		m.lastErr = m.move(1)
	case key.Matches(msg, m.keys.Up):
		m.lastErr = m.move(-1)
	case key.Matches(msg, m.keys.Refresh):
		m.lastErr = m.refresh()
	case key.Matches(msg, m.keys.CycleTheme):
		m.lastErr = m.dispatch(setTheme.With(NextTheme(m.theme.Name)))
	}
	return m, nil
}

// selectedIndex falls back to the first row when the persisted selection
// names a watch that no longer exists.
func (m Model) selectedIndex() int {
	for i, r := range m.data.Rows {
		if r.Name == m.data.UI.Selected {
			return i
		}
	}
	return 0
}

func (m Model) move(delta int) error {
	if len(m.data.Rows) == 0 {
		return nil
	}
	idx := m.selectedIndex() + delta
	idx = max(0, min(idx, len(m.data.Rows)-1))
	return m.dispatch(selectWatch.With(m.data.Rows[idx].Name))
}

func (m Model) refresh() error {
	if len(m.data.Rows) == 0 || m.cache == nil {
		return nil
	}
	row := m.data.Rows[m.selectedIndex()]
	var err error
	if tags := m.tagsOf(row.Name); len(tags) > 0 {
		err = m.cache.InvalidateTags(tags...)
	} else {
		err = m.cache.Refetch(row.Result.Key)
	}
	if err != nil {
		m.reporter.Report(diag.Warn, "refresh failed", err, zap.String("watch", row.Name))
		return err
	}
	return m.dispatch(refreshed.With(now()))
}

func (m Model) tagsOf(name string) []api.Tag {
	for _, w := range m.watches {
		if w.Name == name {
			return w.Tags
		}
	}
	return nil
}

func (m Model) dispatch(a store.Action) error {
	if m.store == nil {
		return nil
	}
	_, err := m.store.Dispatch(a)
	return err
}

func (m Model) selectView(st store.State) View {
	v := View{Rows: make([]Row, 0, len(m.watches))}
	for _, w := range m.watches {
		v.Rows = append(v.Rows, Row{Name: w.Name, Result: w.Select(st)})
	}
	if m.slice != nil {
		v.UI = m.slice.Get(st)
	}
	return v
}

// subscription bridges selector callbacks, which run on the store's
// notifier, into Bubble Tea messages. Only the latest view is kept.
type subscription struct {
	updates chan View
	done    chan struct{}

	mu       sync.Mutex
	unsub    func()
	attached bool
	closed   bool
}

func newSubscription() *subscription {
	return &subscription{
		updates: make(chan View, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscription) attach(src selector.Source, sel func(store.State) View, r diag.Reporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached || s.closed {
		return
	}
	s.attached = true
	s.unsub = selector.Use(src, sel, s.push,
		selector.WithReporter[View](r),
		selector.WithLabel[View]("ui"),
	)
}

func (s *subscription) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.unsub != nil {
		s.unsub()
	}
	close(s.done)
}

func (s *subscription) push(v View) {
	for {
		select {
		case s.updates <- v:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *subscription) wait() tea.Msg {
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case v := <-s.updates:
		return viewMsg(v)
	case <-s.done:
		return nil
	}
}

// Run starts the Bubble Tea program and blocks until the user quits or the
// context is cancelled.
func Run(opts Options) error {
	if opts.Store == nil {
		return fmt.Errorf("ui requires a store")
	}
	m := New(opts)
	defer m.Detach()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(m.ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && m.ctx.Err() != nil {
		return nil
	}
	return err
}
