package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/five82/keel/internal/diag"
	"github.com/five82/keel/internal/store"
)

const defaultDebounce = 500 * time.Millisecond

// Options configure a Persister.
type Options struct {
	// Path is the TOML file holding the snapshot.
	Path string
	// Slices names the slices to persist. Each becomes a top-level table.
	Slices []string
	// Debounce delays writes after a change so bursts coalesce. Zero means
	// 500ms; a negative value writes on every change.
	Debounce time.Duration
	// Reporter defaults to the store's reporter.
	Reporter diag.Reporter
}

// Persister mirrors selected store slices to a TOML file.
type Persister struct {
	store    *store.Store
	path     string
	slices   []string
	debounce time.Duration
	reporter diag.Reporter

	mu   sync.Mutex
	last []byte
}

// New builds a Persister for st.
func New(st *store.Store, opts Options) (*Persister, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("persist: path is empty")
	}
	if len(opts.Slices) == 0 {
		return nil, fmt.Errorf("persist: no slices to persist")
	}
	debounce := opts.Debounce
	if debounce == 0 {
		debounce = defaultDebounce
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = st.Reporter()
	}
	return &Persister{
		store:    st,
		path:     path,
		slices:   append([]string(nil), opts.Slices...),
		debounce: debounce,
		reporter: reporter,
	}, nil
}

// Restore hydrates every persisted slice found in the file. A missing file
// is not an error. An unreadable file or a slice that fails to migrate is
// reported and skipped, leaving that slice at its initial state.
func (p *Persister) Restore() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		p.reporter.Report(diag.Warn, "state file unreadable", err, zap.String("path", p.path))
		return nil
	}

	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		p.reporter.Report(diag.Warn, "state file invalid", err, zap.String("path", p.path))
		return nil
	}

	for _, name := range p.slices {
		raw, ok := doc[name]
		if !ok {
			continue
		}
		if err := p.store.Hydrate(name, raw); err != nil {
			if errors.Is(err, store.ErrClosed) {
				return err
			}
			p.reporter.Report(diag.Warn, "restore slice failed", err,
				zap.String("path", p.path), zap.String("slice", name))
		}
	}

	p.mu.Lock()
	p.last = data
	p.mu.Unlock()
	return nil
}

// Save writes the persisted slices of st. It skips the write when the
// encoded snapshot matches the last one written or restored.
func (p *Persister) Save(st store.State) error {
	doc := make(map[string]any, len(p.slices))
	for _, name := range p.slices {
		if v, ok := p.store.SliceSnapshot(st, name); ok {
			doc[name] = v
		}
	}
	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if bytes.Equal(data, p.last) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := atomic.WriteFile(p.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	p.last = data
	return nil
}

// Run saves after every published change until ctx is done, then writes
// the final state once more.
func (p *Persister) Run(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	unsubscribe := p.store.Subscribe(func(store.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return p.Save(p.store.State())
		case <-changed:
			if p.debounce < 0 {
				p.saveAndReport()
				continue
			}
			if fire == nil {
				timer = time.NewTimer(p.debounce)
				fire = timer.C
			}
		case <-fire:
			fire = nil
			p.saveAndReport()
		}
	}
}

func (p *Persister) saveAndReport() {
	if err := p.Save(p.store.State()); err != nil {
		p.reporter.Report(diag.Error, "persist state failed", err, zap.String("path", p.path))
	}
}

// Decode converts a value read from the state file into S by round-tripping
// it through TOML. It is the usual Migrate function for persisted slices.
func Decode[S any](raw any) (S, error) {
	var out S
	if v, ok := raw.(S); ok {
		return v, nil
	}
	data, err := toml.Marshal(raw)
	if err != nil {
		return out, fmt.Errorf("re-encode %T: %w", raw, err)
	}
	if err := toml.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}
