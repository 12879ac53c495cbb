package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/five82/keel/internal/api"
	"github.com/five82/keel/internal/config"
	"github.com/five82/keel/internal/diag"
	"github.com/five82/keel/internal/fetch"
	"github.com/five82/keel/internal/persist"
	"github.com/five82/keel/internal/store"
	"github.com/five82/keel/internal/ui"
)

// Options configure the keel application.
type Options struct {
	ConfigPath string
	PollEvery  int // seconds; zero uses the configured interval
}

// Run boots the keel TUI until the context is cancelled or the user quits.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.PollEvery > 0 {
		cfg.PollInterval = time.Duration(opts.PollEvery) * time.Second
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("keel starting",
		zap.String("base_url", cfg.BaseURL),
		zap.Int("watches", len(cfg.Watches)),
		zap.Duration("poll_interval", cfg.PollInterval))

	return run(ctx, cfg, diag.NewZap(logger), ui.Run)
}

// run wires the runtime and hands it to show, which blocks for the life of
// the UI.
func run(ctx context.Context, cfg config.Config, reporter diag.Reporter, show func(ui.Options) error) error {
	client, err := fetch.NewClient(cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	rt, err := newRuntime(cfg, client, reporter)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.persister.Restore(); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ops := rt.prefetch(ctx)
	defer func() {
		for _, op := range ops {
			op.Unsubscribe()
		}
	}()

	bg, bgCtx := errgroup.WithContext(ctx)
	bg.Go(func() error { return rt.persister.Run(bgCtx) })
	for i, op := range ops {
		done := StartPoller(bgCtx, rt.watches[i].name, func(ctx context.Context) error {
			_, err := op.Refetch(ctx)
			return err
		}, cfg.PollInterval, reporter)
		bg.Go(func() error {
			<-done
			return nil
		})
	}

	showErr := show(ui.Options{
		Context:  ctx,
		Store:    rt.store,
		Cache:    rt.cache,
		Slice:    rt.slice,
		Watches:  rt.uiWatches(),
		Reporter: reporter,
	})
	cancel()
	return errors.Join(showErr, bg.Wait())
}

type watch struct {
	name  string
	tags  []api.Tag
	query *api.Query[struct{}, json.RawMessage]
}

// runtime is the store and everything built on it.
type runtime struct {
	store     *store.Store
	cache     *api.Api
	slice     *store.Slice[ui.State]
	persister *persist.Persister
	watches   []watch
	reporter  diag.Reporter
}

func newRuntime(cfg config.Config, client *fetch.Client, reporter diag.Reporter) (*runtime, error) {
	st := store.New(store.Options{Reporter: reporter})
	rt := &runtime{store: st, reporter: reporter}

	slice, err := ui.NewSlice(st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("register ui slice: %w", err)
	}
	rt.slice = slice

	cache, err := api.New(st, api.Options{KeepUnusedDataFor: cfg.KeepUnusedDataFor})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init endpoint cache: %w", err)
	}
	rt.cache = cache

	for _, w := range cfg.Watches {
		tags := parseTags(w.Tags)
		q, err := api.DefineQuery(cache, w.Name,
			fetch.JSON[struct{}, json.RawMessage](client, fetch.Endpoint[struct{}]{
				Path:           fetch.Static[struct{}](w.Path),
				ReportProgress: true,
			}),
			api.QueryOptions[struct{}, json.RawMessage]{
				Tags:             tags,
				SuppressErrorLog: true,
			})
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("define watch %s: %w", w.Name, err)
		}
		rt.watches = append(rt.watches, watch{name: w.Name, tags: tags, query: q})
	}

	rt.persister, err = persist.New(st, persist.Options{
		Path:     cfg.StateFile,
		Slices:   []string{slice.Name()},
		Reporter: reporter,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

// prefetch starts every watch, subscribes to it and waits for the first
// results. Failures are reported; the poller keeps retrying them.
func (rt *runtime) prefetch(ctx context.Context) []*api.Operation[json.RawMessage] {
	ops := make([]*api.Operation[json.RawMessage], len(rt.watches))
	var g errgroup.Group
	for i, w := range rt.watches {
		op := w.query.Invoke(ctx, struct{}{})
		op.Subscribe()
		ops[i] = op
		g.Go(func() error {
			if _, err := op.Await(ctx); err != nil {
				rt.reporter.Report(diag.Warn, "prefetch failed", err, zap.String("watch", w.name))
			}
			return nil
		})
	}
	_ = g.Wait()
	return ops
}

func (rt *runtime) uiWatches() []ui.Watch {
	out := make([]ui.Watch, 0, len(rt.watches))
	for _, w := range rt.watches {
		out = append(out, ui.Watch{Name: w.name, Tags: w.tags, Select: w.query.Select(struct{}{})})
	}
	return out
}

func (rt *runtime) close() {
	if rt.cache != nil {
		rt.cache.Close()
	}
	rt.store.Close()
}

// parseTags reads "Type" and "Type:ID" strings.
func parseTags(raw []string) []api.Tag {
	var tags []api.Tag
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		typ, id, _ := strings.Cut(s, ":")
		tags = append(tags, api.Tag{Type: strings.TrimSpace(typ), ID: strings.TrimSpace(id)})
	}
	return tags
}
