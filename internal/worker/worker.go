// Package worker hosts the request-intercepting runtime: it owns the active
// and waiting generations and answers fetches through their tier tables.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/fxoffline/internal/cache"
	"github.com/l0p7/fxoffline/internal/config"
	"github.com/l0p7/fxoffline/internal/control"
	"github.com/l0p7/fxoffline/internal/expr"
	"github.com/l0p7/fxoffline/internal/lifecycle"
	"github.com/l0p7/fxoffline/internal/metrics"
	"github.com/l0p7/fxoffline/internal/policy"
	"github.com/l0p7/fxoffline/internal/tier"
)

// Options configures New.
type Options struct {
	Config   config.WorkerConfig
	Origin   *url.URL
	FeedHost string
	Store    cache.Store
	Hub      *control.Hub
	// Transport carries every network request the worker issues. Defaults
	// to http.DefaultTransport.
	Transport    http.RoundTripper
	MaxBodyBytes int64
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	Clock        func() time.Time
}

type generation struct {
	registry  *tier.Registry
	lifecycle *lifecycle.Manager
	precached map[string]struct{}
}

func (g *generation) version() string {
	if g == nil {
		return ""
	}
	return g.registry.Version()
}

// Worker serves fetches through its active generation and applies control
// messages from attached pages.
type Worker struct {
	cfg       config.WorkerConfig
	origin    *url.URL
	feedHost  string
	store     cache.Store
	hub       *control.Hub
	transport http.RoundTripper
	fetcher   policy.Fetcher
	exec      *policy.Executor
	env       *expr.Environment
	dedupe    *control.Dedupe
	logger    *slog.Logger
	metrics   *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	deployMu sync.Mutex
	active   atomic.Pointer[generation]
	waiting  atomic.Pointer[generation]
	wg       sync.WaitGroup
}

// New returns a worker with no generation; Deploy installs the first one.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("worker: cache store required")
	}
	if opts.Hub == nil {
		return nil, errors.New("worker: control hub required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("worker: absolute origin required")
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("worker: expression environment: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	fetcher := policy.HTTPFetcher{
		Client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		MaxBodyBytes: opts.MaxBodyBytes,
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       opts.Config,
		origin:    opts.Origin,
		feedHost:  opts.FeedHost,
		store:     opts.Store,
		hub:       opts.Hub,
		transport: transport,
		fetcher:   fetcher,
		env:       env,
		dedupe:    control.NewDedupe(0),
		logger:    logger.With(slog.String("agent", "worker")),
		metrics:   opts.Metrics,
	}
	w.exec = policy.New(policy.Options{
		Store:                 opts.Store,
		Fetcher:               fetcher,
		Logger:                logger,
		Metrics:               opts.Metrics,
		FetchTimeout:          opts.Config.FetchTimeout(),
		RevalidateConcurrency: opts.Config.RevalidateConcurrency,
		Clock:                 opts.Clock,
	})
	return w, nil
}

// Active is the controlling generation's version, empty before the first
// activation.
func (w *Worker) Active() string { return w.active.Load().version() }

// Waiting is the installed but not yet active version, if any.
func (w *Worker) Waiting() string { return w.waiting.Load().version() }

// Deploy installs version as a new generation. With no active generation it
// activates at once; otherwise it waits until no page is open, a page sends
// TAKE_OVER_NOW, or skipWaiting is configured. Deploy returns after install;
// activation of a waiting generation happens in the background.
func (w *Worker) Deploy(ctx context.Context, version string) error {
	w.deployMu.Lock()
	defer w.deployMu.Unlock()

	version = strings.TrimSpace(version)
	if version == "" {
		return errors.New("worker: version required")
	}
	if version == w.Active() || version == w.Waiting() {
		w.logger.Debug("version already deployed", slog.String("version", version))
		return nil
	}

	gen, err := w.build(version)
	if err != nil {
		return err
	}
	results, err := gen.lifecycle.Install(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	w.logger.Info("generation installed",
		slog.String("version", version),
		slog.Int("precached", len(results)-failed),
		slog.Int("precache_failed", failed))

	if w.active.Load() == nil {
		return w.promote(ctx, gen)
	}

	if previous := w.waiting.Swap(gen); previous != nil {
		previous.lifecycle.Retire()
	}
	w.hub.NotifyUpdateWaiting(version)
	if w.cfg.SkipWaiting {
		gen.lifecycle.SkipWaiting()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := gen.lifecycle.Wait(w.ctx, w.hub.Idle()); err != nil {
			return
		}
		w.deployMu.Lock()
		defer w.deployMu.Unlock()
		if w.ctx.Err() != nil || w.waiting.Load() != gen {
			return
		}
		if err := w.promote(w.ctx, gen); err != nil {
			w.logger.Error("activation failed", slog.String("version", version), slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (w *Worker) build(version string) (*generation, error) {
	registry, err := tier.NewRegistry(w.env, tier.Options{
		Version:        version,
		Shell:          w.cfg.Shell.Name,
		FeedHost:       w.feedHost,
		DefaultTimeout: w.cfg.NetworkTimeout(),
		Tiers:          w.cfg.Tiers,
	})
	if err != nil {
		return nil, fmt.Errorf("worker: build registry: %w", err)
	}
	resources := make([]string, 0, len(w.cfg.Shell.Resources))
	precached := make(map[string]struct{}, len(w.cfg.Shell.Resources))
	for _, raw := range w.cfg.Shell.Resources {
		ref, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("worker: shell resource %q: %w", raw, err)
		}
		abs := w.origin.ResolveReference(ref)
		abs.Fragment = ""
		resources = append(resources, abs.String())
		precached[abs.String()] = struct{}{}
	}
	manager, err := lifecycle.New(lifecycle.Options{
		Registry:  registry,
		Store:     w.store,
		Fetcher:   w.fetcher,
		Claimer:   w.hub,
		Resources: resources,
		Logger:    w.logger,
		Metrics:   w.metrics,
	})
	if err != nil {
		return nil, err
	}
	return &generation{registry: registry, lifecycle: manager, precached: precached}, nil
}

// promote activates gen and makes it the controller. Callers hold deployMu.
// The previous generation stops writing before activation purges its
// tiers, so in-flight fetches cannot recreate them.
func (w *Worker) promote(ctx context.Context, gen *generation) error {
	current := w.active.Load()
	if current != nil {
		current.registry.Retire()
	}
	if err := gen.lifecycle.Activate(ctx); err != nil {
		if current != nil {
			current.registry.Resume()
		}
		return err
	}
	w.waiting.CompareAndSwap(gen, nil)
	previous := w.active.Swap(gen)
	if previous != nil {
		previous.lifecycle.Retire()
	}
	w.logger.Info("generation active", slog.String("version", gen.version()), slog.String("previous", previous.version()))
	return nil
}

// Run drains the control inbox until ctx ends or the hub closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		env, err := w.hub.Next(ctx)
		if err != nil {
			if errors.Is(err, control.ErrPortClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		w.Handle(ctx, env.Message)
	}
}

// Handle applies one control message. Repeated IDs are ignored.
func (w *Worker) Handle(ctx context.Context, msg control.Message) {
	if !w.dedupe.First(msg) {
		w.logger.Debug("duplicate control message", slog.String("type", string(msg.Type)), slog.String("id", msg.ID))
		return
	}
	switch msg.Type {
	case control.TakeOverNow:
		if gen := w.waiting.Load(); gen != nil {
			gen.lifecycle.SkipWaiting()
		}
	case control.ClearAllCaches:
		if err := w.ClearAll(ctx); err != nil {
			w.logger.Error("clear caches failed", slog.String("error", err.Error()))
			return
		}
		w.hub.Broadcast(control.Message{Type: control.CachesCleared, ID: msg.ID})
	default:
		w.logger.Debug("ignoring control message", slog.String("type", string(msg.Type)))
	}
}

// ClearAll drops every partition in the store, whatever its generation.
func (w *Worker) ClearAll(ctx context.Context) error {
	partitions, err := w.store.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("worker: list partitions: %w", err)
	}
	var errs []error
	for _, name := range partitions {
		if _, err := w.store.DropPartition(ctx, name); err != nil {
			w.metrics.ObserveCache(metrics.CacheOperationPurge, metrics.CacheError)
			errs = append(errs, fmt.Errorf("worker: drop %s: %w", name, err))
			continue
		}
		w.metrics.ObserveCache(metrics.CacheOperationPurge, metrics.CacheStored)
	}
	w.logger.Info("caches cleared", slog.Int("partitions", len(partitions)))
	return errors.Join(errs...)
}

// Close abandons waiting generations and waits for background
// revalidations to finish.
func (w *Worker) Close() {
	w.cancel()
	w.wg.Wait()
	w.exec.Wait()
}
