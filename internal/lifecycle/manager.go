// Package lifecycle drives one worker generation from install to activation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/l0p7/fxoffline/internal/cache"
	"github.com/l0p7/fxoffline/internal/metrics"
	"github.com/l0p7/fxoffline/internal/policy"
	"github.com/l0p7/fxoffline/internal/tier"
)

// State is a generation's position in the install and activation sequence.
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrInvalidTransition reports a lifecycle call made out of order.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// Claimer takes control of every open page for a generation.
type Claimer interface {
	Claim(ctx context.Context, version string) error
}

// PrecacheResult records one shell resource attempt.
type PrecacheResult struct {
	URL string
	Err error
}

// Options configures New.
type Options struct {
	Registry *tier.Registry
	Store    cache.Store
	Fetcher  policy.Fetcher
	Claimer  Claimer
	// Resources are absolute URLs precached into the shell partition.
	Resources []string
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Manager owns one generation's shell precache and its state transitions.
type Manager struct {
	registry  *tier.Registry
	store     cache.Store
	fetcher   policy.Fetcher
	claimer   Claimer
	resources []string
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mu    sync.Mutex
	state State

	skip     chan struct{}
	skipOnce sync.Once
}

// New prepares a Manager in StateNew.
func New(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("lifecycle: registry required")
	}
	if opts.Store == nil {
		return nil, errors.New("lifecycle: cache store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:  opts.Registry,
		store:     opts.Store,
		fetcher:   opts.Fetcher,
		claimer:   opts.Claimer,
		resources: append([]string(nil), opts.Resources...),
		logger:    logger.With(slog.String("agent", "lifecycle"), slog.String("version", opts.Registry.Version())),
		metrics:   opts.Metrics,
		state:     StateNew,
		skip:      make(chan struct{}),
	}, nil
}

// Version is the generation's build identifier.
func (m *Manager) Version() string { return m.registry.Version() }

// Registry is the generation's tier table.
func (m *Manager) Registry() *tier.Registry { return m.registry }

// State is the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) transition(from []State, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range from {
		if m.state == s {
			m.state = to
			m.metrics.ObserveLifecycle(string(to))
			m.logger.Info("lifecycle transition", slog.String("from", string(s)), slog.String("to", string(to)))
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, m.state, to)
}

// Install precaches every shell resource independently. Individual failures
// are logged and reported in the results; they never fail the install.
// Shell entries left by an earlier install of the same version are pruned
// when they are no longer listed, or when the origin now answers them with
// an uncacheable response.
func (m *Manager) Install(ctx context.Context) ([]PrecacheResult, error) {
	if err := m.transition([]State{StateNew}, StateInstalling); err != nil {
		return nil, err
	}

	results := make([]PrecacheResult, len(m.resources))
	var wg sync.WaitGroup
	for i, resource := range m.resources {
		wg.Add(1)
		go func(i int, resource string) {
			defer wg.Done()
			err := m.precache(ctx, resource)
			results[i] = PrecacheResult{URL: resource, Err: err}
			m.metrics.ObservePrecache(err == nil)
			if err != nil {
				m.logger.Warn("precache failed", slog.String("url", resource), slog.String("error", err.Error()))
			}
		}(i, resource)
	}
	wg.Wait()
	m.prune(ctx)

	if err := m.transition([]State{StateInstalling}, StateInstalled); err != nil {
		return results, err
	}
	return results, nil
}

func (m *Manager) precache(ctx context.Context, resource string) error {
	if m.fetcher == nil {
		return errors.New("lifecycle: no fetcher configured")
	}
	u, err := url.Parse(resource)
	if err != nil {
		return fmt.Errorf("lifecycle: parse %s: %w", resource, err)
	}
	req := tier.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
	entry, err := m.fetcher.Fetch(ctx, req)
	if se, ok := policy.AsStatusError(err); ok {
		entry, err = se.Entry, nil
	}
	if err != nil {
		return err
	}
	if !cache.Cacheable(entry.Status, entry.Header) {
		m.forget(ctx, req.Key())
		return fmt.Errorf("lifecycle: %s not cacheable (status %d)", resource, entry.Status)
	}
	return m.store.Put(ctx, m.registry.Shell(), req.Key(), entry)
}

// prune deletes shell entries that are not in the resource list.
func (m *Manager) prune(ctx context.Context) {
	listed := make(map[string]struct{}, len(m.resources))
	for _, resource := range m.resources {
		if u, err := url.Parse(resource); err == nil {
			listed[tier.Request{URL: u}.Key()] = struct{}{}
		}
	}
	keys, err := m.store.Keys(ctx, m.registry.Shell())
	if err != nil {
		m.logger.Warn("list shell entries failed", slog.String("error", err.Error()))
		return
	}
	for _, key := range keys {
		if _, ok := listed[key]; !ok {
			m.forget(ctx, key)
		}
	}
}

func (m *Manager) forget(ctx context.Context, key string) {
	if err := m.store.Delete(ctx, m.registry.Shell(), key); err != nil {
		m.logger.Warn("drop shell entry failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	m.logger.Debug("dropped shell entry", slog.String("key", key))
}

// SkipWaiting releases Wait immediately. Safe to call repeatedly.
func (m *Manager) SkipWaiting() {
	m.skipOnce.Do(func() {
		m.logger.Info("skip waiting requested")
		close(m.skip)
	})
}

// Wait blocks until idle is closed (no open pages), SkipWaiting is called,
// or ctx ends.
func (m *Manager) Wait(ctx context.Context, idle <-chan struct{}) error {
	select {
	case <-m.skip:
		return nil
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Activate deletes every partition outside the generation's allow-list and
// only then claims open pages.
func (m *Manager) Activate(ctx context.Context) error {
	if err := m.transition([]State{StateInstalled}, StateActivating); err != nil {
		return err
	}
	if err := m.purge(ctx); err != nil {
		m.mu.Lock()
		m.state = StateInstalled
		m.mu.Unlock()
		return err
	}
	if m.claimer != nil {
		if err := m.claimer.Claim(ctx, m.Version()); err != nil {
			m.logger.Warn("claim failed", slog.String("error", err.Error()))
		}
	}
	return m.transition([]State{StateActivating}, StateActivated)
}

func (m *Manager) purge(ctx context.Context) error {
	keep := make(map[string]struct{})
	for _, name := range m.registry.Names() {
		keep[name] = struct{}{}
	}
	partitions, err := m.store.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: list partitions: %w", err)
	}
	for _, name := range partitions {
		if _, ok := keep[name]; ok {
			continue
		}
		if _, err := m.store.DropPartition(ctx, name); err != nil {
			m.metrics.ObserveCache(metrics.CacheOperationPurge, metrics.CacheError)
			m.logger.Warn("purge failed", slog.String("partition", name), slog.String("error", err.Error()))
			continue
		}
		m.metrics.ObserveCache(metrics.CacheOperationPurge, metrics.CacheStored)
		m.logger.Info("purged stale partition", slog.String("partition", name))
	}
	return nil
}

// Retire marks a superseded generation redundant and refuses further
// writes to its tiers.
func (m *Manager) Retire() {
	m.registry.Retire()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRedundant {
		return
	}
	m.state = StateRedundant
	m.metrics.ObserveLifecycle(string(StateRedundant))
}
