package freshness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/l0p7/fxoffline/internal/connectivity"
	"github.com/l0p7/fxoffline/internal/metrics"
)

var (
	// ErrNoData is terminal: the feed failed and nothing was ever persisted.
	// It is not retried; the caller must invoke Fetch again.
	ErrNoData = errors.New("freshness: no data available")
	// ErrServedStale is the advisory attached to results served from the
	// durable snapshot after a feed failure.
	ErrServedStale = errors.New("freshness: serving stale snapshot")
	// ErrDeviceOffline is the feed failure recorded when the attempt was
	// skipped because the device has no network.
	ErrDeviceOffline = errors.New("freshness: device offline")
)

// Source says which level of the fallback chain produced a Result.
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceStale   Source = "stale"
)

// Feed fetches the live rates for base.
type Feed interface {
	Latest(ctx context.Context, base string) (map[string]float64, error)
}

// Connectivity is the part of the connectivity monitor the routine consults.
type Connectivity interface {
	State() connectivity.State
	Probe(ctx context.Context) connectivity.State
}

// Result is the outcome of one Fetch.
type Result struct {
	Snapshot Snapshot
	Source   Source
	Stale    bool
	// Advisory wraps ErrServedStale and the feed failure for stale results.
	Advisory     error
	Connectivity connectivity.State
}

// Options configures NewRoutine.
type Options struct {
	Store        *SnapshotStore
	Feed         Feed
	Connectivity Connectivity
	Base         string
	TTLMinutes   int
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	Clock        func() time.Time
}

// Routine is the page-level fetch routine for the TTL feed.
type Routine struct {
	store   *SnapshotStore
	feed    Feed
	conn    Connectivity
	base    string
	ttl     int
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// NewRoutine fills in defaults for the logger, clock and TTL.
func NewRoutine(opts Options) *Routine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	ttl := opts.TTLMinutes
	if ttl <= 0 {
		ttl = 45
	}
	return &Routine{
		store:   opts.Store,
		feed:    opts.Feed,
		conn:    opts.Connectivity,
		base:    opts.Base,
		ttl:     ttl,
		logger:  logger.With(slog.String("agent", "freshness")),
		metrics: opts.Metrics,
		now:     now,
	}
}

// Fetch walks the chain fresh-from-store, fresh-from-network,
// stale-from-store, ErrNoData. force skips the first level.
func (r *Routine) Fetch(ctx context.Context, force bool) (Result, error) {
	if !force {
		if snap, ok := r.load(ctx); ok && snap.Base == r.base && IsValid(snap, r.ttl, r.now()) {
			r.metrics.ObserveFreshness(string(SourceCache))
			return Result{Snapshot: snap, Source: SourceCache, Connectivity: r.state()}, nil
		}
	}

	state := r.state()
	var cause error
	if r.conn != nil && !state.DeviceOnline {
		cause = ErrDeviceOffline
	} else {
		if r.conn != nil {
			state = r.conn.Probe(ctx)
		}
		rates, err := r.feed.Latest(ctx, r.base)
		if err == nil {
			snap := Snapshot{Base: r.base, Rates: rates, FetchedAt: r.now().UTC()}
			if err := r.store.Save(ctx, snap); err != nil {
				r.logger.Warn("snapshot save failed", slog.String("error", err.Error()))
			}
			r.metrics.ObserveFreshness(string(SourceNetwork))
			return Result{Snapshot: snap, Source: SourceNetwork, Connectivity: state}, nil
		}
		cause = err
	}

	if snap, ok := r.load(ctx); ok {
		r.logger.Info("feed unavailable, serving stale snapshot",
			slog.String("error", cause.Error()),
			slog.Time("fetched_at", snap.FetchedAt),
			slog.String("base", snap.Base),
		)
		r.metrics.ObserveFreshness(string(SourceStale))
		return Result{
			Snapshot:     snap,
			Source:       SourceStale,
			Stale:        true,
			Advisory:     fmt.Errorf("%w: %w", ErrServedStale, cause),
			Connectivity: state,
		}, nil
	}

	r.logger.Warn("feed unavailable and no snapshot persisted", slog.String("error", cause.Error()))
	r.metrics.ObserveFreshness("none")
	return Result{Connectivity: state}, fmt.Errorf("%w: %w", ErrNoData, cause)
}

func (r *Routine) load(ctx context.Context) (Snapshot, bool) {
	snap, ok, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Warn("snapshot load failed", slog.String("error", err.Error()))
		return Snapshot{}, false
	}
	return snap, ok
}

func (r *Routine) state() connectivity.State {
	if r.conn == nil {
		return connectivity.State{DeviceOnline: true, OriginReachable: true}
	}
	return r.conn.State()
}
