package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/fxoffline/internal/cache"
	"github.com/l0p7/fxoffline/internal/metrics"
	"github.com/l0p7/fxoffline/internal/tier"
)

// ErrNetworkTimeout reports that the remote leg did not finish in time.
var ErrNetworkTimeout = errors.New("policy: network timeout")

// SourceHeader reports a Result's Source on proxied responses.
const SourceHeader = "X-Offline-Cache"

// Source identifies where a Result's entry came from.
type Source string

const (
	// SourceNetwork is a response fetched during this call.
	SourceNetwork Source = "network"
	// SourceCache is a cached entry served without waiting on the network.
	SourceCache Source = "cache"
	// SourceStale is a cached entry served because the network failed or timed out.
	SourceStale Source = "stale"
)

// Result is a served entry and where it came from.
type Result struct {
	Entry  cache.Entry
	Source Source
	// Cause is the network failure a SourceStale result stands in for.
	Cause error
}

// Options configures New.
type Options struct {
	Store   cache.Store
	Fetcher Fetcher
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// FetchTimeout bounds every remote fetch, including ones that outlive
	// the caller. Defaults to 30s.
	FetchTimeout time.Duration
	// RevalidateConcurrency caps background refreshes. Defaults to 32.
	RevalidateConcurrency int
	Clock                 func() time.Time
}

// Executor runs the three fetch policies against a blob cache. It never
// judges entry age: staleness is the caller's concern.
type Executor struct {
	store        cache.Store
	fetcher      Fetcher
	logger       *slog.Logger
	metrics      *metrics.Recorder
	fetchTimeout time.Duration
	now          func() time.Time

	bgSem    chan struct{}
	inflight sync.Map
	wg       sync.WaitGroup
}

// New builds an Executor, filling in defaults for unset options.
func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	concurrency := opts.RevalidateConcurrency
	if concurrency <= 0 {
		concurrency = 32
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Executor{
		store:        opts.Store,
		fetcher:      opts.Fetcher,
		logger:       logger.With(slog.String("agent", "policy")),
		metrics:      opts.Metrics,
		fetchTimeout: timeout,
		now:          now,
		bgSem:        make(chan struct{}, concurrency),
	}
}

// Execute serves req through t's policy.
func (e *Executor) Execute(ctx context.Context, t tier.Tier, req tier.Request) (Result, error) {
	start := time.Now()
	var (
		res Result
		err error
	)
	switch t.Kind {
	case tier.NetworkFirst:
		res, err = e.networkFirst(ctx, t, req, t.Timeout)
	case tier.StaleWhileRevalidate:
		res, err = e.staleWhileRevalidate(ctx, t, req)
	case tier.CacheFirst:
		res, err = e.cacheFirst(ctx, t, req)
	default:
		return Result{}, fmt.Errorf("policy: unsupported kind %q for tier %s", t.Kind, t.Name)
	}
	source := string(res.Source)
	if err != nil {
		source = "error"
	}
	e.metrics.ObservePolicy(t.Name, string(t.Kind), source, time.Since(start))
	return res, err
}

// Wait blocks until background revalidations and late network writes finish.
func (e *Executor) Wait() {
	e.wg.Wait()
}

type outcome struct {
	entry cache.Entry
	err   error
}

// networkFirst races the network against timeout. The fetch runs detached
// from ctx so a response arriving after the timeout still refreshes the tier.
func (e *Executor) networkFirst(ctx context.Context, t tier.Tier, req tier.Request, timeout time.Duration) (Result, error) {
	key := req.Key()
	done := make(chan outcome, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		entry, err := e.fetchAndStore(context.WithoutCancel(ctx), t, req)
		done <- outcome{entry: entry, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case out := <-done:
		if out.err == nil {
			return Result{Entry: out.entry, Source: SourceNetwork}, nil
		}
		return e.fallback(ctx, t, key, out.err)
	case <-timer:
		if entry, ok := e.lookup(ctx, t, key); ok {
			e.logger.Debug("network timeout, serving cache", slog.String("tier", t.Name), slog.String("key", key), slog.Duration("timeout", timeout))
			return Result{Entry: entry, Source: SourceStale, Cause: ErrNetworkTimeout}, nil
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	// Nothing cached at the timeout: keep waiting for the network.
	select {
	case out := <-done:
		if out.err == nil {
			return Result{Entry: out.entry, Source: SourceNetwork}, nil
		}
		return e.fallback(ctx, t, key, out.err)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (e *Executor) staleWhileRevalidate(ctx context.Context, t tier.Tier, req tier.Request) (Result, error) {
	if entry, ok := e.lookup(ctx, t, req.Key()); ok {
		e.revalidateAsync(t, req)
		return Result{Entry: entry, Source: SourceCache}, nil
	}
	return e.networkFirst(ctx, t, req, 0)
}

func (e *Executor) cacheFirst(ctx context.Context, t tier.Tier, req tier.Request) (Result, error) {
	if entry, ok := e.lookup(ctx, t, req.Key()); ok {
		return Result{Entry: entry, Source: SourceCache}, nil
	}
	entry, err := e.fetchAndStore(ctx, t, req)
	if err != nil {
		return Result{}, err
	}
	return Result{Entry: entry, Source: SourceNetwork}, nil
}

func (e *Executor) fallback(ctx context.Context, t tier.Tier, key string, cause error) (Result, error) {
	if entry, ok := e.lookup(ctx, t, key); ok {
		e.logger.Debug("network failed, serving cache", slog.String("tier", t.Name), slog.String("key", key), slog.String("error", cause.Error()))
		return Result{Entry: entry, Source: SourceStale, Cause: cause}, nil
	}
	return Result{}, cause
}

func (e *Executor) revalidateAsync(t tier.Tier, req tier.Request) {
	key := t.Name + "\x00" + req.Key()
	if _, busy := e.inflight.LoadOrStore(key, struct{}{}); busy {
		return
	}
	select {
	case e.bgSem <- struct{}{}:
	default:
		e.inflight.Delete(key)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()
		defer e.inflight.Delete(key)

		if _, err := e.fetchAndStore(context.Background(), t, req); err != nil {
			e.logger.Debug("revalidate failed", slog.String("tier", t.Name), slog.String("key", req.Key()), slog.String("error", err.Error()))
		}
	}()
}

// fetchAndStore fetches req and writes cacheable responses into t. Storage
// failures are logged and swallowed.
func (e *Executor) fetchAndStore(ctx context.Context, t tier.Tier, req tier.Request) (cache.Entry, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	entry, err := e.fetcher.Fetch(fetchCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return cache.Entry{}, fmt.Errorf("%w: %w", ErrNetworkTimeout, err)
		}
		return entry, err
	}
	if !cache.Cacheable(entry.Status, entry.Header) {
		return entry, nil
	}
	if t.Stamped {
		entry = entry.Stamp(e.now())
	}
	stored, err := t.Write(func() error {
		return e.store.Put(fetchCtx, t.Name, req.Key(), entry)
	})
	if !stored {
		e.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheSkipped)
		e.logger.Debug("tier retired, response not stored", slog.String("tier", t.Name), slog.String("key", req.Key()))
		return entry, nil
	}
	if err != nil {
		e.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheError)
		e.logger.Warn("cache write failed", slog.String("tier", t.Name), slog.String("key", req.Key()), slog.String("error", err.Error()))
		return entry, nil
	}
	e.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheStored)
	return entry, nil
}

// lookup reads key from t. Read errors count as a miss.
func (e *Executor) lookup(ctx context.Context, t tier.Tier, key string) (cache.Entry, bool) {
	entry, ok, err := e.store.Get(ctx, t.Name, key)
	if err != nil {
		e.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheError)
		e.logger.Warn("cache read failed", slog.String("tier", t.Name), slog.String("key", key), slog.String("error", err.Error()))
		return cache.Entry{}, false
	}
	if !ok {
		e.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheMiss)
		return cache.Entry{}, false
	}
	e.metrics.ObserveCache(metrics.CacheOperationGet, metrics.CacheHit)
	return entry, true
}
