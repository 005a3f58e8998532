// Package page runs the client side of the app: it loads rates through the
// freshness routine, reacts to connectivity changes, and listens on the
// control channel for reload triggers.
package page

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/fxoffline/internal/connectivity"
	"github.com/l0p7/fxoffline/internal/control"
	"github.com/l0p7/fxoffline/internal/freshness"
	"github.com/l0p7/fxoffline/internal/templates"
)

// ErrReloaded ends a session that was torn down by a reload trigger.
var ErrReloaded = errors.New("page: reloaded")

// Fetcher is the freshness routine.
type Fetcher interface {
	Fetch(ctx context.Context, force bool) (freshness.Result, error)
}

// Monitor is the connectivity monitor as the page consumes it.
type Monitor interface {
	State() connectivity.State
	Subscribe() (<-chan connectivity.Event, func())
}

// Dialer opens a fresh control endpoint for each session.
type Dialer func(ctx context.Context) (control.Endpoint, error)

// Status is what the page currently shows.
type Status struct {
	Base         string             `json:"base,omitempty"`
	Rates        map[string]float64 `json:"rates,omitempty"`
	FetchedAt    time.Time          `json:"fetchedAt,omitzero"`
	Source       freshness.Source   `json:"source,omitempty"`
	Stale        bool               `json:"stale"`
	NoData       bool               `json:"noData"`
	Message      string             `json:"message,omitempty"`
	DeviceOnline bool               `json:"deviceOnline"`
	ServerOnline bool               `json:"serverOnline"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Options configures a Session.
type Options struct {
	Feed            Fetcher
	Monitor         Monitor
	Messages        *templates.Messages
	Dial            Dialer
	AutoTakeOver    bool
	RefreshInterval time.Duration
	Logger          *slog.Logger
	Clock           func() time.Time
}

// Session is one page load. It ends with ErrReloaded when a reload trigger
// wins its guard.
type Session struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	status atomic.Pointer[Status]
	client atomic.Pointer[control.PageClient]
	guard  control.ReloadGuard

	// fetchMu serialises refreshes so a late result never overwrites a newer one.
	fetchMu sync.Mutex
}

// NewSession prepares one page load with its own reload guard.
func NewSession(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	s := &Session{opts: opts, logger: logger.With(slog.String("agent", "page")), now: now}
	s.status.Store(&Status{})
	return s
}

// Status returns a copy of the current view.
func (s *Session) Status() Status {
	return *s.status.Load()
}

// Reloading reports whether a reload trigger already fired.
func (s *Session) Reloading() bool { return s.guard.Fired() }

// Run loads the page and serves events until ctx ends or a reload fires.
func (s *Session) Run(ctx context.Context) error {
	sessCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	defer wg.Wait()

	if s.opts.Dial != nil {
		endpoint, err := s.opts.Dial(sessCtx)
		if err != nil {
			s.logger.Warn("control channel unavailable", slog.String("error", err.Error()))
		} else {
			client, err := control.NewPageClient(control.ClientOptions{
				Endpoint: endpoint,
				Guard:    &s.guard,
				Reloader: control.ReloaderFunc(func(reason string) {
					s.logger.Info("page reload", slog.String("reason", reason))
					cancel(ErrReloaded)
				}),
				OnUpdateWaiting: func(version string) { s.onUpdateWaiting(sessCtx, version) },
				Logger:          s.logger,
			})
			if err != nil {
				_ = endpoint.Close()
				return err
			}
			s.client.Store(client)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := client.Run(sessCtx); err != nil && sessCtx.Err() == nil {
					s.logger.Warn("control channel ended", slog.String("error", err.Error()))
				}
			}()
			defer func() { _ = client.Close() }()
		}
	}

	var events <-chan connectivity.Event
	if s.opts.Monitor != nil {
		ch, unsubscribe := s.opts.Monitor.Subscribe()
		defer unsubscribe()
		events = ch
	}

	s.Refresh(sessCtx, false)

	var tick <-chan time.Time
	if s.opts.RefreshInterval > 0 {
		ticker := time.NewTicker(s.opts.RefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-sessCtx.Done():
			if errors.Is(context.Cause(sessCtx), ErrReloaded) {
				return ErrReloaded
			}
			return nil
		case <-tick:
			s.Refresh(sessCtx, false)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.onConnectivity(sessCtx, ev)
		}
	}
}

func (s *Session) onUpdateWaiting(ctx context.Context, version string) {
	s.logger.Info("update waiting", slog.String("version", version))
	if !s.opts.AutoTakeOver {
		return
	}
	if client := s.client.Load(); client != nil {
		if err := client.TakeOverNow(ctx); err != nil {
			s.logger.Warn("take over request failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Session) onConnectivity(ctx context.Context, ev connectivity.Event) {
	switch ev.Transition {
	case connectivity.TransitionOnline:
		s.Refresh(ctx, false)
	default:
		s.updateConnectivity(ev.State)
	}
}

// ClearAllCaches asks the worker to wipe its caches; the page reloads when
// the worker confirms.
func (s *Session) ClearAllCaches(ctx context.Context) error {
	client := s.client.Load()
	if client == nil {
		return errors.New("page: control channel not connected")
	}
	return client.ClearAllCaches(ctx)
}

// Refresh runs the freshness routine and publishes the resulting view.
func (s *Session) Refresh(ctx context.Context, force bool) Status {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	res, err := s.opts.Feed.Fetch(ctx, force)
	next := Status{
		Base:         res.Snapshot.Base,
		Rates:        res.Snapshot.Rates,
		FetchedAt:    res.Snapshot.FetchedAt,
		Source:       res.Source,
		Stale:        res.Stale,
		NoData:       errors.Is(err, freshness.ErrNoData),
		DeviceOnline: res.Connectivity.DeviceOnline,
		ServerOnline: res.Connectivity.OriginReachable,
		UpdatedAt:    s.now(),
	}
	if err != nil && !next.NoData {
		s.logger.Warn("refresh failed", slog.String("error", err.Error()))
	}
	next.Message = s.message(next, err)
	s.status.Store(&next)
	return next
}

func (s *Session) updateConnectivity(state connectivity.State) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	next := *s.status.Load()
	next.DeviceOnline = state.DeviceOnline
	next.ServerOnline = state.OriginReachable
	next.Message = s.message(next, nil)
	s.status.Store(&next)
}

// message picks the status line: terminal no-data, then stale copies
// explained by the most specific cause.
func (s *Session) message(st Status, err error) string {
	var kind templates.Kind
	switch {
	case st.NoData:
		kind = templates.KindNoData
	case !st.Stale:
		return ""
	case !st.DeviceOnline:
		kind = templates.KindDeviceOffline
	case !st.ServerOnline:
		kind = templates.KindOriginDown
	default:
		kind = templates.KindStale
	}
	data := templates.MessageData{Base: st.Base, FetchedAt: st.FetchedAt}
	if !st.FetchedAt.IsZero() {
		data.Age = s.now().Sub(st.FetchedAt)
	}
	if err != nil {
		data.Error = err.Error()
	}
	out, rerr := s.opts.Messages.Render(kind, data)
	if rerr != nil {
		s.logger.Warn("message render failed", slog.String("kind", string(kind)), slog.String("error", rerr.Error()))
		return ""
	}
	return out
}
