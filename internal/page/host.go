package page

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Host keeps a page open across reloads: each reload tears the session down
// and starts a new one with a fresh guard.
type Host struct {
	opts    Options
	logger  *slog.Logger
	current atomic.Pointer[Session]
	loads   atomic.Int64
}

// NewHost prepares the first session; Run starts it.
func NewHost(opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{opts: opts, logger: logger.With(slog.String("agent", "page-host"))}
	h.current.Store(NewSession(opts))
	return h
}

// Run serves sessions until ctx ends.
func (h *Host) Run(ctx context.Context) error {
	for {
		session := h.current.Load()
		h.loads.Add(1)
		err := session.Run(ctx)
		if !errors.Is(err, ErrReloaded) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		h.logger.Debug("starting new page session", slog.Int64("loads", h.loads.Load()))
		h.current.Store(NewSession(h.opts))
	}
}

// Loads counts sessions started, including the first.
func (h *Host) Loads() int64 { return h.loads.Load() }

// Session is the current page load.
func (h *Host) Session() *Session { return h.current.Load() }

// Status is the current session's view.
func (h *Host) Status() Status { return h.current.Load().Status() }

// Refresh runs the freshness routine in the current session.
func (h *Host) Refresh(ctx context.Context, force bool) Status {
	return h.current.Load().Refresh(ctx, force)
}

// ClearAllCaches asks the worker to drop every partition.
func (h *Host) ClearAllCaches(ctx context.Context) error {
	return h.current.Load().ClearAllCaches(ctx)
}
