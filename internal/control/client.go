package control

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Endpoint is a page's view of the channel. *Port and the websocket client
// both satisfy it.
type Endpoint interface {
	Post(ctx context.Context, msg Message) error
	Next(ctx context.Context) (Event, error)
	Close() error
}

// ReloadGuard lets exactly one reload trigger win per page session.
type ReloadGuard struct {
	fired atomic.Bool
}

// TryAcquire reports true the first time it is called.
func (g *ReloadGuard) TryAcquire() bool {
	return g.fired.CompareAndSwap(false, true)
}

// Fired reports whether TryAcquire already succeeded.
func (g *ReloadGuard) Fired() bool { return g.fired.Load() }

// Reloader tears the page session down and starts a new one.
type Reloader interface {
	Reload(reason string)
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func(reason string)

// Reload calls f.
func (f ReloaderFunc) Reload(reason string) { f(reason) }

// ClientOptions configures NewPageClient.
type ClientOptions struct {
	Endpoint Endpoint
	Guard    *ReloadGuard
	Reloader Reloader
	// OnUpdateWaiting runs when a new generation is installed and waiting.
	OnUpdateWaiting func(version string)
	Logger          *slog.Logger
}

// PageClient is the page side of the channel.
type PageClient struct {
	endpoint        Endpoint
	guard           *ReloadGuard
	reloader        Reloader
	onUpdateWaiting func(string)
	logger          *slog.Logger
}

// NewPageClient binds a page to its endpoint. A nil Guard gets a fresh one.
func NewPageClient(opts ClientOptions) (*PageClient, error) {
	if opts.Endpoint == nil {
		return nil, errors.New("control: endpoint required")
	}
	guard := opts.Guard
	if guard == nil {
		guard = &ReloadGuard{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PageClient{
		endpoint:        opts.Endpoint,
		guard:           guard,
		reloader:        opts.Reloader,
		onUpdateWaiting: opts.OnUpdateWaiting,
		logger:          logger.With(slog.String("agent", "control-client")),
	}, nil
}

// Guard is the set-once reload latch shared by both reload triggers.
func (c *PageClient) Guard() *ReloadGuard { return c.guard }

// TakeOverNow asks a waiting generation to activate.
func (c *PageClient) TakeOverNow(ctx context.Context) error {
	return c.endpoint.Post(ctx, NewMessage(TakeOverNow))
}

// ClearAllCaches asks the worker to drop every partition. The page reloads
// when CACHES_CLEARED arrives.
func (c *PageClient) ClearAllCaches(ctx context.Context) error {
	return c.endpoint.Post(ctx, NewMessage(ClearAllCaches))
}

// Run dispatches events until ctx ends or the endpoint closes.
func (c *PageClient) Run(ctx context.Context) error {
	for {
		ev, err := c.endpoint.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrPortClosed) {
				return nil
			}
			return err
		}
		c.Dispatch(ev)
	}
}

// Dispatch handles one event. CACHES_CLEARED and controllerchange both
// request a reload; the guard lets only the first through.
func (c *PageClient) Dispatch(ev Event) {
	switch ev.Kind {
	case EventMessage:
		if ev.Message != nil && ev.Message.Type == CachesCleared {
			c.reload("caches cleared")
		}
	case EventControllerChange:
		c.reload("controller changed")
	case EventUpdateWaiting:
		if c.onUpdateWaiting != nil {
			c.onUpdateWaiting(ev.Version)
		}
	default:
		c.logger.Debug("ignoring event", slog.String("kind", string(ev.Kind)))
	}
}

func (c *PageClient) reload(reason string) {
	if !c.guard.TryAcquire() {
		c.logger.Debug("reload already pending", slog.String("reason", reason))
		return
	}
	c.logger.Info("reloading page", slog.String("reason", reason))
	if c.reloader != nil {
		c.reloader.Reload(reason)
	}
}

// Close detaches the page from the worker.
func (c *PageClient) Close() error { return c.endpoint.Close() }
