// Package connectivity separates "device offline" from "origin unreachable".
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/l0p7/fxoffline/internal/metrics"
)

// State is the process-wide connectivity view. Only the Monitor writes it.
type State struct {
	DeviceOnline    bool
	OriginReachable bool
	LastChecked     time.Time
}

// Transition flags events caused by a device presence change.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionOnline
	TransitionOffline
)

// String names the transition for logs.
func (t Transition) String() string {
	switch t {
	case TransitionOnline:
		return "online"
	case TransitionOffline:
		return "offline"
	default:
		return "none"
	}
}

// Event is one connectivity change delivered to subscribers.
type Event struct {
	State      State
	Transition Transition
}

// Options configures NewMonitor.
type Options struct {
	// Target is the absolute URL of a lightweight same-origin resource.
	Target   string
	Timeout  time.Duration
	Interval time.Duration
	Device   DeviceSource
	// Client issues probes. Redirects are never followed.
	Client  *http.Client
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Clock   func() time.Time
}

// Monitor combines device presence with origin reachability probes.
type Monitor struct {
	target   string
	timeout  time.Duration
	interval time.Duration
	device   DeviceSource
	client   *http.Client
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	mu    sync.RWMutex
	state State
	subs  map[chan Event]struct{}
}

// NewMonitor reads device presence from opts.Device and assumes the origin is
// reachable until the first probe.
func NewMonitor(opts Options) *Monitor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	device := opts.Device
	if device == nil {
		device = NewManualSource(true)
	}
	base := opts.Client
	if base == nil {
		base = http.DefaultClient
	}
	client := &http.Client{
		Transport: base.Transport,
		Jar:       base.Jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		target:   opts.Target,
		timeout:  timeout,
		interval: interval,
		device:   device,
		client:   client,
		logger:   logger.With(slog.String("agent", "connectivity")),
		metrics:  opts.Metrics,
		now:      now,
		// Reachability is assumed until the first probe says otherwise.
		state: State{DeviceOnline: device.Online(), OriginReachable: true},
		subs:  make(map[chan Event]struct{}),
	}
}

// State returns the last recorded view without probing.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Probe checks origin reachability once and returns the updated state. The
// probe's in-flight request is abandoned, not awaited, past the timeout.
func (m *Monitor) Probe(ctx context.Context) State {
	reachable := m.probeOrigin(ctx)
	m.metrics.ObserveProbe(reachable)

	m.mu.Lock()
	m.state.DeviceOnline = m.device.Online()
	m.state.OriginReachable = reachable
	m.state.LastChecked = m.now()
	state := m.state
	m.mu.Unlock()

	m.logger.Debug("origin probe", slog.String("target", m.target), slog.Bool("reachable", reachable))
	m.publish(Event{State: state})
	return state
}

func (m *Monitor) probeOrigin(ctx context.Context) bool {
	result := make(chan bool, 1)
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	go func() {
		defer cancel()
		result <- m.head(probeCtx)
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case ok := <-result:
		return ok
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Monitor) head(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.target, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// Run probes on start, on every interval tick, and after the device comes
// back online. Going offline marks the origin unreachable without probing.
func (m *Monitor) Run(ctx context.Context) {
	presence, release := m.device.Subscribe()
	defer release()

	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.device.Online() {
				m.Probe(ctx)
			}
		case online := <-presence:
			m.handlePresence(ctx, online)
		}
	}
}

func (m *Monitor) handlePresence(ctx context.Context, online bool) {
	m.mu.Lock()
	if m.state.DeviceOnline == online {
		m.mu.Unlock()
		return
	}
	m.state.DeviceOnline = online
	if !online {
		m.state.OriginReachable = false
		m.state.LastChecked = m.now()
	}
	state := m.state
	m.mu.Unlock()

	if !online {
		m.logger.Info("device offline")
		m.publish(Event{State: state, Transition: TransitionOffline})
		return
	}
	m.logger.Info("device online")
	state = m.Probe(ctx)
	m.publish(Event{State: state, Transition: TransitionOnline})
}

// Subscribe returns a channel of state changes. A slow subscriber may miss
// probe events; a transition displaces the oldest queued event instead.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

func (m *Monitor) publish(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			if ev.Transition == TransitionNone {
				continue
			}
			// Make room for the transition by discarding the oldest event.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
