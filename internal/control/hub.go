package control

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/l0p7/fxoffline/internal/metrics"
)

// Envelope is a page message as the worker receives it.
type Envelope struct {
	From    string
	Message Message
}

// Hub is the worker side of the channel. It owns one port per open page and
// a single inbox the worker drains with Next.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	inbox   *mailbox[Envelope]

	mu         sync.Mutex
	ports      map[string]*Port
	controller string
	waiting    string
	idle       chan struct{}
	closed     bool
}

// NewHub returns an open hub with no pages attached.
func NewHub(logger *slog.Logger, recorder *metrics.Recorder) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Hub{
		logger:  logger.With(slog.String("agent", "control")),
		metrics: recorder,
		inbox:   newMailbox[Envelope](),
		ports:   make(map[string]*Port),
		idle:    idle,
	}
}

// Connect opens a port for a new page. A page connecting while an update is
// waiting is told so immediately.
func (h *Hub) Connect() (*Port, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrPortClosed
	}
	p := &Port{id: uuid.NewString(), hub: h, events: newMailbox[Event]()}
	if len(h.ports) == 0 {
		h.idle = make(chan struct{})
	}
	h.ports[p.id] = p
	if h.waiting != "" {
		p.events.push(Event{Kind: EventUpdateWaiting, Version: h.waiting})
	}
	h.logger.Debug("page connected", slog.String("port", p.id), slog.Int("pages", len(h.ports)))
	return p, nil
}

func (h *Hub) disconnect(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ports[id]; !ok {
		return
	}
	delete(h.ports, id)
	if len(h.ports) == 0 {
		close(h.idle)
	}
	h.logger.Debug("page disconnected", slog.String("port", id), slog.Int("pages", len(h.ports)))
}

// Pages reports the number of open ports.
func (h *Hub) Pages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ports)
}

// Idle returns a channel closed while no page is connected.
func (h *Hub) Idle() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.idle
}

// Next blocks for the next page message.
func (h *Hub) Next(ctx context.Context) (Envelope, error) {
	return h.inbox.next(ctx)
}

func (h *Hub) deliver(from string, msg Message) error {
	if !msg.Valid() {
		return ErrInvalidMessage
	}
	if !h.inbox.push(Envelope{From: from, Message: msg}) {
		return ErrPortClosed
	}
	h.metrics.ObserveControl(string(msg.Type), metrics.DirectionInbound)
	return nil
}

// Broadcast sends msg to every open page.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.ports {
		m := msg
		p.events.push(Event{Kind: EventMessage, Message: &m})
	}
	h.metrics.ObserveControl(string(msg.Type), metrics.DirectionOutbound)
}

// Claim makes version the controller of every open page, each of which
// observes a controllerchange event.
func (h *Hub) Claim(_ context.Context, version string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrPortClosed
	}
	h.controller = version
	if h.waiting == version {
		h.waiting = ""
	}
	for _, p := range h.ports {
		p.events.push(Event{Kind: EventControllerChange, Version: version})
	}
	h.logger.Info("claimed pages", slog.String("version", version), slog.Int("pages", len(h.ports)))
	return nil
}

// Controller is the version that last claimed the pages.
func (h *Hub) Controller() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controller
}

// NotifyUpdateWaiting tells every open page, and pages that connect later,
// that version is installed and waiting.
func (h *Hub) NotifyUpdateWaiting(version string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.waiting = version
	for _, p := range h.ports {
		p.events.push(Event{Kind: EventUpdateWaiting, Version: version})
	}
}

// Close shuts every port and the inbox.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	ports := h.ports
	h.ports = make(map[string]*Port)
	if len(ports) > 0 {
		close(h.idle)
	}
	h.mu.Unlock()
	for _, p := range ports {
		p.events.close()
	}
	h.inbox.close()
}

// Port is one page's end of the channel.
type Port struct {
	id     string
	hub    *Hub
	events *mailbox[Event]
	once   sync.Once
}

// ID identifies the port in logs and envelopes.
func (p *Port) ID() string { return p.id }

// Post sends msg to the worker.
func (p *Port) Post(_ context.Context, msg Message) error {
	p.events.mu.Lock()
	closed := p.events.closed
	p.events.mu.Unlock()
	if closed {
		return ErrPortClosed
	}
	return p.hub.deliver(p.id, msg)
}

// Next blocks for the next event addressed to this page. Only one goroutine
// may receive from a port.
func (p *Port) Next(ctx context.Context) (Event, error) {
	return p.events.next(ctx)
}

// Close detaches the page. Later calls are no-ops.
func (p *Port) Close() error {
	p.once.Do(func() {
		p.hub.disconnect(p.id)
		p.events.close()
	})
	return nil
}
