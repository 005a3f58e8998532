// Package ws bridges the control channel over websockets so pages outside
// the process can reach the worker.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/l0p7/fxoffline/internal/control"
)

const writeWait = 5 * time.Second

// Handler upgrades requests and attaches each connection to the hub as one page.
type Handler struct {
	hub      *control.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler attaches upgraded connections to hub.
func NewHandler(hub *control.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:    hub,
		logger: logger.With(slog.String("agent", "control-ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeHTTP upgrades the request and relays until either side hangs up.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	port, err := h.hub.Connect()
	if err != nil {
		http.Error(w, "control channel closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = port.Close()
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.logger.Debug("page attached", slog.String("port", port.ID()), slog.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			ev, err := port.Next(ctx)
			if err != nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				_ = conn.Close()
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()

	for {
		var msg control.Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if err := port.Post(ctx, msg); err != nil {
			h.logger.Debug("dropping page message", slog.String("type", string(msg.Type)), slog.String("error", err.Error()))
			if errors.Is(err, control.ErrPortClosed) {
				break
			}
		}
	}
	_ = port.Close()
	cancel()
	wg.Wait()
	_ = conn.Close()
}

// Conn is a remote page endpoint.
type Conn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
}

// Dial connects to a Handler at rawURL (ws:// or wss://).
func Dial(ctx context.Context, rawURL string) (*Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", rawURL, err)
	}
	return &Conn{conn: conn}, nil
}

// Post sends msg to the worker.
func (c *Conn) Post(ctx context.Context, msg control.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		return translate(err)
	}
	return nil
}

// Next reads the next event. A context deadline or cancellation closes the
// connection since a websocket read cannot be resumed after interruption.
func (c *Conn) Next(ctx context.Context) (control.Event, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	var ev control.Event
	if err := c.conn.ReadJSON(&ev); err != nil {
		if ctx.Err() != nil {
			return control.Event{}, ctx.Err()
		}
		return control.Event{}, translate(err)
	}
	return ev, nil
}

// Close sends a close frame and releases the connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func translate(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return control.ErrPortClosed
	}
	return err
}
