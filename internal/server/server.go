package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/fxoffline/internal/config"
)

const defaultShutdownGrace = 5 * time.Second

// Server owns the worker's HTTP listener. Shutdown happens in two phases:
// closing hooks run as the listener stops accepting, drain hooks run once
// in-flight requests have finished.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	grace      time.Duration

	mu     sync.Mutex
	addr   net.Addr
	drains []func()
	once   sync.Once
}

// New binds handler to the configured listen address.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		logger:     logger.With(slog.String("agent", "http")),
		httpServer: httpSrv,
		grace:      defaultShutdownGrace,
	}, nil
}

// OnClosing registers fn to run when shutdown starts. Upgraded control
// connections are invisible to the listener and must be released here.
func (s *Server) OnClosing(fn func()) {
	s.httpServer.RegisterOnShutdown(fn)
}

// OnDrain registers fn to run after in-flight requests finish, in
// registration order.
func (s *Server) OnDrain(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains = append(s.drains, fn)
}

// Addr is the bound listener address, or nil before Run binds it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves until ctx ends, then shuts down and returns ctx.Err().
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener starting", slog.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// shutdown stops the listener and runs the drain hooks, at most once.
func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("http listener shutting down")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server: shutdown: %w", err)
			return
		}
		shutdownErr = s.drain(ctx)
	})
	return shutdownErr
}

func (s *Server) drain(ctx context.Context) error {
	s.mu.Lock()
	hooks := append([]func(){}, s.drains...)
	s.mu.Unlock()
	if len(hooks) == 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, fn := range hooks {
			fn()
		}
	}()
	select {
	case <-done:
		s.logger.Debug("shutdown drained", slog.Int("hooks", len(hooks)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: drain: %w", ctx.Err())
	}
}
