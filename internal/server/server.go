// Package server owns the proxy's listening socket and its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"ntlm-proxy-go/internal/config"
)

// Server binds the configured address at construction, so the effective port
// is known (and a busy port reported) before any request is served.
type Server struct {
	echo            *echo.Echo
	listener        net.Listener
	port            int
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
}

// New binds cfg.Server.Addr(). Port 0 picks a free port.
func New(cfg *config.Config, e *echo.Echo, logger *slog.Logger) (*Server, error) {
	addr := cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	e.Listener = ln

	return &Server{
		echo:            e,
		listener:        ln,
		port:            ln.Addr().(*net.TCPAddr).Port,
		shutdownTimeout: cfg.Server.ShutdownTimeout(),
		logger:          logger.With("component", "server"),
		done:            make(chan struct{}),
	}, nil
}

// Port returns the port actually bound.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound address as host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves requests in the background. It returns immediately.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("server closed")
	}
	if s.started {
		return errors.New("server already started")
	}
	s.started = true

	s.logger.Info("starting server", "addr", s.Addr(), "port", s.port)
	go func() {
		defer close(s.done)
		if err := s.echo.Server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "err", err)
		}
	}()
	return nil
}

// Close stops accepting connections and waits for in-flight requests, up to
// the configured shutdown timeout; connections still open after that are
// closed. Closing twice is a no-op.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.logger.Info("shutting down server")
	if !started {
		return s.listener.Close()
	}

	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	err := s.echo.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("graceful shutdown incomplete, closing connections", "err", err)
		if cerr := s.echo.Server.Close(); cerr != nil {
			s.logger.Error("force close", "err", cerr)
		}
	}
	<-s.done
	return err
}
