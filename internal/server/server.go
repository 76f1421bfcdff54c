// Package server exposes the agent's local status endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/primeloop/internal/server/handlers"
	"github.com/3leaps/primeloop/internal/server/middleware"
)

const shutdownTimeout = 5 * time.Second

// Options configure the routes.
type Options struct {
	Version string

	// Status returns the snapshot served on /status. Nil disables the route.
	Status func() any

	// Checkers are reported on /health by name.
	Checkers map[string]handlers.Checker

	Logger *zap.Logger
}

// Server is the status HTTP server.
type Server struct {
	host   string
	port   int
	router chi.Router
	logger *zap.Logger
}

// New builds a server for host:port. Port 0 picks a free port on Start.
func New(host string, port int, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		host:   host,
		port:   port,
		router: chi.NewRouter(),
		logger: opts.Logger,
	}
	s.routes(opts)
	return s
}

// ParseAddr splits a host:port listen address.
func ParseAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("status address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("status address %q: invalid port", addr)
	}
	return host, port, nil
}

func (s *Server) routes(opts Options) {
	health := handlers.NewHealthManager(opts.Version)
	for name, c := range opts.Checkers {
		health.RegisterChecker(name, c)
	}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RecoveryWithLogger(s.logger))
	r.NotFound(middleware.NotFound)
	r.MethodNotAllowed(middleware.MethodNotAllowed)

	r.Get("/health", health.HealthHandler)
	r.Get("/health/live", health.LivenessHandler)
	r.Get("/version", handlers.VersionHandler(opts.Version))
	if opts.Status != nil {
		r.Get("/status", handlers.StatusHandler(opts.Status))
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
