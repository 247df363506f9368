// Package server is the small echo HTTP server shared by the agent and the
// development collector: liveness and readiness probes, Prometheus metrics
// and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Addr string
	// Subsystem prefixes the echo request metrics.
	Subsystem string
	Registry  *prometheus.Registry
	Logger    *slog.Logger
}

type Server struct {
	echo      *echo.Echo
	addr      string
	logger    *slog.Logger
	readiness *atomic.Bool
	listener  net.Listener
}

func New(config Config) *Server {
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		addr:      config.Addr,
		logger:    config.Logger.With("component", "http"),
		readiness: atomic.NewBool(false),
	}

	e.Use(middleware.Recover())
	e.Use(s.rejectWhenNotReady)
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  config.Subsystem,
		Registerer: config.Registry,
	}))

	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
		Gatherer: config.Registry,
	}))
	e.GET("/healthz", s.handleLiveness)
	e.GET("/readyz", s.handleReadiness)

	return s
}

// Echo exposes the router so callers can add their own routes.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) SetReady(ready bool) { s.readiness.Store(ready) }

func (s *Server) Ready() bool { return s.readiness.Load() }

// handleLiveness always answers 200 while the process serves HTTP.
func (s *Server) handleLiveness(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleReadiness(c echo.Context) error {
	if s.readiness.Load() {
		return c.NoContent(http.StatusOK)
	}
	return c.NoContent(http.StatusServiceUnavailable)
}

// rejectWhenNotReady answers 503 to everything but probes and metrics while
// the server is starting up or draining.
func (s *Server) rejectWhenNotReady(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.readiness.Load() {
			switch c.Request().URL.Path {
			case "/healthz", "/readyz", "/metrics":
			default:
				s.logger.Info("not ready, rejecting request", "path", c.Request().URL.Path)
				return c.NoContent(http.StatusServiceUnavailable)
			}
		}
		return next(c)
	}
}

// Listen binds the configured address. It returns the bound address, which
// differs from the configured one when the port is 0.
func (s *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.echo.Listener = ln
	return ln.Addr(), nil
}

// Serve handles requests until ctx is cancelled, then shuts down gracefully.
// It calls Listen first when the caller has not.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.addr)
	}()
	s.logger.Info("serving HTTP", "addr", s.listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.readiness.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	<-errCh
	s.logger.Info("HTTP server stopped")
	return nil
}
