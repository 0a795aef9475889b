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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sadewadee/katexd/internal/config"
)

// AdminRoutes describes what the admin listener exposes.
type AdminRoutes struct {
	MetricsPath   string
	Metrics       *Metrics     // nil disables the metrics route
	Stats         StatsSource  // nil means always ready
	WebSocketPath string
	WebSocket     http.Handler // nil disables the websocket route
}

// NewAdminRouter builds the admin HTTP handler: health, readiness, metrics
// and the optional websocket bridge.
func NewAdminRouter(routes AdminRoutes, logger *slog.Logger) http.Handler {
	health := NewHealthHandler(routes.Stats)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggingMiddleware(logger))

	r.Get("/health", health.Liveness)
	r.Get("/healthz", health.Liveness)
	r.Get("/ready", health.Readiness)
	r.Get("/readyz", health.Readiness)

	if routes.Metrics != nil && routes.MetricsPath != "" {
		r.Handle(routes.MetricsPath, routes.Metrics.Handler())
	}
	if routes.WebSocket != nil && routes.WebSocketPath != "" {
		r.Handle(routes.WebSocketPath, routes.WebSocket)
	}
	return r
}

// Admin is the HTTP listener for operators and browsers.
type Admin struct {
	cfg    config.AdminConfig
	logger *slog.Logger
	http   *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// NewAdmin creates the admin server around handler.
func NewAdmin(cfg config.AdminConfig, handler http.Handler, logger *slog.Logger) *Admin {
	return &Admin{
		cfg:    cfg,
		logger: logger,
		http: &http.Server{
			Addr:              cfg.Address,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start listens and serves until Stop. It returns nil after a clean stop.
func (a *Admin) Start() error {
	ln, err := net.Listen("tcp", a.cfg.Address)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", a.cfg.Address, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	a.logger.Info("admin listening", "address", ln.Addr().String(), "metrics_path", a.cfg.MetricsPath)

	if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start is listening.
func (a *Admin) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Stop gracefully shuts down the admin server.
func (a *Admin) Stop(ctx context.Context) error {
	return a.http.Shutdown(ctx)
}
