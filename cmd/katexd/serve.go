package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sadewadee/katexd/internal/config"
	"github.com/sadewadee/katexd/internal/handler"
	"github.com/sadewadee/katexd/internal/pool"
	"github.com/sadewadee/katexd/internal/server"
	"github.com/sadewadee/katexd/internal/websocket"
)

func newServeCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the render server",
		Long: `Start the render server.

Listens on --socket, --port, or the config file's listen section. With
none of them set the server listens on katexd.sock in the temp dir.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}
}

func runServe(cmd *cobra.Command, flags *cliFlags) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	logger, logCloser := setupLogger(cfg.Logging)
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger.Info("katexd starting", "version", version, "listen", cfg.Listen.String())

	workerPool := pool.New(cfg.Pool, cfg.Renderer, logger)
	if err := workerPool.Start(); err != nil {
		logger.Error("failed to start worker pool", "error", err)
		return err
	}
	defer func() {
		if err := workerPool.Stop(); err != nil {
			logger.Error("pool shutdown error", "error", err)
		}
	}()

	metrics := server.NewMetrics(workerPool)
	h := handler.New(workerPool, logger)
	h.SetObserver(metrics)

	srv := server.New(cfg.Listen, cfg.Server, h, metrics, logger)
	if err := srv.Listen(); err != nil {
		logger.Error("failed to listen", "error", err)
		return err
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var wsManager *websocket.Manager
	var admin *server.Admin
	if cfg.Admin.Enabled {
		routes := server.AdminRoutes{
			MetricsPath: cfg.Admin.MetricsPath,
			Metrics:     metrics,
			Stats:       workerPool,
		}
		if cfg.WebSocket.Enabled {
			wsManager = websocket.NewManager(h, logger)
			wsManager.SetObserver(metrics)
			routes.WebSocketPath = cfg.WebSocket.Path
			routes.WebSocket = websocket.NewHandler(wsManager, cfg.WebSocket.MaxMessageSize, logger)
		}

		admin = server.NewAdmin(cfg.Admin, server.NewAdminRouter(routes, logger), logger)
		go func() {
			if err := admin.Start(); err != nil {
				logger.Error("admin server error", "error", err)
				quit <- syscall.SIGTERM
			}
		}()
	}

	if cfg.Watch.Enabled {
		if paths := watchPaths(cfg); len(paths) > 0 {
			watcher := pool.NewWatcher(paths, cfg.Watch.Interval.Duration(), logger, func() {
				if err := workerPool.Reload(); err != nil {
					logger.Error("reload failed", "error", err)
				}
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	// SIGHUP reloads workers; SIGUSR1 is kept as an alias.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(reload)
	go func() {
		for range reload {
			logger.Info("reload signal received, reloading workers")
			if err := workerPool.Reload(); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve()
	}()

	logger.Info("katexd ready", "address", srv.Addr().String())

	var runErr error
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, server.ErrServerClosed) {
			logger.Error("server error", "error", err)
			runErr = err
		}
	}

	shutdown(cfg, srv, admin, wsManager, logger)
	logger.Info("katexd stopped")
	return runErr
}

func shutdown(cfg *config.Config, srv *server.Server, admin *server.Admin, ws *websocket.Manager, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if ws != nil {
		ws.CloseAll()
	}
	if admin != nil {
		if err := admin.Stop(ctx); err != nil {
			logger.Error("admin shutdown error", "error", err)
		}
	}
}

// watchPaths returns the configured watch dirs, or the worker script and
// KaTeX bundle when none are configured.
func watchPaths(cfg *config.Config) []string {
	if len(cfg.Watch.Dirs) > 0 {
		return cfg.Watch.Dirs
	}
	var paths []string
	for _, p := range []string{cfg.Renderer.Script, cfg.Renderer.KatexPath} {
		if p != "" && fileExists(p) {
			paths = append(paths, p)
		}
	}
	return paths
}
