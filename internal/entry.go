// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/sowilo/internal/api"
	"github.com/starford/sowilo/internal/localstore"
	"github.com/starford/sowilo/internal/pageservice"
	"github.com/starford/sowilo/internal/remotestore"
	"github.com/starford/sowilo/internal/sse"
	"github.com/starford/sowilo/internal/storage"
	"github.com/starford/sowilo/internal/syncclient"
	"github.com/starford/sowilo/internal/vault"
)

// setup applies opts and installs the structured JSON logger as default.
func setup(opts []Option) (*application, *slog.Logger, error) {
	app := &application{logOutput: os.Stdout, stdout: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}

	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: app.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return app, logger, nil
}

// RunServer starts the sync server: push, pull and the event stream.
func RunServer(ctx context.Context, opts ...Option) error {
	app, logger, err := setup(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.Server.SQLite.Path),
		slog.String("auth_mode", cfg.Server.Auth.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	db, err := remotestore.Open(cfg.Server.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init server store: %w", err)
	}
	defer db.Close()

	broker := sse.NewBroker(time.Second)
	defer broker.Close()

	svc := pageservice.NewService(db, logger, broker)
	apiRouter := api.NewRouter(svc, db, api.RouterOptions{
		AuthEnabled:  cfg.Server.Auth.AuthEnabled(),
		Tokens:       cfg.Server.Auth.Tokens,
		DefaultOwner: cfg.Server.Auth.DefaultOwner,
		Events:       broker,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		waitForShutdown(gCtx, logger)
		logger.Info("Shutting down server...")

		// Event streams never finish on their own; close them before draining.
		broker.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunClient runs the background sync daemon: a cycle at startup, then one
// every sync interval and on every server change event. With an import
// directory configured, Markdown files there are mirrored into the store.
func RunClient(ctx context.Context, opts ...Option) error {
	app, logger, err := setup(opts)
	if err != nil {
		return err
	}
	cfg := app.config.Client

	logger.Info("Configuration loaded",
		slog.String("server_url", cfg.ServerURL),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.String("import_dir", cfg.ImportDir),
		slog.Bool("listen_events", cfg.ListenEvents))

	store, err := localstore.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init local store: %w", err)
	}
	defer store.Close()

	transport := syncclient.NewHTTPTransport(cfg.ServerURL, cfg.Token, cfg.RequestTimeout)
	manager := syncclient.NewManager(store, transport, logger)

	var importer *vault.Importer
	if cfg.ImportDir != "" {
		if err := os.MkdirAll(cfg.ImportDir, 0o755); err != nil {
			return fmt.Errorf("create import dir: %w", err)
		}
		files, err := storage.NewFS(cfg.ImportDir)
		if err != nil {
			return fmt.Errorf("init import dir: %w", err)
		}
		importer = vault.NewImporter(store, files, logger)
	}

	triggers := make(chan struct{}, 1)
	g, gCtx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gCtx)
	defer stop()

	g.Go(func() error {
		return manager.Run(runCtx, cfg.SyncInterval, triggers)
	})

	if cfg.ListenEvents {
		g.Go(func() error {
			syncclient.Listen(runCtx, transport, triggers, logger)
			return nil
		})
	}

	if importer != nil {
		g.Go(func() error {
			if err := importer.Watch(runCtx); err != nil {
				return fmt.Errorf("import watcher: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		waitForShutdown(runCtx, logger)
		stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Client stopped successfully")
	return nil
}

// waitForShutdown blocks until SIGINT/SIGTERM arrives or ctx is done.
func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}
}
