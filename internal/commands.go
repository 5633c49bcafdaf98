package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/sowilo/internal/localstore"
	"github.com/starford/sowilo/internal/mcpserver"
	"github.com/starford/sowilo/internal/storage"
	"github.com/starford/sowilo/internal/syncclient"
	"github.com/starford/sowilo/internal/vault"
)

func openClient(app *application, logger *slog.Logger) (*localstore.Store, *syncclient.Manager, error) {
	cfg := app.config.Client
	store, err := localstore.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("init local store: %w", err)
	}
	transport := syncclient.NewHTTPTransport(cfg.ServerURL, cfg.Token, cfg.RequestTimeout)
	return store, syncclient.NewManager(store, transport, logger), nil
}

// withStderrLogs sends logs to stderr unless opts choose otherwise, leaving
// stdout to the command's own output.
func withStderrLogs(opts []Option) []Option {
	return append([]Option{WithLogOutput(os.Stderr)}, opts...)
}

// RunSync runs a single sync cycle and prints its summary as JSON on stdout.
// Logs go to stderr.
func RunSync(ctx context.Context, opts ...Option) error {
	app, logger, err := setup(withStderrLogs(opts))
	if err != nil {
		return err
	}
	store, manager, err := openClient(app, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := manager.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	enc := json.NewEncoder(app.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// RunWipe clears every local page, link and sync watermark.
func RunWipe(ctx context.Context, opts ...Option) error {
	app, logger, err := setup(opts)
	if err != nil {
		return err
	}
	store, err := localstore.Open(app.config.Client.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init local store: %w", err)
	}
	defer store.Close()

	before, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	if err := store.Wipe(ctx); err != nil {
		return err
	}
	logger.Info("Local store wiped",
		slog.Int("pages", before.Pages),
		slog.Int("links", before.Links),
		slog.Int("unsynced", before.Dirty))
	return nil
}

// RunExport writes every active local page as a Markdown file.
func RunExport(ctx context.Context, opts ...Option) error {
	app, logger, err := setup(opts)
	if err != nil {
		return err
	}
	if app.exportDir == "" {
		return fmt.Errorf("export dir is required")
	}
	if err := os.MkdirAll(app.exportDir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	files, err := storage.NewFS(app.exportDir)
	if err != nil {
		return fmt.Errorf("init export dir: %w", err)
	}
	store, err := localstore.Open(app.config.Client.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init local store: %w", err)
	}
	defer store.Close()

	n, err := vault.NewImporter(store, files, logger).Export(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	logger.Info("Pages exported", slog.Int("count", n), slog.String("dir", files.Root()))
	return nil
}

// RunMCP serves the local store over MCP on stdio. Logs go to stderr since
// stdout carries the protocol.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, logger, err := setup(withStderrLogs(opts))
	if err != nil {
		return err
	}
	store, manager, err := openClient(app, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var assets storage.Provider
	if dir := app.config.Client.AssetsDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create assets dir: %w", err)
		}
		if assets, err = storage.NewFS(dir); err != nil {
			return fmt.Errorf("init assets dir: %w", err)
		}
	}

	logger.Info("MCP server starting", slog.String("sqlite_path", app.config.Client.SQLite.Path))
	return mcpserver.New(store, manager, assets).ServeStdio()
}
