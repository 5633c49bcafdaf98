package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/sowilo/internal"
	pkgconfig "github.com/starford/sowilo/pkg/config"
)

type runFunc func(ctx context.Context, opts ...internal.Option) error

// action loads the config named by --config and hands it to run.
func action(run runFunc, extra func(*cli.Command) []internal.Option) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		configPath := cmd.String("config")

		cfg := internal.NewDefaultConfig()
		if err := pkgconfig.LoadOrDefault(configPath, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}

		opts := []internal.Option{
			internal.WithConfig(cfg),
		}
		if extra != nil {
			opts = append(opts, extra(cmd)...)
		}

		if err := run(ctx, opts...); err != nil {
			return fmt.Errorf("%s: %w", cmd.Name, err)
		}
		return nil
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "sowilo",
		Usage: "Local-first page store with push/pull sync to a server of record",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the sync server (push, pull, event stream)",
				Action: action(internal.RunServer, nil),
			},
			{
				Name:   "client",
				Usage:  "Run the background sync client",
				Action: action(internal.RunClient, nil),
			},
			{
				Name:   "sync",
				Usage:  "Run one sync cycle and print its summary",
				Action: action(internal.RunSync, nil),
			},
			{
				Name:   "wipe",
				Usage:  "Delete every local page, link and sync watermark",
				Action: action(internal.RunWipe, nil),
			},
			{
				Name:  "export",
				Usage: "Write every active local page to a directory as Markdown",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dir",
						Aliases:  []string{"d"},
						Usage:    "Destination directory",
						Required: true,
					},
				},
				Action: action(internal.RunExport, func(cmd *cli.Command) []internal.Option {
					return []internal.Option{internal.WithExportDir(cmd.String("dir"))}
				}),
			},
			{
				Name:   "mcp",
				Usage:  "Serve the local store over MCP on stdio",
				Action: action(internal.RunMCP, nil),
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
