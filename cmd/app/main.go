package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/notesync/internal"
	"github.com/starford/notesync/internal/kbsync"
	pkgconfig "github.com/starford/notesync/pkg/config"
)

func loadOptions(cmd *cli.Command) ([]internal.Option, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if cmd.IsSet("config") {
		if err := pkgconfig.Load(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if _, err := pkgconfig.LoadOrDefault(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return []internal.Option{
		internal.WithConfig(cfg),
	}, nil
}

func printResult(res *kbsync.Result) error {
	if res == nil {
		fmt.Println("sync already in progress")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func serve(ctx context.Context, cmd *cli.Command) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func bind(ctx context.Context, cmd *cli.Command) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	res, err := internal.Bind(ctx, cmd.String("server"), cmd.String("user"), cmd.String("password"), opts...)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	return printResult(res)
}

func syncOnce(ctx context.Context, cmd *cli.Command) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	res, err := internal.Sync(ctx, opts...)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return printResult(res)
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	return internal.ServeMCP(ctx, opts...)
}

func main() {
	cmd := &cli.Command{
		Name:   "notesync",
		Usage:  "Local-first Markdown notes with full-text search and sync to a knowledge server",
		Action: serve,
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
				Usage:  "Run the local API server and background sync",
				Action: serve,
			},
			{
				Name:    "bind",
				Aliases: []string{"login"},
				Usage:   "Log in to an account and download its notes",
				Action:  bind,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "server",
						Usage: "Account server URL (defaults to remote.server)",
					},
					&cli.StringFlag{
						Name:     "user",
						Aliases:  []string{"u"},
						Usage:    "Account user id",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "password",
						Aliases:  []string{"p"},
						Usage:    "Account password",
						Required: true,
						Sources:  cli.EnvVars("NOTESYNC_PASSWORD"),
					},
				},
			},
			{
				Name:   "sync",
				Usage:  "Run one sync of the bound account and print the result",
				Action: syncOnce,
			},
			{
				Name:   "mcp",
				Usage:  "Serve notes to LLM clients over MCP on stdin/stdout",
				Action: mcp,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
