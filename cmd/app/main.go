package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/ghostkb/internal"
	"github.com/starford/ghostkb/internal/models"
	"github.com/starford/ghostkb/internal/service"
	pkgconfig "github.com/starford/ghostkb/pkg/config"
)

var version = "dev"

func loadOptions(cmd *cli.Command) ([]internal.Option, error) {
	cfg := internal.NewDefaultConfig()
	if _, err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}, nil
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

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, opts...)
}

func reindex(ctx context.Context, cmd *cli.Command) error {
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	// Logs go to stderr so the report can be piped.
	opts = append(opts, internal.WithLogOutput(os.Stderr))
	report, err := internal.Reindex(ctx, cmd.Bool("reembed"), opts...)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	return printJSON(report)
}

func search(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() == 0 {
		return fmt.Errorf("search: query argument is required")
	}
	opts, err := loadOptions(cmd)
	if err != nil {
		return err
	}
	opts = append(opts, internal.WithLogOutput(os.Stderr))

	p := service.SearchParams{
		Query:  cmd.Args().First(),
		Viewer: cmd.String("ghost"),
		Topic:  cmd.String("topic"),
		Tag:    cmd.String("tag"),
		Limit:  int(cmd.Int("limit")),
		Expand: cmd.Bool("expand"),
	}
	for _, s := range cmd.StringSlice("scope") {
		p.Scopes = append(p.Scopes, models.Scope(s))
	}
	resp, err := internal.Search(ctx, p, opts...)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	return printJSON(resp)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	cmd := &cli.Command{
		Name:    "ghostkb",
		Usage:   "Shared knowledge vault for agent ghosts with hybrid keyword and semantic retrieval",
		Version: version,
		Action:  serve,
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
				Usage:  "Run the HTTP API with the file watcher and periodic reconciliation",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve the MCP tools over stdio",
				Action: serveMCP,
			},
			{
				Name:   "reindex",
				Usage:  "Reconcile the whole vault once and print the report",
				Action: reindex,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "reembed",
						Usage: "Re-embed chunks whose vectors came from a different model",
					},
				},
			},
			{
				Name:      "search",
				Usage:     "Query the index",
				ArgsUsage: "<query>",
				Action:    search,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "ghost", Usage: "Search as this ghost (adds its private scopes)", Sources: cli.EnvVars("GHOSTKB_GHOST")},
					&cli.StringSliceFlag{Name: "scope", Usage: "Restrict to scope (repeatable)"},
					&cli.StringFlag{Name: "topic", Usage: "Restrict to a reference topic"},
					&cli.StringFlag{Name: "tag", Usage: "Restrict to a tag and its children"},
					&cli.IntFlag{Name: "limit", Value: 10, Usage: "Maximum results"},
					&cli.BoolFlag{Name: "expand", Usage: "Include graph neighbours"},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
