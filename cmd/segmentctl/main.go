package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ignite/segment-engine/internal/app"
	"github.com/ignite/segment-engine/internal/cli"
	"github.com/ignite/segment-engine/internal/config"
)

func main() {
	root := cli.NewRootCommand(open)
	if err := root.Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}

func open(ctx context.Context, opts *cli.RootOptions) (*cli.Backend, error) {
	path := opts.Config
	if path == "" {
		path = os.Getenv("SEGMENTS_CONFIG")
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logFile := app.SetupLogging(cfg.Logging)

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b := &cli.Backend{
		Segments: a.Segments,
		Engine:   a.Engine,
		Members:  a.Snapshots,
		Close: func() {
			a.Close()
			if logFile != nil {
				logFile.Close()
			}
		},
	}
	if a.Archive != nil {
		b.Archive = a.Archive
	}
	return b, nil
}
