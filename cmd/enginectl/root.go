package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/seantiz/enginebridge/internal/bridge"
	"github.com/seantiz/enginebridge/internal/config"
	"github.com/seantiz/enginebridge/internal/facade"
)

// app carries what every subcommand shares.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	enginesFile  string
	cacheBackend string
	logLevel     string
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "enginectl",
		Short: "Drive analysis engines from the command line",
		Long: `enginectl loads engines from an engine catalogue and runs searches
against them, one position at a time or as a batch.

Configuration comes from ENGINEBRIDGE_* environment variables (and a .env
file when present); the flags below override them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&a.enginesFile, "engines", "", "Engine catalogue file")
	cmd.PersistentFlags().StringVar(&a.cacheBackend, "cache", "", "Resource cache backend: memory, sqlite, redis")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	cmd.AddCommand(newEnginesCmd(a), newAnalyzeCmd(a), newBatchCmd(a))
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	a.cfg = config.Load()
	if a.enginesFile != "" {
		a.cfg.EnginesFile = a.enginesFile
	}
	if a.cacheBackend != "" {
		a.cfg.Cache.Backend = a.cacheBackend
	}
	if a.logLevel != "" {
		a.cfg.LogLevel = config.ParseLogLevel(a.logLevel)
	}
	a.logger = config.NewLogger(cmd.ErrOrStderr(), a.cfg.LogLevel)
	return nil
}

func (a *app) openBridge(ctx context.Context) (*bridge.Bridge, func(context.Context) error, error) {
	return bridge.Open(ctx, a.cfg, a.logger)
}

// loadEngine hands out a loaded facade for id. Engines with terms are only
// loaded when accept is set.
func (a *app) loadEngine(ctx context.Context, br *bridge.Bridge, id string, accept bool) (*facade.Facade, error) {
	f, err := br.GetEngine(id, facade.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	if cfg := f.Config(); cfg.RequiresConsent() {
		if !accept {
			return nil, fmt.Errorf("engine %s requires accepting its terms (%s); rerun with --accept-terms", id, cfg.Disclaimer)
		}
		f.GrantConsent()
	}
	if err := f.Load(ctx); err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return f, nil
}
