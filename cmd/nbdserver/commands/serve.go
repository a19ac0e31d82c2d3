package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/nbdserver/internal/config"
	"github.com/marmos91/nbdserver/internal/logger"
	"github.com/marmos91/nbdserver/internal/metrics"
	"github.com/marmos91/nbdserver/pkg/export"
	"github.com/marmos91/nbdserver/pkg/server"
)

var (
	serveExports []string
	serveAddr    string
)

var serveCmd = &cobra.Command{
	Use:   "serve [flags] [--export name driver driver-cfg]...",
	Short: "Serve one or more volumes over the NBD wire protocol",
	Long: `Serve starts the NBD listener and binds every configured export.
Exports come from the config file (see --config on the root command)
and can be extended with --export <name>, each followed by its own
<driver> <driver-cfg> positional pair; --export is repeatable:

  nbdserver serve --export vol1 raw file:/data/vol1 \
                  --export vol2 sharded file:/data/vol2`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringArrayVar(&serveExports, "export", nil,
		`add an export named <name>; its <driver> <driver-cfg> follow as positional arguments (repeatable)`)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override the listen address (host:port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	extra, err := parseExportFlags(serveExports, args)
	if err != nil {
		return err
	}
	cfg.Exports = append(cfg.Exports, extra...)
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}
	if len(cfg.Exports) == 0 {
		return fmt.Errorf("no exports configured: add one in the config file or with --export")
	}

	level, format, output := cfg.ToLoggerConfig()
	if err := logger.Init(logger.Config{Level: level, Format: format, Output: output}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := export.NewRegistry()
	for _, spec := range cfg.ExportSpecs() {
		exp, err := export.Open(ctx, spec)
		if err != nil {
			return fmt.Errorf("open export %q: %w", spec.Name, err)
		}
		if err := registry.Add(exp); err != nil {
			return err
		}
		logger.Info("export opened",
			slog.String("name", exp.Name),
			slog.String("driver", exp.DriverKind),
			slog.Uint64("size", exp.Size()))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := registry.Close(closeCtx); err != nil {
			logger.Warn("error closing exports", logger.Err(err))
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.Init()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Warn("metrics server stopped", logger.Err(err))
			}
		}()
	}

	ln := server.New(cfg.ListenAddr, registry)
	if err := ln.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// parseExportFlags pairs each repeated --export <name> value with the
// <driver> <driver-cfg> positional arguments that follow it on the
// command line, in order. Volume size comes from the backend's existing
// size stamp, set by a prior `nbdserver init`; shard size falls back to
// the configured default_shard_size.
func parseExportFlags(names []string, positional []string) ([]config.ExportConfig, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if len(positional) != len(names)*2 {
		return nil, fmt.Errorf("each --export <name> needs a <driver> <driver-cfg> pair; got %d names and %d positional args",
			len(names), len(positional))
	}
	specs := make([]config.ExportConfig, len(names))
	for i, name := range names {
		specs[i] = config.ExportConfig{
			Name:    name,
			Driver:  positional[2*i],
			Backend: positional[2*i+1],
		}
	}
	return specs, nil
}
