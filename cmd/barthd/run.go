package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/barthlab/kernel/pkg/config"
	"github.com/barthlab/kernel/pkg/daemon"
	"github.com/barthlab/kernel/pkg/log"
	"github.com/barthlab/kernel/pkg/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the kernel daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("cmd")

		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfgPath).Msg("falling back to default config")
			cfg = config.Default()
		}

		dbFlag, _ := cmd.Flags().GetString("db")
		opts := daemon.Options{
			DBPath:           resolveDBPath(dbFlag),
			Config:           cfg,
			SpeedFactor:      resolveSpeedFactor(),
			CadenceOverrides: resolveCadenceOverrides(),
		}

		ctx := context.Background()
		d, err := daemon.New(ctx, opts)
		if err != nil {
			return fmt.Errorf("construct daemon: %w", err)
		}

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}

		metricsAddr := ":9477"
		mux := http.NewServeMux()
		if metricsInternalOnly() {
			mux.Handle("/internal/metrics", metrics.InternalHandler())
		} else {
			mux.Handle("/metrics", metrics.Handler())
		}
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()

		logger.Info().Str("db", opts.DBPath).Msg("barthd running, press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		if err := d.Shutdown(); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func resolveDBPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("BARTH_DB_PATH"); env != "" {
		return env
	}
	return filepath.Join("data", "barth.db")
}

func resolveSpeedFactor() float64 {
	env := os.Getenv("BARTH_SPEED_FACTOR")
	if env == "" {
		return 1.0
	}
	f, err := strconv.ParseFloat(env, 64)
	if err != nil || f < 0.001 {
		return 1.0
	}
	return f
}

func resolveCadenceOverrides() map[string]string {
	overrides := map[string]string{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		if !strings.HasPrefix(key, "DRIVE_") {
			continue
		}
		id := strings.ToLower(strings.TrimPrefix(key, "DRIVE_"))
		if value != "" {
			overrides[id] = value
		}
	}
	return overrides
}

func metricsInternalOnly() bool {
	switch strings.ToLower(os.Getenv("METRICS_INTERNAL_ONLY")) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
