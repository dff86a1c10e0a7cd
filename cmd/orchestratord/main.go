// Command orchestratord runs the debug orchestrator: it owns the
// session manager and exposes it over a minimal JSON-RPC listener for
// the tool server, plus a Prometheus metrics endpoint. The wire
// schema here is intentionally thin; the orchestration logic lives in
// internal/core.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caboose-desktop/debugctl/internal/core/config"
	applog "github.com/caboose-desktop/debugctl/internal/core/log"
	"github.com/caboose-desktop/debugctl/internal/core/metrics"
	"github.com/caboose-desktop/debugctl/internal/core/session"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "orchestratord",
		Short: "Multi-language debugger orchestrator",
		Long:  "orchestratord manages concurrent debug sessions, each driving a language-specific DAP adapter (debugpy, vscode-js-debug, Delve, CodeLLDB) on behalf of a coding agent.",
	}

	var configDir string
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory containing "+config.ConfigFileName)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configDir)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("configuration ok")
			return nil
		},
	})
	rootCmd.AddCommand(serveCmd, versionCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(configDir string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	diags := applog.NewStreamer(cfg.Log.BufferSize)
	tracker := metrics.NewTracker()

	mgr := session.NewManager(session.Options{
		Logger:            logger,
		Diagnostics:       diags,
		Metrics:           tracker,
		TraceBufferSize:   cfg.Traces.BufferSize,
		TraceMaxVariables: cfg.Traces.MaxVariables,
		DumpDir:           cfg.Traces.DumpDir,
		LaunchWait:        time.Duration(cfg.Timeouts.LaunchWaitMillis) * time.Millisecond,
		DisconnectTimeout: time.Duration(cfg.Timeouts.Disconnect) * time.Second,
	})

	watcher, err := config.Watch(configDir, logger, func(next *config.Config) {
		// A reload is only logged: the manager keeps the options it
		// was built with, for live and new sessions alike.
		logger.Info("configuration updated", "listen", next.Listen)
	})
	if err != nil {
		logger.Warn("config hot-reload unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tracker.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListen, metricsMux); err != nil {
				logger.Warn("metrics endpoint failed", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsListen)
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: newRPCHandler(mgr, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orchestrator listening", "addr", cfg.Listen, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("listener failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	mgr.Shutdown(ctx)
	_ = srv.Shutdown(ctx)
	return nil
}
