// Package main provides the exportd binary entry point.
// Exportd orchestrates long-running export jobs: it polls the export
// provider, streams finished artifacts into object storage, and reports
// completion back to the workflow engine over NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/exportd/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "exportd"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath   string
		logLevel     string
		embeddedNATS bool
	)

	cmd := &cobra.Command{
		Use:   "exportd",
		Short: "Export job orchestration service",
		Long: `Exportd orchestrates long-running export jobs.

It accepts job submissions over NATS, polls the export provider until
artifacts are ready, streams each artifact into object storage with
integrity checks, and reports completion back to the workflow engine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, embeddedNATS)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&embeddedNATS, "embedded-nats", false, "Run an embedded NATS server instead of connecting out")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string, embeddedNATS bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if embeddedNATS {
		cfg.NATS.Embedded = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// The level var lets the config watcher adjust verbosity at runtime.
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.LogLevel())

	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	app := NewApp(cfg, logger, levelVar)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx, configPath); err != nil {
		return err
	}

	logger.Info("Exportd ready", "version", Version)

	// Block until shutdown signal
	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	app.Shutdown(cfg.Pool.ShutdownGrace)

	logger.Info("Exportd shutdown complete")
	return nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(slog.Default()).Load()
}
