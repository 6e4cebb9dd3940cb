package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bobmatnyc/localops"
	"github.com/bobmatnyc/localops/internal/config"
	"github.com/bobmatnyc/localops/internal/logger"
)

func createServeCommand(flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the localops daemon",
		Long: `Start the localops daemon: it supervises the deployments from the config
file, serves the HTTP API, and runs the health, restart, and stability
monitors.

Examples:
  localops serve --config=./localops.toml
  localops serve --listen=:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "API listen address (overrides config)")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	return cmd
}

func runServe(f ServeFlags) error {
	cfg := &config.Config{}
	if f.ConfigPath != "" {
		loaded, err := localops.LoadConfig(f.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	level := f.LogLevel
	if cfg.Log.Level != "" && f.LogLevel == "info" {
		level = cfg.Log.Level
	}
	logger.Setup(level, cfg.Log.Color)

	if err := localops.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	var sinks []localops.EventSink
	if cfg.History != nil {
		for _, dsn := range cfg.History.Sinks {
			sink, err := localops.NewSinkFromDSN(dsn)
			if err != nil {
				return fmt.Errorf("history sink %q: %w", dsn, err)
			}
			sinks = append(sinks, sink)
		}
	}

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = ".localops/state"
	}
	mgr, err := localops.New(localops.Options{
		StateDir:  stateDir,
		GlobalEnv: cfg.GlobalEnv,
		Sinks:     sinks,
	})
	if err != nil {
		return fmt.Errorf("init manager: %w", err)
	}

	ctx := context.Background()
	if err := mgr.Reconcile(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "reconcile warning: %v\n", err)
	}
	if len(cfg.Deployments) > 0 {
		if err := mgr.StartAll(ctx, cfg.Deployments); err != nil {
			fmt.Fprintf(os.Stderr, "some deployments failed to start: %v\n", err)
		}
	}

	listen := ":8080"
	basePath := "/api"
	if cfg.Server != nil {
		if cfg.Server.Listen != "" {
			listen = cfg.Server.Listen
		}
		if cfg.Server.BasePath != "" {
			basePath = cfg.Server.BasePath
		}
	}
	if f.Listen != "" {
		listen = f.Listen
	}
	srv, err := localops.NewHTTPServer(listen, basePath, mgr)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	fmt.Printf("localops daemon listening on %s%s\n", listen, basePath)

	if cfg.Metrics != nil && cfg.Metrics.Listen != "" {
		go func() {
			if err := localops.ServeMetrics(cfg.Metrics.Listen); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	return srv.Close()
}
