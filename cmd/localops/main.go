package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bobmatnyc/localops/internal/deployment"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures onto the documented exit codes: 1 unknown
// deployment, 2 port conflict, 3 stop timeout, 1 for anything else.
func exitCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case "port_conflict":
			return 2
		case "stop_timeout":
			return 3
		}
		return 1
	}
	var (
		pErr *deployment.PortConflictError
		tErr *deployment.StopTimeoutError
	)
	switch {
	case errors.As(err, &pErr):
		return 2
	case errors.As(err, &tErr):
		return 3
	}
	return 1
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	startFlags := &StartFlags{}
	stopFlags := &StopFlags{}
	statusFlags := &StatusFlags{}
	monitorFlags := &MonitorFlags{}
	historyFlags := &HistoryFlags{}
	serveFlags := &ServeFlags{}

	cmd := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(cmd, startFlags),
		createStopCommand(cmd, stopFlags),
		createRestartCommand(cmd),
		createStatusCommand(cmd, statusFlags),
		createMonitorCommand(cmd, monitorFlags),
		createHistoryCommand(cmd, historyFlags),
		createLogsCommand(cmd),
		createAlertsCommand(cmd),
		createEnableAutoRestartCommand(cmd),
		createDisableAutoRestartCommand(cmd),
		createServeCommand(serveFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "localops",
		Short: "Local deployment supervision tool",
		Long: `Localops supervises locally deployed processes: start, stop, and restart
them in isolated process groups, watch tiered health checks, and recover
crashes with backoff behind a circuit breaker.

Examples:
  localops start --id=web --cmd="python app.py" --port=8000
  localops status --id=web
  localops serve --config=./localops.toml
  localops monitor --id=web`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default: http://localhost:8080/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return root
}

func createStartCommand(c command, f *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a deployment",
		Long: `Start a deployment. The config comes from the TOML config file when it
defines the id, otherwise from the inline flags.

Examples:
  localops start --id=web --cmd="python app.py" --port=8000 --auto-restart
  localops start --id=api --config=./localops.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(*f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "deployment id (required)")
	cmd.Flags().StringVar(&f.Command, "cmd", "", "command to run")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "working directory")
	cmd.Flags().IntVar(&f.Port, "port", 0, "port to allocate (0 = none)")
	cmd.Flags().BoolVar(&f.PortAutoShift, "port-auto-shift", false, "try successive ports when busy")
	cmd.Flags().StringArrayVar(&f.EnvKVs, "env", nil, "environment KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&f.LogDir, "log-dir", "", "directory for captured output")
	cmd.Flags().StringVar(&f.HealthPath, "health-path", "", "HTTP health endpoint path")
	cmd.Flags().DurationVar(&f.Interval, "health-interval", 0, "health polling interval")
	cmd.Flags().BoolVar(&f.AutoRestart, "auto-restart", false, "restart automatically on failure")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createStopCommand(c command, f *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(*f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "deployment id (required)")
	cmd.Flags().BoolVar(&f.Purge, "purge", false, "remove the persisted record as well")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createRestartCommand(c command) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart a deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(id)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "deployment id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createStatusCommand(c command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show deployment status",
		Long: `Show the status of one deployment, or of all deployments when no id is
given.

Examples:
  localops status
  localops status --id=web
  localops status --filter=running`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(*f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "deployment id (all when empty)")
	cmd.Flags().StringVar(&f.Filter, "filter", "", "status filter for listings")
	return cmd
}

func createMonitorCommand(c command, f *MonitorFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream live status for a deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Monitor(*f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "deployment id (required)")
	cmd.Flags().DurationVar(&f.Interval, "interval", 2*time.Second, "refresh interval")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createHistoryCommand(c command, f *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show restart or health history for a deployment",
		Long: `Show the restart-event log for a deployment, or the buffered health
results with --health.

Examples:
  localops history --id=web
  localops history --id=web --health`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(*f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "deployment id (required)")
	cmd.Flags().BoolVar(&f.Health, "health", false, "show health history instead of restarts")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createLogsCommand(c command) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent captured output for a deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Logs(id)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "deployment id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createAlertsCommand(c command) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show stability alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Alerts(id)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "deployment id (all when empty)")
	return cmd
}

func createEnableAutoRestartCommand(c command) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "enable-auto-restart",
		Short: "Enable automatic restarts for a deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.SetAutoRestart(id, true)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "deployment id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createDisableAutoRestartCommand(c command) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "disable-auto-restart",
		Short: "Disable automatic restarts for a deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.SetAutoRestart(id, false)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "deployment id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}
