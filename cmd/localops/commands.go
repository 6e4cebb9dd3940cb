package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bobmatnyc/localops/internal/config"
	"github.com/bobmatnyc/localops/internal/deployment"
	"github.com/bobmatnyc/localops/internal/manager"
)

// command bundles the global flags for all CLI subcommands.
type command struct {
	flags *GlobalFlags
}

func (c command) client() *APIClient {
	return NewAPIClient(c.flags.APIUrl, c.flags.APITimeout)
}

// resolveConfig builds the deployment config to start: from the TOML config
// file when one names the id, otherwise from the inline flags.
func (c command) resolveConfig(f StartFlags) (deployment.Config, error) {
	if c.flags.ConfigPath != "" {
		fc, err := config.Load(c.flags.ConfigPath)
		if err != nil {
			return deployment.Config{}, err
		}
		for _, dc := range fc.Deployments {
			if dc.ID == f.ID {
				return dc, nil
			}
		}
		if f.Command == "" {
			return deployment.Config{}, fmt.Errorf("deployment %q not defined in %s", f.ID, c.flags.ConfigPath)
		}
	}
	if f.Command == "" {
		return deployment.Config{}, fmt.Errorf("--cmd required when no config file defines %q", f.ID)
	}
	cfg := deployment.Config{
		ID:            f.ID,
		Command:       f.Command,
		WorkDir:       f.WorkDir,
		Env:           f.EnvKVs,
		Port:          f.Port,
		PortAutoShift: f.PortAutoShift,
	}
	cfg.Log.Dir = f.LogDir
	cfg.HealthCheck.Endpoint = f.HealthPath
	cfg.HealthCheck.Interval = f.Interval
	cfg.Restart.Enabled = f.AutoRestart
	return cfg, nil
}

func (c command) Start(f StartFlags) error {
	cfg, err := c.resolveConfig(f)
	if err != nil {
		return err
	}
	rec, err := c.client().Start(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("started %s (pid %d, port %d)\n", rec.ID, rec.PID, rec.Port)
	return nil
}

func (c command) Stop(f StopFlags) error {
	if err := c.client().Stop(f.ID, f.Purge); err != nil {
		return err
	}
	fmt.Printf("stopped %s\n", f.ID)
	return nil
}

func (c command) Restart(id string) error {
	rec, err := c.client().Restart(id)
	if err != nil {
		return err
	}
	fmt.Printf("restarted %s (pid %d, port %d)\n", rec.ID, rec.PID, rec.Port)
	return nil
}

func (c command) Status(f StatusFlags) error {
	if f.ID == "" {
		snaps, err := c.client().List(f.Filter)
		if err != nil {
			return err
		}
		printSnapshots(snaps)
		return nil
	}
	snap, err := c.client().Status(f.ID)
	if err != nil {
		return err
	}
	printSnapshots([]manager.Snapshot{snap})
	return nil
}

func printSnapshots(snaps []manager.Snapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPID\tPORT\tRESTARTS\tCIRCUIT\tHEALTH\tAUTO")
	for _, s := range snaps {
		healthStr := "-"
		if s.Health != nil {
			healthStr = string(s.Health.Overall)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%v\n",
			s.Record.ID, s.Record.Status, s.Record.PID, s.Record.Port,
			s.Record.RestartCount, s.Record.CircuitState, healthStr, s.AutoRestart)
	}
	_ = w.Flush()
}

func (c command) Monitor(f MonitorFlags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.client().Monitor(ctx, f.ID, f.Interval, func(s manager.Snapshot) {
		healthStr := "-"
		if s.Health != nil {
			healthStr = string(s.Health.Overall)
		}
		fmt.Printf("%s  %-12s pid=%-7d health=%-10s restarts=%d circuit=%s\n",
			time.Now().Format("15:04:05"), s.Record.Status, s.Record.PID,
			healthStr, s.Record.RestartCount, s.Record.CircuitState)
	})
}

func (c command) History(f HistoryFlags) error {
	cl := c.client()
	if f.Health {
		results, err := cl.Health(f.ID)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%s  %s\n", r.Timestamp.Format(time.RFC3339), r.Overall)
			for _, t := range r.Tiers {
				if t.Detail != "" {
					fmt.Printf("    %-8s %-10s %s\n", t.Tier, t.Status, t.Detail)
				} else {
					fmt.Printf("    %-8s %s\n", t.Tier, t.Status)
				}
			}
		}
		return nil
	}
	evs, err := cl.RestartHistory(f.ID)
	if err != nil {
		return err
	}
	for _, e := range evs {
		fmt.Printf("%s  attempt=%d backoff=%s outcome=%-10s %s\n",
			e.Timestamp.Format(time.RFC3339), e.Attempt, e.Backoff, e.Outcome, e.Reason)
	}
	return nil
}

func (c command) Logs(id string) error {
	lines, err := c.client().Logs(id)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

func (c command) Alerts(id string) error {
	alerts, err := c.client().Alerts(id)
	if err != nil {
		return err
	}
	for _, a := range alerts {
		fmt.Printf("%s  %-20s %-8s %s  %s\n",
			a.Timestamp.Format(time.RFC3339), a.Type, a.Severity, a.DeploymentID, a.Evidence)
	}
	return nil
}

func (c command) SetAutoRestart(id string, enabled bool) error {
	if err := c.client().SetAutoRestart(id, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("auto-restart %s for %s\n", state, id)
	return nil
}
