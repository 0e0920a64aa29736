package commands

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/burrow/internal/monitor"
)

func newMonitorCmd(a *app) *cobra.Command {
	var (
		once        bool
		strategy    string
		interval    time.Duration
		timeout     time.Duration
		maxFailures int
		schedule    string
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Detect and escalate tasks whose agent went quiet",
		Long: `Scan the working board for CLAIMED or IN_PROGRESS tasks that have not been
updated within the pending timeout, and escalate them.

Strategies:
  log_only      report stale tasks, change nothing
  mark_stalled  flag stale tasks as STALLED for 'burrow requeue'
  requeue       return stale tasks to the backlog; past max_failure_count
                they are archived as FAILED

Flags override the monitor section of burrow.yml.`,
		Example: `  # One scan, e.g. from an external scheduler
  burrow monitor --once

  # Scan every five minutes using cron syntax
  burrow monitor --schedule "*/5 * * * *"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.monitorConfig()
			cfg.Schedule = schedule
			f := cmd.Flags()
			if f.Changed("strategy") {
				cfg.Strategy = monitor.Strategy(strings.ToLower(strategy))
			}
			if f.Changed("interval") {
				cfg.CheckInterval = interval
			}
			if f.Changed("timeout") {
				cfg.PendingTimeout = timeout
			}
			if f.Changed("max-failures") {
				cfg.MaxFailureCount = maxFailures
			}

			m, err := monitor.New(a.board(), cfg, monitor.WithLogger(a.logger))
			if err != nil {
				return a.out.Error("invalid monitor settings", err.Error(), nil)
			}

			if once {
				rep, err := m.Scan(cmd.Context())
				if err != nil {
					return a.storeError(err)
				}
				a.out.Success("scanned %d working tasks: %d stale, %d marked, %d requeued, %d failed\n",
					rep.Scanned, len(rep.Stalled), len(rep.Marked), len(rep.Requeued), len(rep.Failed))
				return nil
			}

			return runUntilSignal(cmd.Context(), m.Run)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&once, "once", false, "Run a single scan and exit")
	f.StringVar(&strategy, "strategy", "", "Escalation strategy: log_only | mark_stalled | requeue")
	f.DurationVar(&interval, "interval", 0, "Time between scans")
	f.DurationVar(&timeout, "timeout", 0, "How long a held task may go without an update")
	f.IntVar(&maxFailures, "max-failures", 0, "Failures before a stale task is archived as FAILED (0 = unlimited)")
	f.StringVar(&schedule, "schedule", "", "Cron expression replacing --interval")
	return cmd
}

// monitorConfig converts the monitor section of burrow.yml.
func (a *app) monitorConfig() monitor.Config {
	mc := a.cfg.Monitor
	return monitor.Config{
		Strategy:        monitor.Strategy(mc.EscalationStrategy),
		CheckInterval:   mc.CheckInterval(),
		PendingTimeout:  mc.PendingTimeout(),
		MaxFailureCount: *mc.MaxFailureCount,
	}
}

// runUntilSignal runs fn with a context cancelled on SIGINT or SIGTERM.
func runUntilSignal(parent context.Context, fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx)
}
