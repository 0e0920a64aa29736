package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/burrow/internal/watch"
	"github.com/dyluth/burrow/pkg/eventbus"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		output   string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream task and agent activity",
		Long: `Stream claims, completions, failures, releases, stalls, heartbeats and
messages as they happen.

With a relay section in burrow.yml, events arrive from Redis as every agent
publishes them, heartbeats included. Without one, the boards are polled and
task transitions are derived from the differences.

Output formats:
  default  human-readable, one line per event
  json     one event envelope per line`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format := watch.OutputFormat(output)
			switch format {
			case watch.OutputFormatDefault, watch.OutputFormatJSON:
			default:
				return fmt.Errorf("unknown output format %q (must be 'default' or 'json')", output)
			}

			return runUntilSignal(cmd.Context(), func(ctx context.Context) error {
				var (
					events <-chan eventbus.Event
					errs   <-chan error
				)
				if a.relay != nil {
					sub, err := a.relay.Subscribe(ctx)
					if err != nil {
						return a.out.Error("relay unavailable", err.Error(),
							[]string{"Check relay.redis_url in burrow.yml", "Remove the relay section to poll the boards instead"})
					}
					defer sub.Close()
					events, errs = sub.Events(), sub.Errors()
				} else {
					events = watch.NewPoller(a.board(), interval, a.logger).Run(ctx)
				}

				if format == watch.OutputFormatDefault {
					a.out.Step("watching %s (Ctrl+C to stop)\n", a.cfg.Board.Dir)
				}
				return watch.Stream(ctx, events, errs, format, a.out.Out())
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "default", "Output format: default | json")
	f.DurationVar(&interval, "interval", time.Second, "Board poll interval when no relay is configured")
	return cmd
}
