package commands

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/dyluth/burrow/internal/httpapi"
	"github.com/dyluth/burrow/internal/metrics"
	"github.com/dyluth/burrow/internal/monitor"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr        string
		withMonitor bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve read-only board and mailbox views over HTTP",
		Long: `Serve the boards and mailboxes as JSON, with Prometheus metrics.

Endpoints:
  GET /healthz                      board readability
  GET /tasks?board=&status=         task listing
  GET /tasks/{id}                   one task, from any board
  GET /tasks/{board}/{id}           one task, only if on that board
  GET /mailbox/{agent}              inbox, without draining it
  GET /mailbox/{agent}/outbox       sent messages
  GET /metrics                      Prometheus metrics

Event counters are fed from the relay when one is configured, otherwise from
this process only. Use --monitor to run the stall monitor in-process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}
			b := a.board()

			m := metrics.New()
			if err := m.WatchBoard(b); err != nil {
				return err
			}

			return runUntilSignal(cmd.Context(), func(ctx context.Context) error {
				if a.relay != nil {
					sub, err := a.relay.Subscribe(ctx)
					if err != nil {
						return a.out.Error("relay unavailable", err.Error(),
							[]string{"Check relay.redis_url in burrow.yml"})
					}
					defer sub.Close()
					go func() {
						for ev := range sub.Events() {
							m.Observe(ev)
						}
					}()
				} else {
					m.Attach(a.bus)
				}

				var monitorDone <-chan struct{}
				if withMonitor {
					mon, err := monitor.New(b, a.monitorConfig(), monitor.WithLogger(a.logger))
					if err != nil {
						return err
					}
					monitorDone = startMonitor(ctx, mon, a.logger)
				}

				srv := httpapi.New(addr, b,
					httpapi.WithMetrics(m.Handler()),
					httpapi.WithMailbox(a.mailbox()),
					httpapi.WithLogger(a.logger),
				)
				if err := srv.Start(); err != nil {
					return a.out.Error("cannot start server", err.Error(),
						[]string{"Pick another address with --addr"})
				}
				a.out.Success("serving on http://%s\n", srv.Addr())

				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err := srv.Shutdown(shutdownCtx)
				if monitorDone != nil {
					<-monitorDone
				}
				return err
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "Listen address (default http.addr from burrow.yml)")
	f.BoolVar(&withMonitor, "monitor", false, "Also run the stall monitor")
	return cmd
}

// startMonitor runs mon in the background. The returned channel is closed
// once Run has returned, which is after its scheduler has stopped.
func startMonitor(ctx context.Context, mon *monitor.Monitor, logger *log.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := mon.Run(ctx); err != nil {
			logger.Error("monitor stopped", "err", err)
		}
	}()
	return done
}
