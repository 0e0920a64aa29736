package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/burrow/internal/agent"
	"github.com/dyluth/burrow/pkg/agentid"
)

func newAgentCmd(a *app) *cobra.Command {
	var (
		command []string
		once    bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Claim and execute tasks as one agent",
		Long: `Run an agent loop: claim the most urgent eligible task, mark it IN_PROGRESS,
run the configured tool, and record COMPLETED or FAILED.

The tool receives a JSON document with the agent id, the task and any
messages drained from the agent's inbox on stdin. It must print a JSON object
with a non-empty "result" on stdout and exit 0.

On SIGINT or SIGTERM a running task is released back to the backlog.`,
		Example: `  # Run a worker with the tool from burrow.yml
  burrow agent --id worker-1

  # Process one task with an ad-hoc tool
  BURROW_AGENT_ID=worker-2 burrow agent --once --command ./agents/example-tool.sh`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ac := a.cfg.Agent

			id := a.v.GetString("agent_id")
			if id == "" {
				id = ac.ID
			}
			if err := agentid.Validate(id); err != nil {
				return a.out.Error("invalid agent id", err.Error(),
					[]string{"Pass --id, set BURROW_AGENT_ID, or set agent.id in burrow.yml"})
			}

			if len(command) == 0 {
				command = ac.Command
			}
			if len(command) == 0 {
				return a.out.Error("no agent command configured",
					"The agent needs a tool to run for each task.",
					[]string{"Pass --command", "Set agent.command in burrow.yml"})
			}

			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			exec := &agent.CommandExecutor{
				Command: command,
				Dir:     wd,
				Timeout: ac.Timeout(),
				Logger:  a.logger,
			}

			runner, err := agent.New(agent.Config{
				AgentID:           id,
				HeartbeatInterval: ac.HeartbeatInterval(),
				PollInterval:      ac.PollInterval(),
			}, a.board(), exec,
				agent.WithInbox(a.mailbox()),
				agent.WithBus(a.bus),
				agent.WithLogger(a.logger),
			)
			if err != nil {
				return err
			}

			if once {
				worked, err := runner.RunOnce(cmd.Context())
				if err != nil {
					return a.storeError(err)
				}
				switch {
				case !worked:
					a.out.Info("no eligible task\n")
				case runner.Completed() > 0:
					a.out.Success("%s completed a task\n", id)
				case runner.Failed() > 0:
					return fmt.Errorf("task failed, see 'burrow list archive --agent %s'", id)
				}
				return nil
			}

			return runUntilSignal(cmd.Context(), runner.Start)
		},
	}

	f := cmd.Flags()
	f.String("id", "", "Agent id (env BURROW_AGENT_ID, default agent.id from burrow.yml)")
	bindFlag(a.v, "agent_id", f, "id")
	f.StringSliceVar(&command, "command", nil, "Tool to run per task, overrides agent.command")
	f.BoolVar(&once, "once", false, "Process at most one task and exit")
	return cmd
}
