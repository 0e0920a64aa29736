package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dyluth/burrow/internal/report"
	"github.com/dyluth/burrow/internal/resolver"
	"github.com/dyluth/burrow/internal/timespec"
	"github.com/dyluth/burrow/internal/watch"
	"github.com/dyluth/burrow/pkg/board"
)

func newAddCmd(a *app) *cobra.Command {
	var (
		description string
		priority    int
		deps        []string
		meta        []string
		wait        bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "add [task-id]",
		Short: "Add a PENDING task to the backlog",
		Long: `Add a PENDING task to the backlog.

A random id is generated when none is given. Lower priority values are claimed
first; a task with --dep is not claimable until every dependency is COMPLETED.

Use --wait to block until the task reaches COMPLETED or FAILED, then exit
non-zero if it failed.`,
		Example: `  # Add a task and let agents pick it up
  burrow add build-docs --description "Regenerate API docs" --priority 5

  # Chain work, then wait for the result
  burrow add publish --dep build-docs --wait --timeout 10m`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id := uuid.NewString()
			if len(args) == 1 {
				id = args[0]
			}

			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}

			b := a.board()
			task, err := b.AddTask(ctx, board.Task{
				ID:           id,
				Description:  description,
				Priority:     priority,
				Dependencies: deps,
				Metadata:     metadata,
			})
			if errors.Is(err, board.ErrDuplicateTask) {
				return a.out.Error("task already exists", err.Error(),
					[]string{"Pick a different id, or omit it to get a generated one"})
			}
			if err != nil {
				return a.storeError(err)
			}
			a.out.Success("added %s\n", task.ID)

			if !wait {
				return nil
			}

			a.out.Step("waiting for %s to finish...\n", task.ID)
			done, err := watch.WaitForStatus(ctx, b, task.ID,
				[]board.Status{board.StatusCompleted, board.StatusFailed}, 500*time.Millisecond, timeout)
			if err != nil {
				return a.out.Error("wait failed", err.Error(), nil)
			}
			if done.Status == board.StatusFailed {
				return a.out.Error(fmt.Sprintf("task %s failed", done.ID), done.Error, nil)
			}
			a.out.Success("%s completed\n", done.ID)
			if done.Result != "" {
				a.out.Info("%s\n", done.Result)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&description, "description", "d", "", "What the task asks for")
	f.IntVarP(&priority, "priority", "p", 0, "Priority, lower is more urgent")
	f.StringSliceVar(&deps, "dep", nil, "Task id that must complete first (repeatable)")
	f.StringArrayVar(&meta, "meta", nil, "Metadata as key=value (repeatable)")
	f.BoolVar(&wait, "wait", false, "Block until the task is COMPLETED or FAILED")
	f.DurationVar(&timeout, "timeout", 5*time.Minute, "Maximum time to wait with --wait")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Print one task as JSON",
		Long: `Print one task as JSON, with the board it is on.

Ids may be shortened to any unique prefix of at least six characters.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := a.board()
			id, err := a.resolveTask(cmd.Context(), b, args[0])
			if err != nil {
				return err
			}
			task, kind, err := b.Get(cmd.Context(), id)
			if err != nil {
				return a.storeError(err)
			}
			return report.FormatSingleJSON(a.out.Out(), struct {
				Board board.Kind `json:"board"`
				*board.Task
			}{kind, task})
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		status string
		agent  string
		idGlob string
		since  string
		until  string
		output string
	)

	cmd := &cobra.Command{
		Use:   "list [board...]",
		Short: "List tasks on the boards",
		Long: `List tasks on the backlog, working and archive boards.

Pass board names to restrict the listing. Filters combine with AND.

Time filters accept durations relative to now (1h, 30m, 7d) or absolute
RFC3339 timestamps, and match against updated_at.`,
		Example: `  # Everything currently held by an agent
  burrow list working

  # Failures from the last day as JSON lines
  burrow list archive --status FAILED --since 1d -o jsonl

  # Tasks worker-1 touched
  burrow list --agent worker-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			now := time.Now()

			kinds, err := parseKinds(args)
			if err != nil {
				return err
			}
			format, err := report.ParseFormat(output)
			if err != nil {
				return err
			}
			window, err := timespec.ParseRange(since, until, now)
			if err != nil {
				return err
			}
			filter := report.Filter{Window: window, Agent: agent, IDGlob: idGlob}
			if status != "" {
				filter.Status = board.Status(strings.ToUpper(status))
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}

			b := a.board()
			var all []board.Task
			for i, kind := range kinds {
				tasks, err := b.GetAllTasks(ctx, kind)
				if err != nil {
					return a.storeError(err)
				}
				tasks = filter.Apply(tasks)

				if format == report.OutputFormatJSONL {
					all = append(all, tasks...)
					continue
				}
				if i > 0 {
					a.out.Info("\n")
				}
				report.FormatTasks(a.out.Out(), kind, tasks, now)
			}

			if format == report.OutputFormatJSONL {
				return report.FormatJSONL(a.out.Out(), all)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&status, "status", "", "Only tasks with this status")
	f.StringVar(&agent, "agent", "", "Only tasks held or last held by this agent")
	f.StringVar(&idGlob, "id", "", "Only task ids matching this glob")
	f.StringVar(&since, "since", "", "Only tasks updated after this time")
	f.StringVar(&until, "until", "", "Only tasks updated before this time")
	f.StringVarP(&output, "output", "o", "default", "Output format: default | jsonl")
	return cmd
}

func newClaimCmd(a *app) *cobra.Command {
	var agent string

	cmd := &cobra.Command{
		Use:   "claim [task-id]",
		Short: "Claim a task for an agent",
		Long: `Claim a task for an agent.

Without a task id the most urgent eligible task is claimed: lowest priority,
then oldest, with every dependency COMPLETED. Exits non-zero when nothing
could be claimed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b := a.board()

			if len(args) == 1 {
				id, err := a.resolveTask(ctx, b, args[0])
				if err != nil {
					return err
				}
				ok, err := b.ClaimTask(ctx, id, agent)
				if err != nil {
					return a.storeError(err)
				}
				if !ok {
					return a.out.Error(fmt.Sprintf("cannot claim %s", id),
						"The task is not PENDING or is waiting on dependencies.",
						[]string{fmt.Sprintf("Run 'burrow get %s' to inspect it", id)})
				}
				a.out.Success("%s claimed %s\n", agent, id)
				return nil
			}

			task, err := b.ClaimNext(ctx, agent)
			if err != nil {
				return a.storeError(err)
			}
			if task == nil {
				return a.out.Error("no eligible task", "The backlog has no PENDING task with all dependencies COMPLETED.", nil)
			}
			a.out.Success("%s claimed %s\n", agent, task.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "Agent id to claim for (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	var (
		agent  string
		result string
		errMsg string
		meta   []string
	)

	cmd := &cobra.Command{
		Use:   "update <task-id> <status>",
		Short: "Move a held task to CLAIMED, IN_PROGRESS, COMPLETED or FAILED",
		Long: `Move a task held by --agent to a new status.

COMPLETED and FAILED move the task to the archive board.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := a.board()
			taskID, err := a.resolveTask(cmd.Context(), b, args[0])
			if err != nil {
				return err
			}
			status := board.Status(strings.ToUpper(args[1]))

			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}
			var fields []board.Field
			if result != "" {
				fields = append(fields, board.WithResult(result))
			}
			if errMsg != "" {
				fields = append(fields, board.WithError(errMsg))
			}
			for k, v := range metadata {
				fields = append(fields, board.WithMetadata(k, v))
			}

			ok, err := b.UpdateStatus(cmd.Context(), taskID, status, agent, fields...)
			if errors.Is(err, board.ErrInvalidTransition) {
				return a.out.Error("invalid status", err.Error(),
					[]string{"Use CLAIMED, IN_PROGRESS, COMPLETED or FAILED"})
			}
			if err != nil {
				return a.storeError(err)
			}
			if !ok {
				return a.out.Error(fmt.Sprintf("cannot update %s", taskID),
					fmt.Sprintf("The task is not on the working board or is not held by %s.", agent), nil)
			}
			a.out.Success("%s is %s\n", taskID, status)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&agent, "agent", "", "Agent id holding the task (required)")
	f.StringVar(&result, "result", "", "Result to record")
	f.StringVar(&errMsg, "error", "", "Error message to record")
	f.StringArrayVar(&meta, "meta", nil, "Metadata as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newReleaseCmd(a *app) *cobra.Command {
	var agent string

	cmd := &cobra.Command{
		Use:   "release <task-id>",
		Short: "Return a held task to the backlog",
		Long: `Return a task held by --agent to the backlog as PENDING.

The task's failure count is incremented.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := a.board()
			id, err := a.resolveTask(cmd.Context(), b, args[0])
			if err != nil {
				return err
			}
			ok, err := b.ReleaseTask(cmd.Context(), id, agent)
			if err != nil {
				return a.storeError(err)
			}
			if !ok {
				return a.out.Error(fmt.Sprintf("cannot release %s", id),
					fmt.Sprintf("The task is not held by %s.", agent), nil)
			}
			a.out.Success("released %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "Agent id holding the task (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newRequeueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Return a STALLED task to the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := a.board()
			id, err := a.resolveTask(cmd.Context(), b, args[0])
			if err != nil {
				return err
			}
			ok, err := b.Requeue(cmd.Context(), id)
			if err != nil {
				return a.storeError(err)
			}
			if !ok {
				return a.out.Error(fmt.Sprintf("cannot requeue %s", id),
					"Only STALLED tasks on the working board can be requeued.",
					[]string{"Run 'burrow monitor --once --strategy mark_stalled' to flag stale tasks first"})
			}
			a.out.Success("requeued %s\n", id)
			return nil
		},
	}
}

// resolveTask expands a task id prefix, printing not-found and ambiguous
// errors.
func (a *app) resolveTask(ctx context.Context, b *board.Board, id string) (string, error) {
	full, err := resolver.ResolveTaskID(ctx, b, id)
	var (
		notFound  *resolver.NotFoundError
		ambiguous *resolver.AmbiguousError
	)
	switch {
	case errors.As(err, &notFound):
		return "", a.out.Error(fmt.Sprintf("task not found: %s", id),
			"No board holds a task with that id or id prefix.",
			[]string{"Run 'burrow list' to see all tasks"})
	case errors.As(err, &ambiguous):
		return "", a.out.Error(ambiguous.Error(), ambiguous.Listing(),
			[]string{"Use a longer prefix to identify the task"})
	case err != nil:
		return "", a.storeError(err)
	}
	return full, nil
}

// parseMeta turns key=value pairs into a map.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q (expected key=value)", p)
		}
		meta[k] = v
	}
	return meta, nil
}

// parseKinds validates board names; none means all three.
func parseKinds(names []string) ([]board.Kind, error) {
	if len(names) == 0 {
		return board.Kinds, nil
	}
	kinds := make([]board.Kind, 0, len(names))
	for _, n := range names {
		k := board.Kind(strings.ToLower(n))
		if err := k.Validate(); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
