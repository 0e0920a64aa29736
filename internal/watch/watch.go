// Package watch streams task activity to a terminal.
//
// Events come either from the Redis relay, when one is configured, or from
// polling the board files and diffing successive snapshots.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/eventbus"
)

// OutputFormat specifies how events are written.
type OutputFormat string

const (
	// OutputFormatDefault is human-readable with timestamps and emojis
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON writes one relay envelope per line
	OutputFormatJSON OutputFormat = "json"
)

// TaskReader is the observation side of the board.
type TaskReader interface {
	GetAllTasks(ctx context.Context, kind board.Kind) ([]board.Task, error)
	Get(ctx context.Context, taskID string) (*board.Task, board.Kind, error)
}

// WaitForStatus polls until the task reaches one of the given statuses and
// returns it. A task that does not exist yet is polled for like any other.
func WaitForStatus(ctx context.Context, tasks TaskReader, taskID string, want []board.Status, interval, timeout time.Duration) (*board.Task, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		task, _, err := tasks.Get(ctx, taskID)
		switch {
		case err == nil && slices.Contains(want, task.Status):
			return task, nil
		case err != nil && !board.IsNotFound(err):
			return nil, fmt.Errorf("failed to read task %s: %w", taskID, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for task %s after %v", taskID, timeout)
		case <-ticker.C:
		}
	}
}

// Stream writes events until ctx is cancelled or the events channel closes.
// Errors from errs are written inline and do not stop the stream.
func Stream(ctx context.Context, events <-chan eventbus.Event, errs <-chan error, format OutputFormat, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := Write(w, ev, format); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "⚠️  %v\n", err)
		}
	}
}

// Write formats one event.
func Write(w io.Writer, ev eventbus.Event, format OutputFormat) error {
	if format == OutputFormatJSON {
		data, err := eventbus.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	ts := ev.Meta().Timestamp.Local().Format("15:04:05")
	_, err := fmt.Fprintf(w, "[%s] %s\n", ts, describe(ev))
	return err
}

func describe(ev eventbus.Event) string {
	switch e := ev.(type) {
	case eventbus.TaskClaimed:
		return fmt.Sprintf("🙋 %s claimed %s", e.AgentID, e.TaskID)
	case eventbus.TaskCompleted:
		if e.Result != "" {
			return fmt.Sprintf("✅ %s completed %s: %s", e.AgentID, e.TaskID, oneLine(e.Result))
		}
		return fmt.Sprintf("✅ %s completed %s", e.AgentID, e.TaskID)
	case eventbus.TaskFailed:
		who := e.AgentID
		if who == "" {
			who = "monitor"
		}
		return fmt.Sprintf("❌ %s failed %s (failures: %d): %s", who, e.TaskID, e.FailureCount, oneLine(e.Error))
	case eventbus.TaskReleased:
		return fmt.Sprintf("↩️  %s returned to backlog (%s, failures: %d)", e.TaskID, e.Reason, e.FailureCount)
	case eventbus.TaskStalled:
		return fmt.Sprintf("⏸️  %s stalled (agent %s idle %s)", e.TaskID, e.AgentID, e.Idle.Round(time.Second))
	case eventbus.AgentHeartbeat:
		if e.CurrentTask != "" {
			return fmt.Sprintf("💓 %s working on %s (%d done)", e.AgentID, e.CurrentTask, e.Completed)
		}
		return fmt.Sprintf("💓 %s idle (%d done)", e.AgentID, e.Completed)
	case eventbus.MessageSent:
		return fmt.Sprintf("✉️  %s → %s (%s)", e.Sender, e.Recipient, e.MessageID)
	default:
		data, _ := json.Marshal(ev)
		return fmt.Sprintf("%s %s", ev.Topic(), data)
	}
}

func oneLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + " ..."
		}
	}
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
