// Package report formats tasks and messages for the CLI.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/burrow/internal/printer"
	"github.com/dyluth/burrow/internal/timespec"
	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/mailbox"
)

// OutputFormat specifies how list output is rendered.
type OutputFormat string

const (
	// OutputFormatDefault uses a table with truncated descriptions
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseFormat validates an --output value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputFormatDefault:
		return OutputFormatDefault, nil
	case OutputFormatJSONL:
		return OutputFormatJSONL, nil
	default:
		return "", fmt.Errorf("unknown output format %q (must be 'default' or 'jsonl')", s)
	}
}

// Filter selects tasks. All set criteria are ANDed together.
type Filter struct {
	Window timespec.Range // Matched against updated_at
	Status board.Status   // Exact match, empty = no filter
	Agent  string         // Matches claimed_by or last_agent, empty = no filter
	IDGlob string         // Glob on task_id, empty = no filter
}

// Match returns true if the task matches every criterion.
func (f Filter) Match(t board.Task) bool {
	if !f.Window.Contains(t.UpdatedAt) {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Agent != "" && t.ClaimedBy != f.Agent && t.LastAgent != f.Agent {
		return false
	}
	if f.IDGlob != "" {
		matched, err := filepath.Match(f.IDGlob, t.ID)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// Apply returns the matching tasks ordered by updated_at, then id.
func (f Filter) Apply(tasks []board.Task) []board.Task {
	out := make([]board.Task, 0, len(tasks))
	for _, t := range tasks {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FormatTasks writes one board's tasks as a table and returns the number of
// rows written.
func FormatTasks(w io.Writer, kind board.Kind, tasks []board.Task, now time.Time) int {
	if len(tasks) == 0 {
		fmt.Fprintf(w, "No tasks on the %s board\n", kind)
		return 0
	}

	fmt.Fprintf(w, "Tasks on the %s board:\n\n", kind)
	fmt.Fprintf(w, "%-20s %-11s %-4s %-16s %-5s %-8s %s\n",
		"ID", "STATUS", "PRI", "AGENT", "FAILS", "UPDATED", "DESCRIPTION")
	fmt.Fprintf(w, "%-20s %-11s %-4s %-16s %-5s %-8s %s\n",
		strings.Repeat("-", 20), strings.Repeat("-", 11), "----", strings.Repeat("-", 16),
		"-----", "--------", strings.Repeat("-", 40))

	for _, t := range tasks {
		fmt.Fprintf(w, "%-20s %s %-4d %-16s %-5d %-8s %s\n",
			truncate(t.ID, 20),
			pad(printer.Status(t.Status), string(t.Status), 11),
			t.Priority,
			agentColumn(t),
			t.FailureCount,
			Age(t.UpdatedAt, now),
			firstLine(descriptionColumn(t), 40),
		)
	}

	fmt.Fprintf(w, "\n%d %s\n", len(tasks), plural(len(tasks), "task", "tasks"))
	return len(tasks)
}

// FormatMessages writes an inbox or outbox as a table.
func FormatMessages(w io.Writer, agentID string, msgs []mailbox.Message, now time.Time) int {
	if len(msgs) == 0 {
		fmt.Fprintf(w, "No messages for %s\n", agentID)
		return 0
	}

	fmt.Fprintf(w, "%-16s %-16s %-4s %-8s %s\n", "FROM", "TO", "PRI", "SENT", "CONTENT")
	for _, m := range msgs {
		fmt.Fprintf(w, "%-16s %-16s %-4d %-8s %s\n",
			truncate(m.Sender, 16), truncate(m.Recipient, 16), m.Priority,
			Age(m.Timestamp, now), firstLine(m.Content, 50))
	}
	fmt.Fprintf(w, "\n%d %s\n", len(msgs), plural(len(msgs), "message", "messages"))
	return len(msgs)
}

// FormatJSONL writes each record as a single JSON object on its own line.
func FormatJSONL[T any](w io.Writer, records []T) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one record as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

// Age formats t relative to now: "12s ago", "3m ago", "5h ago", "2d ago".
func Age(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := now.Sub(t)
	if diff < 0 {
		diff = 0
	}
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func agentColumn(t board.Task) string {
	switch {
	case t.ClaimedBy != "":
		return truncate(t.ClaimedBy, 16)
	case t.LastAgent != "":
		return truncate("("+t.LastAgent+")", 16)
	default:
		return "-"
	}
}

// descriptionColumn shows the error for failed tasks, the description otherwise.
func descriptionColumn(t board.Task) string {
	if t.Status == board.StatusFailed && t.Error != "" {
		return "error: " + t.Error
	}
	return t.Description
}

// firstLine returns the first non-empty line, truncated. Empty input returns "-".
func firstLine(s string, max int) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return truncate(trimmed, max)
		}
	}
	return "-"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

// pad right-pads a colored string to the width of its plain form.
func pad(colored, plain string, width int) string {
	if n := width - len(plain); n > 0 {
		return colored + strings.Repeat(" ", n)
	}
	return colored
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
