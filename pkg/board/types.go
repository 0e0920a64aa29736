// Package board provides the task types and the file-backed Claim Manager
// shared by every agent process.
//
// Three board files live in one directory:
//
//	backlog.json  PENDING tasks available for claiming
//	working.json  CLAIMED / IN_PROGRESS tasks (and STALLED ones awaiting a supervisor)
//	archive.json  COMPLETED / FAILED tasks, append-only
//
// Every mutation is a lock-guarded read-modify-write of the relevant files,
// so the at-most-one-claimant invariant holds across processes that share
// nothing but the directory.
package board

import (
	"fmt"
	"time"

	"github.com/dyluth/burrow/pkg/agentid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPending indicates the task is in the backlog waiting to be claimed
	StatusPending Status = "PENDING"

	// StatusClaimed indicates an agent holds the task but has not started it
	StatusClaimed Status = "CLAIMED"

	// StatusInProgress indicates the holding agent is executing the task
	StatusInProgress Status = "IN_PROGRESS"

	// StatusCompleted indicates the task finished successfully (terminal)
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates the task failed permanently (terminal)
	StatusFailed Status = "FAILED"

	// StatusStalled indicates the stall monitor flagged the task; a supervisor must requeue it
	StatusStalled Status = "STALLED"
)

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusClaimed, StatusInProgress,
		StatusCompleted, StatusFailed, StatusStalled:
		return nil
	default:
		return fmt.Errorf("unknown task status: %q", s)
	}
}

// IsTerminal reports whether tasks in this status belong in the archive.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsHeld reports whether an agent owns tasks in this status.
func (s Status) IsHeld() bool {
	return s == StatusClaimed || s == StatusInProgress
}

// Kind names one of the three board files.
type Kind string

const (
	KindBacklog Kind = "backlog"
	KindWorking Kind = "working"
	KindArchive Kind = "archive"
)

// Kinds lists the boards in lifecycle order, which is also the lock order.
var Kinds = []Kind{KindBacklog, KindWorking, KindArchive}

// Validate checks if the Kind names a board.
func (k Kind) Validate() error {
	switch k {
	case KindBacklog, KindWorking, KindArchive:
		return nil
	default:
		return fmt.Errorf("unknown board: %q (must be 'backlog', 'working' or 'archive')", k)
	}
}

// Task is a unit of work.
type Task struct {
	ID           string            `json:"task_id"`
	Status       Status            `json:"status"`
	ClaimedBy    string            `json:"claimed_by,omitempty"` // Set only while CLAIMED or IN_PROGRESS
	LastAgent    string            `json:"last_agent,omitempty"` // Most recent claimant, kept after release or archive
	Description  string            `json:"description,omitempty"`
	Priority     int               `json:"priority"`               // Lower is more urgent
	Dependencies []string          `json:"dependencies,omitempty"` // Task ids that must be COMPLETED first
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	FailureCount int               `json:"failure_count"`
	Error        string            `json:"error,omitempty"`
	Result       string            `json:"result,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id cannot be empty")
	}

	if err := t.Status.Validate(); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}

	if t.Status.IsHeld() {
		if err := agentid.Validate(t.ClaimedBy); err != nil {
			return fmt.Errorf("task %s is %s but claimed_by is invalid: %w", t.ID, t.Status, err)
		}
	} else if t.ClaimedBy != "" {
		return fmt.Errorf("task %s is %s but claimed_by is set to %q", t.ID, t.Status, t.ClaimedBy)
	}

	if t.FailureCount < 0 {
		return fmt.Errorf("task %s: failure_count must be >= 0, got %d", t.ID, t.FailureCount)
	}

	seen := make(map[string]bool, len(t.Dependencies))
	for i, dep := range t.Dependencies {
		if dep == "" {
			return fmt.Errorf("task %s: empty dependency at index %d", t.ID, i)
		}
		if dep == t.ID {
			return fmt.Errorf("task %s depends on itself", t.ID)
		}
		if seen[dep] {
			return fmt.Errorf("task %s: duplicate dependency %s", t.ID, dep)
		}
		seen[dep] = true
	}

	return nil
}

// Field applies an additional change alongside a status update.
type Field func(*Task)

// WithError records a failure message on the task.
func WithError(msg string) Field {
	return func(t *Task) { t.Error = msg }
}

// WithResult records an outcome description on the task.
func WithResult(result string) Field {
	return func(t *Task) { t.Result = result }
}

// WithMetadata sets one metadata key on the task.
func WithMetadata(key, value string) Field {
	return func(t *Task) {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
		t.Metadata[key] = value
	}
}

// taskFile is the on-disk layout of a board.
type taskFile struct {
	Tasks []Task `json:"tasks"`
}

func (f *taskFile) index(id string) int {
	for i := range f.Tasks {
		if f.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (f *taskFile) remove(i int) Task {
	t := f.Tasks[i]
	f.Tasks = append(f.Tasks[:i], f.Tasks[i+1:]...)
	return t
}

// upsert replaces a task with the same id or appends it.
func (f *taskFile) upsert(t Task) {
	if i := f.index(t.ID); i >= 0 {
		f.Tasks[i] = t
		return
	}
	f.Tasks = append(f.Tasks, t)
}

func (f *taskFile) ids() map[string]bool {
	ids := make(map[string]bool, len(f.Tasks))
	for _, t := range f.Tasks {
		ids[t.ID] = true
	}
	return ids
}
