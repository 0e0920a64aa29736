package board

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/pkg/agentid"
	"github.com/dyluth/burrow/pkg/atomicstore"
	"github.com/dyluth/burrow/pkg/eventbus"
	"github.com/dyluth/burrow/pkg/filelock"
)

var (
	// ErrDuplicateTask is returned by AddTask when the id exists on any board.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrTaskNotFound is returned by Get when no board holds the id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned by UpdateStatus for target statuses an
	// agent may not set.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// IsNotFound returns true if err is (or wraps) ErrTaskNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

// Claimer is the narrow interface the execution layer consumes.
type Claimer interface {
	ClaimNext(ctx context.Context, agentID string) (*Task, error)
	ClaimTask(ctx context.Context, taskID, agentID string) (bool, error)
	UpdateStatus(ctx context.Context, taskID string, status Status, agentID string, fields ...Field) (bool, error)
	ReleaseTask(ctx context.Context, taskID, agentID string) (bool, error)
}

var _ Claimer = (*Board)(nil)

// Board is the Claim Manager over the three board files in one directory.
// It is safe for concurrent use, and any number of Boards in any number of
// processes may share the directory.
type Board struct {
	dir     string
	store   *atomicstore.Store
	bus     *eventbus.Bus
	logger  *log.Logger
	now     func() time.Time
	timeout time.Duration
}

// Option configures a Board.
type Option func(*Board)

// WithBus publishes lifecycle events on bus after each successful transition.
func WithBus(bus *eventbus.Bus) Option {
	return func(b *Board) { b.bus = bus }
}

// WithLogger sets the board's logger.
func WithLogger(logger *log.Logger) Option {
	return func(b *Board) { b.logger = logger }
}

// WithClock overrides the time source used for created_at / updated_at.
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// WithLockTimeout bounds every lock acquisition. Zero uses
// atomicstore.DefaultLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(b *Board) { b.timeout = d }
}

// New creates a Board rooted at dir. Board files are created lazily on the
// first write.
func New(dir string, locks *filelock.Manager, opts ...Option) *Board {
	b := &Board{
		dir: dir,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	if locks == nil {
		locks = filelock.NewManager()
	}
	b.logger = logging.Component(b.logger, "board")
	b.store = atomicstore.New(locks, b.timeout, atomicstore.WithValidator(ValidateDocument))
	return b
}

// Dir returns the directory holding the board files.
func (b *Board) Dir() string {
	return b.dir
}

// Path returns the file backing one board.
func (b *Board) Path(kind Kind) string {
	return filepath.Join(b.dir, string(kind)+".json")
}

// GetAllTasks returns a lock-free snapshot of one board.
func (b *Board) GetAllTasks(ctx context.Context, kind Kind) ([]Task, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := b.read(kind)
	if err != nil {
		return nil, err
	}
	return f.Tasks, nil
}

// Get finds a task on any board. When an interrupted move left the task on
// two boards, the later-stage copy wins.
func (b *Board) Get(ctx context.Context, taskID string) (*Task, Kind, error) {
	for _, kind := range []Kind{KindArchive, KindWorking, KindBacklog} {
		tasks, err := b.GetAllTasks(ctx, kind)
		if err != nil {
			return nil, "", err
		}
		for i := range tasks {
			if tasks[i].ID == taskID {
				return &tasks[i], kind, nil
			}
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// AddTask creates a PENDING task in the backlog. Missing timestamps are
// stamped with the current time.
func (b *Board) AddTask(ctx context.Context, task Task) (*Task, error) {
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.Status != StatusPending {
		return nil, fmt.Errorf("new task %s must be %s, got %s", task.ID, StatusPending, task.Status)
	}
	now := b.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	err := b.transact(ctx, []Kind{KindBacklog}, func(tx *txn) error {
		for _, kind := range Kinds {
			if tx.files[kind].index(task.ID) >= 0 {
				return fmt.Errorf("%w: %s is on the %s board", ErrDuplicateTask, task.ID, kind)
			}
		}
		tx.files[KindBacklog].Tasks = append(tx.files[KindBacklog].Tasks, task)
		tx.touch(KindBacklog)
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info("task added", "task_id", task.ID, "priority", task.Priority)
	return &task, nil
}

// ClaimNext claims the most urgent PENDING task whose dependencies are all
// COMPLETED: lowest priority first, then earliest created_at, then task_id.
// Returns nil, nil when no task is eligible.
func (b *Board) ClaimNext(ctx context.Context, agentID string) (*Task, error) {
	if err := agentid.Validate(agentID); err != nil {
		return nil, err
	}

	var claimed *Task
	err := b.transact(ctx, []Kind{KindBacklog, KindWorking}, func(tx *txn) error {
		candidates := eligible(tx.files[KindBacklog], tx.completed())
		if len(candidates) == 0 {
			return nil
		}
		claimed = b.claim(tx, candidates[0].ID, agentID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if claimed == nil {
		b.logger.Debug("no eligible task", "agent_id", agentID)
		return nil, nil
	}
	b.announceClaim(claimed, agentID)
	return claimed, nil
}

// ClaimTask claims one specific task. It returns false without side effects
// when the task is missing, not PENDING or still waiting on dependencies.
func (b *Board) ClaimTask(ctx context.Context, taskID, agentID string) (bool, error) {
	if err := agentid.Validate(agentID); err != nil {
		return false, err
	}

	var claimed *Task
	err := b.transact(ctx, []Kind{KindBacklog, KindWorking}, func(tx *txn) error {
		i := tx.files[KindBacklog].index(taskID)
		if i < 0 {
			return nil
		}
		t := tx.files[KindBacklog].Tasks[i]
		if t.Status != StatusPending || !ready(t, tx.completed()) {
			return nil
		}
		claimed = b.claim(tx, taskID, agentID)
		return nil
	})
	if err != nil {
		return false, err
	}

	if claimed == nil {
		b.logger.Debug("claim conflict", "task_id", taskID, "agent_id", agentID)
		return false, nil
	}
	b.announceClaim(claimed, agentID)
	return true, nil
}

// claim moves one backlog task to working. Working is written first.
func (b *Board) claim(tx *txn, taskID, agentID string) *Task {
	backlog := tx.files[KindBacklog]
	t := backlog.remove(backlog.index(taskID))

	t.Status = StatusClaimed
	t.ClaimedBy = agentID
	t.LastAgent = agentID
	t.UpdatedAt = b.now()

	tx.files[KindWorking].upsert(t)
	tx.touch(KindWorking)
	tx.touch(KindBacklog)
	return &t
}

func (b *Board) announceClaim(t *Task, agentID string) {
	b.logger.Info("task claimed", "task_id", t.ID, "agent_id", agentID)
	b.bus.Publish(eventbus.TaskClaimed{
		Header:  eventbus.NewHeader(agentID, t.Priority),
		TaskID:  t.ID,
		AgentID: agentID,
	})
}

// UpdateStatus changes the status of a task held by agentID and applies any
// extra fields. A terminal status moves the task to the archive. Returns
// false when the task is not in working or is held by another agent.
func (b *Board) UpdateStatus(ctx context.Context, taskID string, status Status, agentID string, fields ...Field) (bool, error) {
	switch status {
	case StatusClaimed, StatusInProgress, StatusCompleted, StatusFailed:
	default:
		return false, fmt.Errorf("%w: agents cannot set %s", ErrInvalidTransition, status)
	}

	kinds := []Kind{KindWorking}
	if status.IsTerminal() {
		kinds = append(kinds, KindArchive)
	}

	var updated *Task
	err := b.transact(ctx, kinds, func(tx *txn) error {
		working := tx.files[KindWorking]
		i := working.index(taskID)
		if i < 0 {
			return nil
		}
		t := working.Tasks[i]
		if !t.Status.IsHeld() || t.ClaimedBy != agentID {
			return nil
		}

		t.Status = status
		t.UpdatedAt = b.now()
		for _, field := range fields {
			field(&t)
		}

		if status.IsTerminal() {
			t.ClaimedBy = ""
			tx.files[KindArchive].upsert(t)
			tx.touch(KindArchive)
			working.remove(i)
		} else {
			working.Tasks[i] = t
		}
		tx.touch(KindWorking)
		updated = &t
		return nil
	})
	if err != nil {
		return false, err
	}

	if updated == nil {
		b.logger.Debug("update rejected", "task_id", taskID, "agent_id", agentID, "status", status)
		return false, nil
	}

	b.logger.Info("task updated", "task_id", taskID, "agent_id", agentID, "status", status)
	switch status {
	case StatusCompleted:
		b.bus.Publish(eventbus.TaskCompleted{
			Header:  eventbus.NewHeader(agentID, updated.Priority),
			TaskID:  taskID,
			AgentID: agentID,
			Result:  updated.Result,
		})
	case StatusFailed:
		b.bus.Publish(eventbus.TaskFailed{
			Header:       eventbus.NewHeader(agentID, updated.Priority),
			TaskID:       taskID,
			AgentID:      agentID,
			Error:        updated.Error,
			FailureCount: updated.FailureCount,
		})
	}
	return true, nil
}

// ReleaseTask returns a task held by agentID to the backlog as PENDING and
// increments its failure count.
func (b *Board) ReleaseTask(ctx context.Context, taskID, agentID string) (bool, error) {
	released, err := b.requeue(ctx, taskID, func(t Task) bool {
		return t.Status.IsHeld() && t.ClaimedBy == agentID
	})
	if err != nil || released == nil {
		return false, err
	}

	b.logger.Info("task released", "task_id", taskID, "agent_id", agentID, "failure_count", released.FailureCount)
	b.bus.Publish(eventbus.TaskReleased{
		Header:       eventbus.NewHeader(agentID, released.Priority),
		TaskID:       taskID,
		AgentID:      agentID,
		FailureCount: released.FailureCount,
		Reason:       "released",
	})
	return true, nil
}

// Requeue returns a STALLED task to the backlog as PENDING and increments its
// failure count. It is the supervisor's counterpart to MarkStalled.
func (b *Board) Requeue(ctx context.Context, taskID string) (bool, error) {
	requeued, err := b.requeue(ctx, taskID, func(t Task) bool {
		return t.Status == StatusStalled
	})
	if err != nil || requeued == nil {
		return false, err
	}

	b.logger.Info("task requeued", "task_id", taskID, "failure_count", requeued.FailureCount)
	b.bus.Publish(eventbus.TaskReleased{
		Header:       eventbus.NewHeader("supervisor", requeued.Priority),
		TaskID:       taskID,
		AgentID:      requeued.LastAgent,
		FailureCount: requeued.FailureCount,
		Reason:       "requeued",
	})
	return true, nil
}

// requeue moves a working task that satisfies match back to the backlog.
// The backlog is written first.
func (b *Board) requeue(ctx context.Context, taskID string, match func(Task) bool) (*Task, error) {
	var moved *Task
	err := b.transact(ctx, []Kind{KindBacklog, KindWorking}, func(tx *txn) error {
		working := tx.files[KindWorking]
		i := working.index(taskID)
		if i < 0 || !match(working.Tasks[i]) {
			return nil
		}

		t := working.remove(i)
		toPending(&t, b.now())

		tx.files[KindBacklog].upsert(t)
		tx.touch(KindBacklog)
		tx.touch(KindWorking)
		moved = &t
		return nil
	})
	return moved, err
}

func toPending(t *Task, now time.Time) {
	t.Status = StatusPending
	t.ClaimedBy = ""
	t.FailureCount++
	t.UpdatedAt = now
}

// Stale reports whether a held task has gone without an update since cutoff.
func Stale(t Task, cutoff time.Time) bool {
	return t.Status.IsHeld() && t.UpdatedAt.Before(cutoff)
}

// MarkStalled flags a held task that is still stale at cutoff as STALLED,
// clearing claimed_by. Staleness is rechecked under the lock, so a task that
// was updated since the caller's scan is left alone.
func (b *Board) MarkStalled(ctx context.Context, taskID string, cutoff time.Time) (bool, error) {
	var (
		stalled *Task
		idle    time.Duration
		holder  string
	)
	err := b.transact(ctx, []Kind{KindWorking}, func(tx *txn) error {
		working := tx.files[KindWorking]
		i := working.index(taskID)
		if i < 0 || !Stale(working.Tasks[i], cutoff) {
			return nil
		}

		t := working.Tasks[i]
		now := b.now()
		idle = now.Sub(t.UpdatedAt)
		holder = t.ClaimedBy

		t.Status = StatusStalled
		t.ClaimedBy = ""
		t.UpdatedAt = now
		working.Tasks[i] = t
		tx.touch(KindWorking)
		stalled = &t
		return nil
	})
	if err != nil || stalled == nil {
		return false, err
	}

	b.logger.Warn("task stalled", "task_id", taskID, "agent_id", holder, "idle", idle)
	b.bus.Publish(eventbus.TaskStalled{
		Header:  eventbus.NewHeader("monitor", stalled.Priority),
		TaskID:  taskID,
		AgentID: holder,
		Idle:    idle,
	})
	return true, nil
}

// Escalation is the outcome of EscalateStale.
type Escalation int

const (
	// EscalationNone means the task was no longer stale (or no longer held).
	EscalationNone Escalation = iota
	// EscalationRequeued means the task went back to the backlog.
	EscalationRequeued
	// EscalationFailed means the task exceeded its failure budget and was archived.
	EscalationFailed
)

func (e Escalation) String() string {
	switch e {
	case EscalationRequeued:
		return "requeued"
	case EscalationFailed:
		return "failed"
	default:
		return "none"
	}
}

// EscalateStale releases a held task that is still stale at cutoff back to
// the backlog with failure_count+1. If the incremented count exceeds
// maxFailures the task is archived as FAILED instead. maxFailures <= 0 means
// unlimited retries.
func (b *Board) EscalateStale(ctx context.Context, taskID string, cutoff time.Time, maxFailures int) (Escalation, error) {
	var (
		outcome Escalation
		moved   Task
		holder  string
	)
	err := b.transact(ctx, Kinds, func(tx *txn) error {
		working := tx.files[KindWorking]
		i := working.index(taskID)
		if i < 0 || !Stale(working.Tasks[i], cutoff) {
			return nil
		}

		t := working.remove(i)
		holder = t.ClaimedBy
		toPending(&t, b.now())

		if maxFailures > 0 && t.FailureCount > maxFailures {
			t.Status = StatusFailed
			t.Error = fmt.Sprintf("stalled %d times (max %d)", t.FailureCount, maxFailures)
			tx.files[KindArchive].upsert(t)
			tx.touch(KindArchive)
			outcome = EscalationFailed
		} else {
			tx.files[KindBacklog].upsert(t)
			tx.touch(KindBacklog)
			outcome = EscalationRequeued
		}
		tx.touch(KindWorking)
		moved = t
		return nil
	})
	if err != nil {
		return EscalationNone, err
	}

	switch outcome {
	case EscalationFailed:
		b.logger.Warn("stalled task failed", "task_id", taskID, "agent_id", holder, "failure_count", moved.FailureCount)
		b.bus.Publish(eventbus.TaskFailed{
			Header:       eventbus.NewHeader("monitor", moved.Priority),
			TaskID:       taskID,
			AgentID:      holder,
			Error:        moved.Error,
			FailureCount: moved.FailureCount,
		})
	case EscalationRequeued:
		b.logger.Warn("stalled task requeued", "task_id", taskID, "agent_id", holder, "failure_count", moved.FailureCount)
		b.bus.Publish(eventbus.TaskReleased{
			Header:       eventbus.NewHeader("monitor", moved.Priority),
			TaskID:       taskID,
			AgentID:      holder,
			FailureCount: moved.FailureCount,
			Reason:       "stalled",
		})
	}
	return outcome, nil
}

// eligible returns the claimable backlog tasks in claim order.
func eligible(backlog *taskFile, completed map[string]bool) []Task {
	var out []Task
	for _, t := range backlog.Tasks {
		if t.Status == StatusPending && ready(t, completed) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func ready(t Task, completed map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// txn is one locked cycle over the board files. Locked boards are read under
// their lock; the rest are lock-free snapshots that must not be written.
type txn struct {
	files  map[Kind]*taskFile
	locked map[Kind]bool
	order  []Kind
}

// touch schedules a board for writing. Boards are written in touch order.
func (tx *txn) touch(kind Kind) {
	if !slices.Contains(tx.order, kind) {
		tx.order = append(tx.order, kind)
	}
}

func (tx *txn) completed() map[string]bool {
	done := make(map[string]bool)
	for _, t := range tx.files[KindArchive].Tasks {
		if t.Status == StatusCompleted {
			done[t.ID] = true
		}
	}
	return done
}

// reconcile drops tasks from an earlier-stage board when a later stage also
// holds them, which only happens after a move was interrupted between its
// two writes. Only locked boards are modified.
func (tx *txn) reconcile() []string {
	var dropped []string
	later := tx.files[KindArchive].ids()
	for _, kind := range []Kind{KindWorking, KindBacklog} {
		f := tx.files[kind]
		if tx.locked[kind] {
			kept := f.Tasks[:0]
			for _, t := range f.Tasks {
				if later[t.ID] {
					dropped = append(dropped, t.ID)
					continue
				}
				kept = append(kept, t)
			}
			if len(kept) != len(f.Tasks) {
				f.Tasks = kept
				tx.touch(kind)
			}
		}
		for id := range f.ids() {
			later[id] = true
		}
	}
	return dropped
}

// transact locks kinds (which must be in lifecycle order), loads all three
// boards, reconciles them and runs fn. Touched boards are written before the
// locks are released.
func (b *Board) transact(ctx context.Context, kinds []Kind, fn func(tx *txn) error) error {
	tx := &txn{
		files:  make(map[Kind]*taskFile, len(Kinds)),
		locked: make(map[Kind]bool, len(kinds)),
	}

	for _, kind := range kinds {
		h, err := b.store.Lock(ctx, b.Path(kind))
		if err != nil {
			return fmt.Errorf("failed to lock %s board: %w", kind, err)
		}
		defer h.Release()
		tx.locked[kind] = true
	}

	for _, kind := range Kinds {
		f, err := b.read(kind)
		if err != nil {
			return err
		}
		tx.files[kind] = f
	}

	if dropped := tx.reconcile(); len(dropped) > 0 {
		b.logger.Warn("reconciled duplicate tasks", "task_ids", dropped)
	}

	if err := fn(tx); err != nil {
		return err
	}

	for _, kind := range tx.order {
		if !tx.locked[kind] {
			return fmt.Errorf("%s board modified without its lock", kind)
		}
		if err := b.store.Replace(b.Path(kind), tx.files[kind]); err != nil {
			return fmt.Errorf("failed to write %s board: %w", kind, err)
		}
	}
	return nil
}

func (b *Board) read(kind Kind) (*taskFile, error) {
	f := &taskFile{}
	if err := b.store.Read(b.Path(kind), f); err != nil {
		return nil, err
	}
	if f.Tasks == nil {
		f.Tasks = []Task{}
	}
	return f, nil
}
