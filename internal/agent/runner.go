// Package agent is the execution harness that sits on top of the claim
// manager: it claims tasks, runs them through an Executor and reports the
// outcome, publishing heartbeats while it runs.
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/pkg/agentid"
	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/eventbus"
	"github.com/dyluth/burrow/pkg/mailbox"
)

// shutdownTimeout bounds the release of an in-flight task after the runner's
// context is cancelled.
const shutdownTimeout = 5 * time.Second

// Inbox is the part of the mailbox a runner drains.
type Inbox interface {
	Drain(ctx context.Context, agentID string) ([]mailbox.Message, error)
}

// Config holds a runner's identity and timing.
type Config struct {
	AgentID           string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

// Validate checks that all required configuration fields are present and valid.
func (c *Config) Validate() error {
	if err := agentid.Validate(c.AgentID); err != nil {
		return err
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be > 0, got %s", c.PollInterval)
	}
	return nil
}

// Runner claims and executes tasks for one agent id.
//
// It manages two concurrent goroutines once started:
//   - Heartbeat: publishes AgentHeartbeat on the bus every HeartbeatInterval
//   - Work loop: claim → IN_PROGRESS → execute → COMPLETED / FAILED
//
// A task that is still executing when the context is cancelled is released
// back to the backlog rather than failed.
type Runner struct {
	config  Config
	claimer board.Claimer
	inbox   Inbox
	exec    Executor
	bus     *eventbus.Bus
	logger  *log.Logger
	runID   string

	completed atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	current string

	wg sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithInbox drains the agent's mailbox after each claim and hands the
// messages to the executor.
func WithInbox(inbox Inbox) Option {
	return func(r *Runner) { r.inbox = inbox }
}

// WithBus publishes heartbeats on bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithLogger sets the runner's logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// New creates a runner. The runner is ready to start but does not claim
// anything until RunOnce or Start is called.
func New(config Config, claimer board.Claimer, exec Executor, opts ...Option) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if claimer == nil || exec == nil {
		return nil, fmt.Errorf("runner needs a claimer and an executor")
	}

	r := &Runner{
		config:  config,
		claimer: claimer,
		exec:    exec,
		runID:   uuid.New().String(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "agent").With("agent_id", config.AgentID)
	return r, nil
}

// Completed returns the number of tasks this runner completed.
func (r *Runner) Completed() int64 {
	return r.completed.Load()
}

// Failed returns the number of tasks this runner marked FAILED.
func (r *Runner) Failed() int64 {
	return r.failed.Load()
}

// CurrentTask returns the id of the task being executed, if any.
func (r *Runner) CurrentTask() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Runner) setCurrent(id string) {
	r.mu.Lock()
	r.current = id
	r.mu.Unlock()
}

// RunOnce claims and processes at most one task. It returns false when
// there was nothing to claim.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	task, err := r.claimer.ClaimNext(ctx, r.config.AgentID)
	if err != nil {
		return false, fmt.Errorf("failed to claim: %w", err)
	}
	if task == nil {
		return false, nil
	}

	r.setCurrent(task.ID)
	defer r.setCurrent("")

	if ctx.Err() != nil {
		return true, r.release(task.ID)
	}
	ok, err := r.claimer.UpdateStatus(ctx, task.ID, board.StatusInProgress, r.config.AgentID)
	if err != nil {
		if ctx.Err() != nil {
			return true, r.release(task.ID)
		}
		return true, fmt.Errorf("failed to start %s: %w", task.ID, err)
	}
	if !ok {
		r.logger.Warn("lost claim before starting", "task_id", task.ID)
		return true, nil
	}
	task.Status = board.StatusInProgress

	input := ToolInput{AgentID: r.config.AgentID, Task: *task, Messages: []mailbox.Message{}}
	if r.inbox != nil {
		msgs, err := r.inbox.Drain(ctx, r.config.AgentID)
		if err != nil {
			r.logger.Warn("failed to drain inbox", "err", err)
		} else {
			input.Messages = msgs
		}
	}

	r.logger.Info("executing", "task_id", task.ID, "messages", len(input.Messages))
	start := time.Now()
	output, execErr := r.execute(ctx, input)
	duration := time.Since(start)

	if ctx.Err() != nil {
		return true, r.release(task.ID)
	}

	if execErr != nil {
		r.logger.Error("task failed", "task_id", task.ID, "duration", duration, "err", execErr)
		ok, err = r.claimer.UpdateStatus(ctx, task.ID, board.StatusFailed, r.config.AgentID,
			board.WithError(execErr.Error()), board.WithMetadata("run_id", r.runID))
		if err != nil {
			return true, fmt.Errorf("failed to report failure of %s: %w", task.ID, err)
		}
		if ok {
			r.failed.Add(1)
		}
	} else {
		fields := []board.Field{board.WithResult(output.Result), board.WithMetadata("run_id", r.runID)}
		for k, v := range output.Metadata {
			fields = append(fields, board.WithMetadata(k, v))
		}
		ok, err = r.claimer.UpdateStatus(ctx, task.ID, board.StatusCompleted, r.config.AgentID, fields...)
		if err != nil {
			return true, fmt.Errorf("failed to report completion of %s: %w", task.ID, err)
		}
		if ok {
			r.completed.Add(1)
			r.logger.Info("task completed", "task_id", task.ID, "duration", duration)
		}
	}

	if !ok {
		r.logger.Warn("task was taken away while executing", "task_id", task.ID)
	}
	return true, nil
}

// execute runs the executor, turning a panic into a task failure.
func (r *Runner) execute(ctx context.Context, in ToolInput) (out *ToolOutput, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("executor panicked: %v", p)
		}
	}()

	out, err = r.exec.Execute(ctx, in)
	if err == nil && out == nil {
		err = fmt.Errorf("executor returned no output")
	}
	return out, err
}

// release hands an interrupted task back to the backlog.
func (r *Runner) release(taskID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	ok, err := r.claimer.ReleaseTask(ctx, taskID, r.config.AgentID)
	if err != nil {
		return fmt.Errorf("failed to release %s on shutdown: %w", taskID, err)
	}
	if ok {
		r.logger.Info("released task on shutdown", "task_id", taskID)
	}
	return nil
}

// Start runs the heartbeat and the work loop, blocking until ctx is
// cancelled and both goroutines have exited.
//
// Graceful shutdown sequence:
//  1. Context is cancelled (typically via SIGTERM)
//  2. An executing task sees the cancellation and is released
//  3. Both goroutines exit and Start returns nil
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("agent starting", "run_id", r.runID)

	r.wg.Add(2)
	go r.heartbeat(ctx)
	go r.workLoop(ctx)

	<-ctx.Done()
	r.logger.Info("shutdown signal received")
	r.wg.Wait()
	r.logger.Info("shutdown complete", "completed", r.Completed(), "failed", r.Failed())
	return nil
}

func (r *Runner) heartbeat(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	r.beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat()
		}
	}
}

func (r *Runner) beat() {
	r.bus.Publish(eventbus.AgentHeartbeat{
		Header:      eventbus.NewHeader(r.config.AgentID, 0),
		AgentID:     r.config.AgentID,
		CurrentTask: r.CurrentTask(),
		Completed:   r.Completed(),
	})
}

func (r *Runner) workLoop(ctx context.Context) {
	defer r.wg.Done()

	for ctx.Err() == nil {
		worked, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("work loop error", "err", err)
		}
		if worked && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(r.config.PollInterval):
		}
	}
}
