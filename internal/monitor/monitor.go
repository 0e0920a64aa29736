// Package monitor implements the stall monitor: a periodic scan of the
// working board that flags or escalates tasks whose holder has stopped
// reporting progress.
//
// Every scan is side-effect bounded. Staleness is rechecked by the board
// under its lock before any mutation, tasks already STALLED are skipped and a
// task is acted on at most once per scan, so several monitors may watch the
// same board directory.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/pkg/board"
)

// Strategy selects what a scan does with stale tasks.
type Strategy string

const (
	// StrategyLogOnly reports stale tasks without touching them
	StrategyLogOnly Strategy = "log_only"

	// StrategyMarkStalled flags stale tasks as STALLED for a supervisor to requeue
	StrategyMarkStalled Strategy = "mark_stalled"

	// StrategyRequeue returns stale tasks to the backlog, failing them past the retry budget
	StrategyRequeue Strategy = "requeue"
)

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyLogOnly, StrategyMarkStalled, StrategyRequeue:
		return st, nil
	default:
		return "", fmt.Errorf("invalid escalation strategy: %s (must be 'log_only', 'mark_stalled' or 'requeue')", s)
	}
}

// State is the monitor's position in its scan cycle.
type State string

const (
	StateIdle       State = "IDLE"
	StateScanning   State = "SCANNING"
	StateEscalating State = "ESCALATING"
)

// Board is the subset of the claim manager the monitor needs.
type Board interface {
	GetAllTasks(ctx context.Context, kind board.Kind) ([]board.Task, error)
	MarkStalled(ctx context.Context, taskID string, cutoff time.Time) (bool, error)
	EscalateStale(ctx context.Context, taskID string, cutoff time.Time, maxFailures int) (board.Escalation, error)
}

// Config controls scanning.
type Config struct {
	Strategy        Strategy
	CheckInterval   time.Duration
	PendingTimeout  time.Duration
	MaxFailureCount int // 0 = unlimited

	// Schedule optionally replaces CheckInterval with a standard cron
	// expression, e.g. "*/5 * * * *".
	Schedule string
}

// Validate checks the config before a Monitor is built from it.
func (c Config) Validate() error {
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.PendingTimeout <= 0 {
		return fmt.Errorf("pending timeout must be > 0, got %s", c.PendingTimeout)
	}
	if c.Schedule == "" && c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be > 0, got %s", c.CheckInterval)
	}
	if c.MaxFailureCount < 0 {
		return fmt.Errorf("max failure count must be >= 0, got %d", c.MaxFailureCount)
	}
	return nil
}

// Report summarises one scan.
type Report struct {
	Scanned  int      // tasks on the working board
	Stalled  []string // tasks found stale, in board order
	Marked   []string
	Requeued []string
	Failed   []string
}

// Monitor scans one board directory.
type Monitor struct {
	board  Board
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
	scans int64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithClock overrides the time source used to compute staleness cutoffs.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a monitor for b.
func New(b Board, cfg Config, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		board: b,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		state: StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Component(m.logger, "monitor")
	return m, nil
}

// State returns the current cycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Scans returns how many scans have completed.
func (m *Monitor) Scans() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scans
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Scan runs one IDLE → SCANNING → (ESCALATING →) IDLE cycle. Escalation
// errors for individual tasks do not stop the scan; they are joined into the
// returned error alongside the partial report.
func (m *Monitor) Scan(ctx context.Context) (Report, error) {
	var report Report

	m.setState(StateScanning)
	defer func() {
		m.mu.Lock()
		m.state = StateIdle
		m.scans++
		m.mu.Unlock()
	}()

	tasks, err := m.board.GetAllTasks(ctx, board.KindWorking)
	if err != nil {
		return report, fmt.Errorf("failed to read working board: %w", err)
	}
	report.Scanned = len(tasks)

	cutoff := m.now().Add(-m.cfg.PendingTimeout)
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.ID] || !board.Stale(t, cutoff) {
			continue
		}
		seen[t.ID] = true
		report.Stalled = append(report.Stalled, t.ID)
	}

	if len(report.Stalled) == 0 {
		m.logger.Debug("scan complete", "scanned", report.Scanned)
		return report, nil
	}

	if m.cfg.Strategy == StrategyLogOnly {
		m.logger.Warn("stale tasks found", "task_ids", report.Stalled, "cutoff", cutoff)
		return report, nil
	}

	m.setState(StateEscalating)
	var errs []error
	for _, id := range report.Stalled {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := m.escalate(ctx, id, cutoff, &report); err != nil {
			m.logger.Error("escalation failed", "task_id", id, "err", err)
			errs = append(errs, fmt.Errorf("task %s: %w", id, err))
		}
	}

	m.logger.Info("scan complete", "scanned", report.Scanned, "stalled", len(report.Stalled),
		"marked", len(report.Marked), "requeued", len(report.Requeued), "failed", len(report.Failed))
	return report, errors.Join(errs...)
}

func (m *Monitor) escalate(ctx context.Context, id string, cutoff time.Time, report *Report) error {
	switch m.cfg.Strategy {
	case StrategyMarkStalled:
		ok, err := m.board.MarkStalled(ctx, id, cutoff)
		if err != nil {
			return err
		}
		if ok {
			report.Marked = append(report.Marked, id)
		}
	case StrategyRequeue:
		outcome, err := m.board.EscalateStale(ctx, id, cutoff, m.cfg.MaxFailureCount)
		if err != nil {
			return err
		}
		switch outcome {
		case board.EscalationRequeued:
			report.Requeued = append(report.Requeued, id)
		case board.EscalationFailed:
			report.Failed = append(report.Failed, id)
		}
	}
	return nil
}

// Run scans immediately and then on every tick of the configured schedule
// until ctx is cancelled. Overlapping ticks are skipped while a scan is still
// running.
func (m *Monitor) Run(ctx context.Context) error {
	schedule, err := m.schedule()
	if err != nil {
		return err
	}

	scan := func() {
		if _, err := m.Scan(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("scan failed", "err", err)
		}
	}

	m.logger.Info("starting", "strategy", m.cfg.Strategy, "pending_timeout", m.cfg.PendingTimeout,
		"max_failure_count", m.cfg.MaxFailureCount)

	// Run once immediately before waiting for the first tick.
	scan()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(scan))
	c.Start()

	<-ctx.Done()
	m.logger.Info("shutting down")
	<-c.Stop().Done()
	return nil
}

func (m *Monitor) schedule() (cron.Schedule, error) {
	if m.cfg.Schedule != "" {
		s, err := cron.ParseStandard(m.cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", m.cfg.Schedule, err)
		}
		return s, nil
	}
	return cron.Every(m.cfg.CheckInterval), nil
}
