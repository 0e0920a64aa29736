package watch

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/eventbus"
)

type location struct {
	kind board.Kind
	task board.Task
}

// Poller derives lifecycle events by diffing board snapshots. It is used
// when no relay is configured; events for transitions that happen between
// two polls are collapsed into the latest one.
type Poller struct {
	tasks    TaskReader
	interval time.Duration
	logger   *log.Logger
	last     map[string]location
}

// NewPoller creates a poller. The first Poll only records a baseline.
func NewPoller(tasks TaskReader, interval time.Duration, logger *log.Logger) *Poller {
	return &Poller{tasks: tasks, interval: interval, logger: logging.Component(logger, "watch")}
}

// Poll takes one snapshot and returns the events implied by the changes
// since the previous one.
func (p *Poller) Poll(ctx context.Context) ([]eventbus.Event, error) {
	now := make(map[string]location)
	for _, kind := range board.Kinds {
		tasks, err := p.tasks.GetAllTasks(ctx, kind)
		if err != nil {
			return nil, err
		}
		// Kinds is in lifecycle order, so a later-stage copy wins.
		for _, t := range tasks {
			now[t.ID] = location{kind: kind, task: t}
		}
	}

	if p.last == nil {
		p.last = now
		return nil, nil
	}

	var events []eventbus.Event
	for id, cur := range now {
		prev, seen := p.last[id]
		if seen && prev.kind == cur.kind && prev.task.UpdatedAt.Equal(cur.task.UpdatedAt) {
			continue
		}
		if ev := diff(prev, seen, cur); ev != nil {
			events = append(events, ev)
		}
	}
	p.last = now
	return events, nil
}

func diff(prev location, seen bool, cur location) eventbus.Event {
	t := cur.task
	h := eventbus.Header{SourceID: "watch", Priority: t.Priority, Timestamp: t.UpdatedAt}

	switch t.Status {
	case board.StatusClaimed:
		return eventbus.TaskClaimed{Header: h, TaskID: t.ID, AgentID: t.ClaimedBy}
	case board.StatusInProgress:
		if !seen || prev.task.Status != board.StatusClaimed {
			return eventbus.TaskClaimed{Header: h, TaskID: t.ID, AgentID: t.ClaimedBy}
		}
	case board.StatusCompleted:
		return eventbus.TaskCompleted{Header: h, TaskID: t.ID, AgentID: t.LastAgent, Result: t.Result}
	case board.StatusFailed:
		return eventbus.TaskFailed{Header: h, TaskID: t.ID, AgentID: t.LastAgent, Error: t.Error, FailureCount: t.FailureCount}
	case board.StatusStalled:
		return eventbus.TaskStalled{Header: h, TaskID: t.ID, AgentID: t.LastAgent, Idle: t.UpdatedAt.Sub(prev.task.UpdatedAt)}
	case board.StatusPending:
		if seen && (prev.kind != board.KindBacklog || t.FailureCount > prev.task.FailureCount) {
			reason := "released"
			if prev.task.Status == board.StatusStalled {
				reason = "requeued"
			}
			return eventbus.TaskReleased{Header: h, TaskID: t.ID, AgentID: t.LastAgent, FailureCount: t.FailureCount, Reason: reason}
		}
	}
	return nil
}

// Run polls until ctx is cancelled, sending derived events on the returned
// channel. Read errors are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) <-chan eventbus.Event {
	out := make(chan eventbus.Event, 10)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			events, err := p.Poll(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("failed to read board", "err", err)
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
