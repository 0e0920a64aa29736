package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/eventbus"
	"github.com/dyluth/burrow/pkg/filelock"
	"github.com/dyluth/burrow/pkg/mailbox"
)

type fixture struct {
	board   *board.Board
	mailbox *mailbox.Mailbox
	bus     *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	locks := filelock.NewManager(filelock.WithBackoff(time.Millisecond, 10*time.Millisecond))
	bus := eventbus.New(nil)
	return &fixture{
		board:   board.New(dir+"/board", locks, board.WithBus(bus)),
		mailbox: mailbox.New(dir+"/mailbox", locks),
		bus:     bus,
	}
}

func (f *fixture) add(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.board.AddTask(context.Background(), board.Task{ID: id})
		require.NoError(t, err)
	}
}

func testConfig(id string) Config {
	return Config{AgentID: id, HeartbeatInterval: 20 * time.Millisecond, PollInterval: 10 * time.Millisecond}
}

func TestRunOnceCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, "T1")

	_, err := f.mailbox.Send(ctx, "boss", "worker-1", "use the fast path", 0)
	require.NoError(t, err)

	var seen ToolInput
	exec := ExecutorFunc(func(ctx context.Context, in ToolInput) (*ToolOutput, error) {
		seen = in
		return &ToolOutput{Result: "done", Metadata: map[string]string{"rows": "12"}}, nil
	})
	r, err := New(testConfig("worker-1"), f.board, exec, WithInbox(f.mailbox))
	require.NoError(t, err)

	worked, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	assert.Equal(t, "T1", seen.Task.ID)
	assert.Equal(t, board.StatusInProgress, seen.Task.Status)
	require.Len(t, seen.Messages, 1)
	assert.Equal(t, "use the fast path", seen.Messages[0].Content)

	task, kind, err := f.board.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, board.KindArchive, kind)
	assert.Equal(t, board.StatusCompleted, task.Status)
	assert.Equal(t, "done", task.Result)
	assert.Equal(t, "12", task.Metadata["rows"])
	assert.NotEmpty(t, task.Metadata["run_id"])
	assert.Equal(t, int64(1), r.Completed())

	worked, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "backlog is empty")
}

func TestRunOnceFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, "T1", "T2")

	calls := 0
	exec := ExecutorFunc(func(ctx context.Context, in ToolInput) (*ToolOutput, error) {
		calls++
		if in.Task.ID == "T1" {
			return nil, errors.New("upstream returned 503")
		}
		panic("tool crashed")
	})
	r, err := New(testConfig("worker-1"), f.board, exec)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		worked, err := r.RunOnce(ctx)
		require.NoError(t, err)
		assert.True(t, worked)
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(2), r.Failed())

	t1, _, err := f.board.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, board.StatusFailed, t1.Status)
	assert.Equal(t, "upstream returned 503", t1.Error)

	t2, _, err := f.board.Get(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, board.StatusFailed, t2.Status)
	assert.Contains(t, t2.Error, "executor panicked")
}

func TestStartProcessesBacklogAndHeartbeats(t *testing.T) {
	f := newFixture(t)
	f.add(t, "T1", "T2", "T3")

	var (
		mu    sync.Mutex
		beats int
	)
	eventbus.On(f.bus, func(ev eventbus.AgentHeartbeat) error {
		mu.Lock()
		beats++
		mu.Unlock()
		return nil
	})

	done := make(chan struct{}, 3)
	exec := ExecutorFunc(func(ctx context.Context, in ToolInput) (*ToolOutput, error) {
		done <- struct{}{}
		return &ToolOutput{Result: "ok"}, nil
	})
	r, err := New(testConfig("worker-1"), f.board, exec, WithBus(f.bus))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- r.Start(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("task not executed")
		}
	}
	require.Eventually(t, func() bool { return r.Completed() == 3 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, beats, 1)
}

func TestShutdownReleasesInFlightTask(t *testing.T) {
	f := newFixture(t)
	f.add(t, "T1")

	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, in ToolInput) (*ToolOutput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r, err := New(testConfig("worker-1"), f.board, exec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- r.Start(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task not started")
	}
	assert.Equal(t, "T1", r.CurrentTask())
	cancel()
	require.NoError(t, <-stopped)

	task, kind, err := f.board.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, board.KindBacklog, kind)
	assert.Equal(t, board.StatusPending, task.Status)
	assert.Equal(t, 1, task.FailureCount)
	assert.Empty(t, r.CurrentTask())
}

// cancelAfterClaim cancels the run as soon as a task has been claimed.
type cancelAfterClaim struct {
	*board.Board
	cancel context.CancelFunc
}

func (c cancelAfterClaim) ClaimNext(ctx context.Context, agentID string) (*board.Task, error) {
	task, err := c.Board.ClaimNext(ctx, agentID)
	c.cancel()
	return task, err
}

func TestCancelBeforeStartReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.add(t, "T1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executed := false
	exec := ExecutorFunc(func(ctx context.Context, in ToolInput) (*ToolOutput, error) {
		executed = true
		return &ToolOutput{Result: "done"}, nil
	})
	r, err := New(testConfig("worker-1"), cancelAfterClaim{Board: f.board, cancel: cancel}, exec)
	require.NoError(t, err)

	worked, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.False(t, executed)

	task, kind, err := f.board.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, board.KindBacklog, kind)
	assert.Equal(t, board.StatusPending, task.Status)
	assert.Empty(t, task.ClaimedBy)
}

func TestNewValidatesConfig(t *testing.T) {
	f := newFixture(t)
	exec := ExecutorFunc(func(ctx context.Context, in ToolInput) (*ToolOutput, error) { return nil, nil })

	_, err := New(Config{AgentID: "bad id", HeartbeatInterval: time.Second, PollInterval: time.Second}, f.board, exec)
	assert.Error(t, err)

	_, err = New(Config{AgentID: "ok", PollInterval: time.Second}, f.board, exec)
	assert.ErrorContains(t, err, "heartbeat interval")

	_, err = New(testConfig("ok"), nil, exec)
	assert.Error(t, err)
}
