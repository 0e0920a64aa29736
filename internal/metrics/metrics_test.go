package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/eventbus"
	"github.com/dyluth/burrow/pkg/filelock"
)

func TestObserveCountsEvents(t *testing.T) {
	m := New()
	bus := eventbus.New(nil)
	m.Attach(bus)

	h := eventbus.NewHeader("test", 0)
	bus.Publish(eventbus.TaskClaimed{Header: h, TaskID: "T1", AgentID: "a"})
	bus.Publish(eventbus.TaskClaimed{Header: h, TaskID: "T2", AgentID: "a"})
	bus.Publish(eventbus.TaskCompleted{Header: h, TaskID: "T1", AgentID: "a"})
	bus.Publish(eventbus.TaskFailed{Header: h, TaskID: "T2", FailureCount: 2})
	bus.Publish(eventbus.TaskReleased{Header: h, TaskID: "T3", FailureCount: 1})
	bus.Publish(eventbus.TaskStalled{Header: h, TaskID: "T4", Idle: 10 * time.Minute})
	bus.Publish(eventbus.MessageSent{Header: h, MessageID: "m1"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TaskEvents.WithLabelValues("claimed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskEvents.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskEvents.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskEvents.WithLabelValues("released")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskEvents.WithLabelValues("stalled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent))

	expected := `
# HELP burrow_board_task_failure_count failure_count of tasks at the time they were released or failed.
# TYPE burrow_board_task_failure_count histogram
burrow_board_task_failure_count_bucket{le="0"} 0
burrow_board_task_failure_count_bucket{le="1"} 1
burrow_board_task_failure_count_bucket{le="2"} 2
burrow_board_task_failure_count_bucket{le="3"} 2
burrow_board_task_failure_count_bucket{le="5"} 2
burrow_board_task_failure_count_bucket{le="8"} 2
burrow_board_task_failure_count_bucket{le="13"} 2
burrow_board_task_failure_count_bucket{le="+Inf"} 2
burrow_board_task_failure_count_sum 3
burrow_board_task_failure_count_count 2
`
	require.NoError(t, testutil.CollectAndCompare(m.TaskFailureCount, strings.NewReader(expected)))
}

func TestHeartbeatGauge(t *testing.T) {
	m := New()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	m.Observe(eventbus.AgentHeartbeat{Header: eventbus.Header{SourceID: "w1", Timestamp: at}, AgentID: "w1"})
	m.Observe(eventbus.AgentHeartbeat{Header: eventbus.Header{SourceID: "w1", Timestamp: at.Add(time.Second)}, AgentID: "w1"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Heartbeats.WithLabelValues("w1")))
	assert.Equal(t, float64(at.Unix()+1), testutil.ToFloat64(m.LastHeartbeat.WithLabelValues("w1")))
}

func TestWatchBoardReportsCounts(t *testing.T) {
	ctx := context.Background()
	b := board.New(t.TempDir(), filelock.NewManager())
	for _, id := range []string{"T1", "T2", "T3"} {
		_, err := b.AddTask(ctx, board.Task{ID: id})
		require.NoError(t, err)
	}
	_, err := b.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	m := New()
	require.NoError(t, m.WatchBoard(b))

	expected := `
# HELP burrow_board_tasks Tasks currently on each board, labelled by board and status.
# TYPE burrow_board_tasks gauge
burrow_board_tasks{board="backlog",status="PENDING"} 2
burrow_board_tasks{board="working",status="CLAIMED"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "burrow_board_tasks"))
}

type brokenLister struct{}

func (brokenLister) GetAllTasks(context.Context, board.Kind) ([]board.Task, error) {
	return nil, errors.New("disk on fire")
}

func TestWatchBoardReadErrors(t *testing.T) {
	m := New()
	require.NoError(t, m.WatchBoard(brokenLister{}))

	expected := `
# HELP burrow_board_read_errors 1 if the board could not be read during this scrape.
# TYPE burrow_board_read_errors gauge
burrow_board_read_errors{board="archive"} 1
burrow_board_read_errors{board="backlog"} 1
burrow_board_read_errors{board="working"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "burrow_board_read_errors"))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.Observe(eventbus.MessageSent{Header: eventbus.NewHeader("a", 0)})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "burrow_mailbox_messages_sent_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
