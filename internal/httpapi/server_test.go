package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/filelock"
	"github.com/dyluth/burrow/pkg/mailbox"
)

type fixture struct {
	board   *board.Board
	mailbox *mailbox.Mailbox
	srv     *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	locks := filelock.NewManager()
	f := &fixture{
		board:   board.New(dir+"/board", locks),
		mailbox: mailbox.New(dir+"/mailbox", locks),
	}
	opts = append([]Option{WithMailbox(f.mailbox)}, opts...)
	f.srv = httptest.NewServer(New(":0", f.board, opts...).Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Boards["working"])

	require.NoError(t, os.MkdirAll(f.board.Dir(), 0o755))
	require.NoError(t, os.WriteFile(f.board.Path(board.KindWorking), []byte("{nope"), 0o644))

	resp, body = f.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unreadable", health.Boards["working"])
	assert.Equal(t, "ok", health.Boards["backlog"])
	assert.NotEmpty(t, health.Error)
}

func TestListTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, id := range []string{"T1", "T2"} {
		_, err := f.board.AddTask(ctx, board.Task{ID: id})
		require.NoError(t, err)
	}
	_, err := f.board.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	resp, body := f.get(t, "/tasks?board=backlog")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var list TaskListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, "backlog", list.Board)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "T2", list.Tasks[0].ID)

	resp, body = f.get(t, "/tasks")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list = TaskListResponse{}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Empty(t, list.Board)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "T2", list.Tasks[0].ID, "backlog is listed before working")
	assert.Equal(t, "T1", list.Tasks[1].ID)

	_, body = f.get(t, "/tasks?status=CLAIMED")
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "w1", list.Tasks[0].ClaimedBy)

	_, body = f.get(t, "/tasks?board=working&status=IN_PROGRESS")
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 0, list.Count)
	assert.NotNil(t, list.Tasks)

	resp, _ = f.get(t, "/tasks?status=BOGUS")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.get(t, "/tasks?board=attic")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "error")
}

func TestGetTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.board.AddTask(ctx, board.Task{ID: "T1", Description: "index the docs"})
	require.NoError(t, err)

	resp, body := f.get(t, "/tasks/T1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var task board.Task
	require.NoError(t, json.Unmarshal(body, &task))
	assert.Equal(t, "index the docs", task.Description)
	assert.Equal(t, "backlog", resp.Header.Get("X-Burrow-Board"))

	resp, _ = f.get(t, "/tasks/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, "/tasks/backlog/T1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "backlog", resp.Header.Get("X-Burrow-Board"))

	resp, _ = f.get(t, "/tasks/working/T1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, "/tasks/attic/T1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMailboxRoutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.mailbox.Send(ctx, "boss", "w1", "hello", 1)
	require.NoError(t, err)

	resp, body := f.get(t, "/mailbox/w1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mb MailboxResponse
	require.NoError(t, json.Unmarshal(body, &mb))
	require.Equal(t, 1, mb.Count)
	assert.Equal(t, "hello", mb.Messages[0].Content)

	_, body = f.get(t, "/mailbox/boss/outbox")
	require.NoError(t, json.Unmarshal(body, &mb))
	assert.Equal(t, 1, mb.Count)

	// Peeking does not consume.
	msgs, err := f.mailbox.Peek(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	resp, _ = f.get(t, "/mailbox/-bad")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t, WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "burrow_up 1\n")
	})))

	resp, body := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "burrow_up 1\n", string(body))
}

func TestStartAndShutdown(t *testing.T) {
	b := board.New(t.TempDir(), nil)
	s := New("127.0.0.1:0", b)
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, err = http.Get("http://" + s.Addr() + "/healthz")
	assert.Error(t, err)

	assert.NoError(t, New(":0", b).Shutdown(ctx), "shutdown before start is a no-op")
}
