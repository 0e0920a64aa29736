package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/burrow/pkg/eventbus"
)

func setupRelay(t *testing.T) (*Relay, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	r, err := New(&redis.Options{Addr: mr.Addr()}, "test-instance", nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func receive(t *testing.T, sub *Subscription) eventbus.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case err := <-sub.Errors():
		t.Fatalf("subscription error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for relayed event")
	}
	return nil
}

func TestNewRejectsEmptyInstance(t *testing.T) {
	_, err := New(&redis.Options{Addr: "localhost:6379"}, "", nil)
	assert.ErrorContains(t, err, "instance name cannot be empty")

	_, err = NewFromURL("not a url", "x", nil)
	assert.ErrorContains(t, err, "invalid redis url")
}

func TestEventsChannel(t *testing.T) {
	assert.Equal(t, "burrow:prod:events", EventsChannel("prod"))
}

func TestAttachRelaysBusEvents(t *testing.T) {
	r, _ := setupRelay(t)
	ctx := context.Background()
	require.NoError(t, r.Ping(ctx))

	sub, err := r.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	bus := eventbus.New(nil)
	r.Attach(bus)
	bus.Publish(eventbus.TaskClaimed{Header: eventbus.NewHeader("w1", 2), TaskID: "T1", AgentID: "w1"})
	bus.Publish(eventbus.TaskCompleted{Header: eventbus.NewHeader("w1", 2), TaskID: "T1", AgentID: "w1", Result: "ok"})

	claimed, ok := receive(t, sub).(eventbus.TaskClaimed)
	require.True(t, ok)
	assert.Equal(t, "T1", claimed.TaskID)
	assert.Equal(t, 2, claimed.Priority)

	completed, ok := receive(t, sub).(eventbus.TaskCompleted)
	require.True(t, ok)
	assert.Equal(t, "ok", completed.Result)

	assert.Eventually(t, func() bool { return r.Published() == 2 }, time.Second, 10*time.Millisecond)
}

func TestSubscribeSkipsGarbage(t *testing.T) {
	r, mr := setupRelay(t)
	ctx := context.Background()

	sub, err := r.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	mr.Publish(EventsChannel("test-instance"), "not json")
	select {
	case err := <-sub.Errors():
		assert.Contains(t, err.Error(), "failed to unmarshal relayed event")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a decode error")
	}

	require.NoError(t, r.Publish(ctx, eventbus.MessageSent{Header: eventbus.NewHeader("a", 0), MessageID: "m1"}))
	msg, ok := receive(t, sub).(eventbus.MessageSent)
	require.True(t, ok)
	assert.Equal(t, "m1", msg.MessageID)
}

func TestInstancesAreIsolated(t *testing.T) {
	r, mr := setupRelay(t)
	ctx := context.Background()

	other, err := New(&redis.Options{Addr: mr.Addr()}, "other", nil)
	require.NoError(t, err)
	defer other.Close()

	sub, err := other.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, r.Publish(ctx, eventbus.TaskStalled{Header: eventbus.NewHeader("m", 0), TaskID: "T1"}))

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event from another instance: %v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseFlushesAndIsIdempotent(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()

	r, err := New(&redis.Options{Addr: mr.Addr()}, "test-instance", nil)
	require.NoError(t, err)

	bus := eventbus.New(nil)
	r.Attach(bus)
	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.AgentHeartbeat{Header: eventbus.NewHeader("w1", 0), AgentID: "w1"})
	}

	require.NoError(t, r.Close())
	assert.Equal(t, int64(5), r.Published())
	assert.NoError(t, r.Close())

	bus.Publish(eventbus.AgentHeartbeat{Header: eventbus.NewHeader("w1", 0), AgentID: "w1"})
	assert.Equal(t, int64(1), r.Dropped())
}

func TestPublishFailsWhenRedisDown(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	r, err := New(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}, "test-instance", nil)
	require.NoError(t, err)
	defer r.Close()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = r.Publish(ctx, eventbus.MessageSent{Header: eventbus.NewHeader("a", 0)})
	assert.Error(t, err)
	assert.Zero(t, r.Published())
}
