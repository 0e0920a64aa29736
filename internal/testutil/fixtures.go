// Package testutil holds fixtures shared by package tests: a controllable
// clock and boards seeded in temporary directories.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dyluth/burrow/pkg/board"
	"github.com/dyluth/burrow/pkg/filelock"
)

// Epoch is the time a new Clock starts at.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock, safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to Epoch.
func NewClock() *Clock {
	return &Clock{now: Epoch}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NewBoard creates a board in a fresh temporary directory with fast lock
// retries.
func NewBoard(t *testing.T, opts ...board.Option) *board.Board {
	t.Helper()
	locks := filelock.NewManager(filelock.WithBackoff(time.Millisecond, 10*time.Millisecond))
	opts = append([]board.Option{board.WithLockTimeout(10 * time.Second)}, opts...)
	return board.New(t.TempDir(), locks, opts...)
}

// Seed adds a PENDING task for every id.
func Seed(t *testing.T, b *board.Board, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := b.AddTask(context.Background(), board.Task{ID: id})
		require.NoError(t, err)
	}
}

// Claim claims id for agentID and fails the test if it could not.
func Claim(t *testing.T, b *board.Board, id, agentID string) {
	t.Helper()
	ok, err := b.ClaimTask(context.Background(), id, agentID)
	require.NoError(t, err)
	require.True(t, ok, "claim %s for %s", id, agentID)
}
