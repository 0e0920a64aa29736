// Package filelock provides advisory, timeout-bounded exclusive locks on named
// resources shared between processes.
//
// A resource is identified by a file path. The lock itself is an flock(2) held
// on a sibling "<path>.lock" file, so the protected file can be replaced by
// rename without invalidating the lock. Cooperating processes must all go
// through a Manager for the lock to mean anything.
//
// flock is scoped to an open file description, not to a process, so the
// Manager additionally serialises goroutines of the same process that target
// the same resource.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
)

const (
	// DefaultInitialInterval is the first retry delay when the lock is busy.
	DefaultInitialInterval = 5 * time.Millisecond

	// DefaultMaxInterval caps the retry delay.
	DefaultMaxInterval = 100 * time.Millisecond

	lockSuffix = ".lock"
)

// ErrLockTimeout is matched by every error returned when a lock could not be
// acquired within its timeout.
var ErrLockTimeout = errors.New("lock timeout")

var errBusy = errors.New("lock busy")

// TimeoutError reports which resource could not be locked and for how long
// the caller waited.
type TimeoutError struct {
	Resource string
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock on %s", e.Waited.Round(time.Millisecond), e.Resource)
}

// Unwrap returns ErrLockTimeout so callers can use errors.Is.
func (e *TimeoutError) Unwrap() error {
	return ErrLockTimeout
}

// IsTimeout returns true if err is (or wraps) a lock timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// Manager acquires locks on resources. The zero value is not usable; call
// NewManager. A Manager is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	local map[string]chan struct{}

	initialInterval time.Duration
	maxInterval     time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackoff overrides the retry delays used while a lock is busy.
func WithBackoff(initial, max time.Duration) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.initialInterval = initial
		}
		if max > 0 {
			m.maxInterval = max
		}
	}
}

// NewManager creates a lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		local:           make(map[string]chan struct{}),
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle is a held lock. Release it exactly once via Release; extra calls are
// no-ops, which makes `defer h.Release()` always safe.
type Handle struct {
	resource string
	fl       *flock.Flock
	unlocal  func()
	once     sync.Once
	err      error
}

// Resource returns the name of the locked resource.
func (h *Handle) Resource() string {
	return h.resource
}

// Release unlocks the resource. Safe to call on a nil handle and safe to call
// more than once.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if err := h.fl.Unlock(); err != nil {
			h.err = fmt.Errorf("failed to unlock %s: %w", h.resource, err)
		}
		h.unlocal()
	})
	return h.err
}

// Acquire blocks until the resource is locked, the timeout elapses or ctx is
// cancelled. A timeout <= 0 makes exactly one attempt.
//
// On timeout the returned error is a *TimeoutError matching ErrLockTimeout.
func (m *Manager) Acquire(ctx context.Context, resource string, timeout time.Duration) (*Handle, error) {
	if resource == "" {
		return nil, fmt.Errorf("lock resource cannot be empty")
	}
	resource = filepath.Clean(resource)
	start := time.Now()

	if err := m.lockLocal(ctx, resource, timeout); err != nil {
		if errors.Is(err, errBusy) {
			return nil, &TimeoutError{Resource: resource, Waited: time.Since(start)}
		}
		return nil, err
	}
	unlocal := func() { m.unlockLocal(resource) }

	lockPath := resource + lockSuffix
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		unlocal()
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(lockPath)
	remaining := timeout - time.Since(start)
	if err := m.lockFile(ctx, fl, remaining); err != nil {
		unlocal()
		if errors.Is(err, errBusy) {
			return nil, &TimeoutError{Resource: resource, Waited: time.Since(start)}
		}
		return nil, err
	}

	return &Handle{resource: resource, fl: fl, unlocal: unlocal}, nil
}

func (m *Manager) semaphore(resource string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	sem, ok := m.local[resource]
	if !ok {
		sem = make(chan struct{}, 1)
		m.local[resource] = sem
	}
	return sem
}

func (m *Manager) lockLocal(ctx context.Context, resource string, timeout time.Duration) error {
	sem := m.semaphore(resource)

	if timeout <= 0 {
		select {
		case sem <- struct{}{}:
			return nil
		default:
			return errBusy
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return nil
	case <-timer.C:
		return errBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unlockLocal(resource string) {
	<-m.semaphore(resource)
}

// lockFile retries TryLock with exponential backoff until it succeeds or the
// remaining time runs out.
func (m *Manager) lockFile(ctx context.Context, fl *flock.Flock, remaining time.Duration) error {
	attempt := func() error {
		ok, err := fl.TryLock()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to lock %s: %w", fl.Path(), err))
		}
		if !ok {
			return errBusy
		}
		return nil
	}

	if remaining <= 0 {
		return attempt()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialInterval
	b.MaxInterval = m.maxInterval
	b.MaxElapsedTime = remaining

	err := backoff.Retry(attempt, backoff.WithContext(b, ctx))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
