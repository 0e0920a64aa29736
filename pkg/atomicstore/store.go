// Package atomicstore persists JSON documents so that readers never observe a
// partially written file.
//
// Writes go to a temporary file in the target's directory, are flushed with
// fsync and then renamed over the target. Mutations run as a single
// read-modify-write cycle under a filelock.Manager lock on the target path.
package atomicstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dyluth/burrow/pkg/filelock"
)

// DefaultLockTimeout is used when a Store is created with a zero timeout.
const DefaultLockTimeout = 5 * time.Second

var (
	// ErrCorruptStore is matched by errors for files that exist but cannot be
	// parsed or fail validation.
	ErrCorruptStore = errors.New("corrupt store")

	// ErrNoChange may be returned by an Update mutator to skip the write.
	ErrNoChange = errors.New("no change")
)

// CorruptStoreError describes a file that exists but could not be decoded.
// The file is left untouched.
type CorruptStoreError struct {
	Path string
	Err  error
}

func (e *CorruptStoreError) Error() string {
	return fmt.Sprintf("corrupt store %s: %v", e.Path, e.Err)
}

// Unwrap returns the decoding or validation error.
func (e *CorruptStoreError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrCorruptStore.
func (e *CorruptStoreError) Is(target error) bool {
	return target == ErrCorruptStore
}

// IsCorrupt returns true if err is (or wraps) a corrupt store error.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptStore)
}

// Validator checks raw file contents before they are decoded.
type Validator func(data []byte) error

// Store reads and atomically replaces JSON files.
type Store struct {
	locks    *filelock.Manager
	timeout  time.Duration
	validate Validator

	// beforeRename runs after the temp file is durable and before it is
	// renamed into place. Tests use it to simulate a crash.
	beforeRename func(tmpPath, target string) error
}

// Option configures a Store.
type Option func(*Store)

// WithValidator runs v against the raw bytes of every file read.
func WithValidator(v Validator) Option {
	return func(s *Store) {
		s.validate = v
	}
}

// New creates a store that serialises mutations through locks. A timeout of
// zero uses DefaultLockTimeout.
func New(locks *filelock.Manager, timeout time.Duration, opts ...Option) *Store {
	if timeout == 0 {
		timeout = DefaultLockTimeout
	}
	s := &Store{
		locks:   locks,
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LockTimeout returns the timeout used for each lock acquisition.
func (s *Store) LockTimeout() time.Duration {
	return s.timeout
}

// Lock acquires the lock guarding path. Callers that need to mutate several
// files in one cycle lock them individually, always in the same order.
func (s *Store) Lock(ctx context.Context, path string) (*filelock.Handle, error) {
	return s.locks.Acquire(ctx, path, s.timeout)
}

// Read decodes the file at path into v. A missing file leaves v untouched and
// is not an error. A file that exists but cannot be parsed yields a
// *CorruptStoreError.
func (s *Store) Read(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return &CorruptStoreError{Path: path, Err: errors.New("file is empty")}
	}

	if s.validate != nil {
		if err := s.validate(data); err != nil {
			return &CorruptStoreError{Path: path, Err: err}
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptStoreError{Path: path, Err: err}
	}
	return nil
}

// Replace serialises v and atomically swaps it in at path.
// Callers mutating shared state must hold the path's lock.
func (s *Store) Replace(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpPath, path); err != nil {
			return err
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	committed = true

	syncDir(dir)
	return nil
}

// syncDir makes the rename durable. Not every filesystem supports fsync on a
// directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// Update runs one locked read-modify-write cycle on path. fn receives the
// current contents (the zero value when the file does not exist yet). If fn
// returns ErrNoChange nothing is written; any other error aborts the cycle
// and is returned unchanged.
func Update[T any](ctx context.Context, s *Store, path string, fn func(*T) error) (T, error) {
	var v T

	h, err := s.Lock(ctx, path)
	if err != nil {
		return v, err
	}
	defer h.Release()

	if err := s.Read(path, &v); err != nil {
		return v, err
	}

	if err := fn(&v); err != nil {
		if errors.Is(err, ErrNoChange) {
			return v, nil
		}
		return v, err
	}

	if err := s.Replace(path, &v); err != nil {
		return v, err
	}
	return v, nil
}
