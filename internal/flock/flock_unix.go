//go:build unix

package flock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/leonletto/keel/internal/safeerr"
)

// acquirePollInterval is how often Acquire retries a contended lock.
const acquirePollInterval = 25 * time.Millisecond

// Acquire takes an exclusive lock on path, polling until timeout.
// Returns *safeerr.LockTimeoutError if another process holds the lock
// for the whole budget. The context cancels the wait early.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304 - path from internal var directory
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &Lock{path: path, file: f}, nil
		}
		if err != syscall.EWOULDBLOCK {
			_ = f.Close()
			return nil, fmt.Errorf("acquire lock: %w", err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, &safeerr.LockTimeoutError{Path: path, Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("acquire lock: %w", ctx.Err())
		case <-time.After(acquirePollInterval):
		}
	}
}

// Release releases the lock and closes the file handle.
// Safe to call multiple times — subsequent calls are no-ops.
// The lock file itself is left in place; removing it would race with
// other processes opening it for their own flock.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	// Capture and nil before operations to prevent double-release on reused fd
	f := l.file
	l.file = nil
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return f.Close()
}

// IsLocked reports whether the lock file is currently held by another process.
func IsLocked(path string) bool {
	f, err := os.OpenFile(path, os.O_RDONLY, 0) //nolint:gosec // G304 - path from internal var directory
	if err != nil {
		// File doesn't exist or can't be opened - not locked
		return false
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return true
	}

	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return false
}
