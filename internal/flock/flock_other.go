//go:build !unix

package flock

import (
	"context"
	"time"
)

// Acquire is a no-op on non-unix platforms.
// Cross-process locking for crash resilience is only supported on unix.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	return &Lock{path: path}, nil
}

// Release is a no-op on non-unix platforms.
func (l *Lock) Release() error {
	return nil
}

// IsLocked always returns false on non-unix platforms.
func IsLocked(path string) bool {
	return false
}
