// Package flock provides cross-process advisory file locks.
//
// A Lock is a scoped-acquisition resource: acquire with a timeout, release
// in a defer on every exit path. The OS drops the lock automatically when
// the process exits (even SIGKILL), so a crashed holder never wedges the
// file. Locks are not reentrant.
package flock

import "os"

// Lock holds an exclusive advisory lock on a sidecar file.
type Lock struct {
	path string
	file *os.File
}

// Path returns the path to the lock file.
func (l *Lock) Path() string {
	return l.path
}
