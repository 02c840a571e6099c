//go:build unix

package flock_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/leonletto/keel/internal/flock"
	"github.com/leonletto/keel/internal/safeerr"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	lock, err := flock.Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if lock.Path() != path {
		t.Errorf("Path() = %q, want %q", lock.Path(), path)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Release() failed: %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	lock, err := flock.Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Errorf("first Release() failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() should be a no-op, got: %v", err)
	}
}

func TestAcquire_Contended(t *testing.T) {
	// flock is per-fd within a single process, so two Acquire calls on the
	// same path contend just like two processes would.
	path := filepath.Join(t.TempDir(), "test.lock")

	first, err := flock.Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	defer func() { _ = first.Release() }()

	_, err = flock.Acquire(context.Background(), path, 100*time.Millisecond)
	if err == nil {
		t.Fatal("second Acquire() should time out while lock is held")
	}

	var timeout *safeerr.LockTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected LockTimeoutError, got %v", err)
	}
	if timeout.Path != path {
		t.Errorf("timeout.Path = %q, want %q", timeout.Path, path)
	}
}

func TestAcquire_AfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	first, err := flock.Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	second, err := flock.Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() after release failed: %v", err)
	}
	_ = second.Release()
}

func TestAcquire_WaitsForHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	first, err := flock.Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = first.Release()
		close(released)
	}()

	// Should succeed once the holder releases, well within the budget
	second, err := flock.Acquire(context.Background(), path, 2*time.Second)
	if err != nil {
		t.Fatalf("Acquire() should succeed after holder releases: %v", err)
	}
	<-released
	_ = second.Release()
}

func TestAcquire_ContextCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	first, err := flock.Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	defer func() { _ = first.Release() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = flock.Acquire(ctx, path, time.Minute)
	if err == nil {
		t.Fatal("Acquire() should fail with canceled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestIsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	if flock.IsLocked(path) {
		t.Error("IsLocked() should be false for a missing file")
	}

	lock, err := flock.Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if !flock.IsLocked(path) {
		t.Error("IsLocked() should be true while held")
	}

	_ = lock.Release()
	if flock.IsLocked(path) {
		t.Error("IsLocked() should be false after release")
	}
}
