// Package sequence is the authority for monotonically increasing record
// IDs.
//
// Each namespace persists a single "next suffix to allocate" counter in
// .keel/var/seq/<ns>.json. The counter must stay ahead of the maximum
// numeric suffix actually present in the store — including archived
// records, which keep their IDs reserved forever. Drift (counter behind
// the data) is detected by Check and healed by Repair; Allocate
// self-heals on the way through.
package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/leonletto/keel/internal/flock"
	"github.com/leonletto/keel/internal/paths"
	"github.com/leonletto/keel/internal/safeerr"
	"github.com/leonletto/keel/internal/store"
)

// Authority allocates, checks, and repairs per-namespace ID counters.
type Authority struct {
	store       *store.Store
	layout      *paths.Layout
	lockTimeout time.Duration
	strict      bool
}

// New creates a sequence authority over the given store and layout.
func New(s *store.Store, layout *paths.Layout, lockTimeout time.Duration, strict bool) *Authority {
	return &Authority{store: s, layout: layout, lockTimeout: lockTimeout, strict: strict}
}

// Status is the result of a sequence check.
type Status struct {
	Namespace     string `json:"namespace"`
	Valid         bool   `json:"valid"`
	Counter       int    `json:"counter"`
	MaxObservedID int    `json:"maxObservedId"`
}

// counterFile is the persisted counter representation.
type counterFile struct {
	Namespace string `json:"namespace"`
	Counter   int    `json:"counter"`
	UpdatedAt string `json:"updated_at"`
}

// Allocate returns the next ID for a namespace and advances the
// persisted counter. The whole operation runs under the namespace's
// exclusive file lock so concurrent processes never receive the same ID.
//
// A stale counter is repaired in place. In strict mode a repair that
// cannot be persisted fails the allocation with *safeerr.SequenceError;
// otherwise the stale state is logged and allocation proceeds from the
// observed maximum.
func (a *Authority) Allocate(ctx context.Context, ns store.Namespace) (string, error) {
	if !ns.Valid() {
		return "", fmt.Errorf("allocate: unknown namespace %q", ns)
	}

	lock, err := flock.Acquire(ctx, a.layout.SeqLockPath(string(ns)), a.lockTimeout)
	if err != nil {
		return "", fmt.Errorf("allocate %s ID: %w", ns, err)
	}
	defer func() { _ = lock.Release() }()

	counter, err := a.readCounter(ns)
	if err != nil {
		return "", fmt.Errorf("allocate %s ID: %w", ns, err)
	}
	maxObserved, err := a.store.MaxIDSuffix(ctx, ns)
	if err != nil {
		return "", fmt.Errorf("allocate %s ID: %w", ns, err)
	}

	next := counter
	if counter <= maxObserved {
		// Counter fell behind the data (crash between insert and counter
		// persist, or an out-of-band import). Heal from the observed max.
		log.Printf("sequence: namespace %q counter %d behind max observed ID %d, repairing", ns, counter, maxObserved)
		next = maxObserved + 1
	}

	if err := a.writeCounter(ns, next+1); err != nil {
		if a.strict {
			return "", &safeerr.SequenceError{Namespace: string(ns), Counter: counter, MaxObservedID: maxObserved}
		}
		log.Printf("sequence: namespace %q counter persist failed (non-strict, continuing): %v", ns, err)
	}

	return ns.FormatID(next), nil
}

// Check compares the persisted counter against the maximum numeric
// suffix present in storage, archived records included. A counter less
// than or equal to the max is invalid: the next allocation would collide.
func (a *Authority) Check(ctx context.Context, ns store.Namespace) (*Status, error) {
	if !ns.Valid() {
		return nil, fmt.Errorf("check: unknown namespace %q", ns)
	}

	counter, err := a.readCounter(ns)
	if err != nil {
		return nil, fmt.Errorf("check %s sequence: %w", ns, err)
	}
	maxObserved, err := a.store.MaxIDSuffix(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("check %s sequence: %w", ns, err)
	}

	return &Status{
		Namespace:     string(ns),
		Valid:         counter > maxObserved,
		Counter:       counter,
		MaxObservedID: maxObserved,
	}, nil
}

// Repair sets the counter to maxObservedID+1 under the namespace lock
// and returns the new counter value.
func (a *Authority) Repair(ctx context.Context, ns store.Namespace) (int, error) {
	if !ns.Valid() {
		return 0, fmt.Errorf("repair: unknown namespace %q", ns)
	}

	lock, err := flock.Acquire(ctx, a.layout.SeqLockPath(string(ns)), a.lockTimeout)
	if err != nil {
		return 0, fmt.Errorf("repair %s sequence: %w", ns, err)
	}
	defer func() { _ = lock.Release() }()

	maxObserved, err := a.store.MaxIDSuffix(ctx, ns)
	if err != nil {
		return 0, fmt.Errorf("repair %s sequence: %w", ns, err)
	}

	newCounter := maxObserved + 1
	if err := a.writeCounter(ns, newCounter); err != nil {
		return 0, fmt.Errorf("repair %s sequence: %w", ns, err)
	}
	return newCounter, nil
}

// Reset forces the counter to an explicit value. The only sanctioned
// way to move a counter backwards.
func (a *Authority) Reset(ctx context.Context, ns store.Namespace, counter int) error {
	if !ns.Valid() {
		return fmt.Errorf("reset: unknown namespace %q", ns)
	}

	lock, err := flock.Acquire(ctx, a.layout.SeqLockPath(string(ns)), a.lockTimeout)
	if err != nil {
		return fmt.Errorf("reset %s sequence: %w", ns, err)
	}
	defer func() { _ = lock.Release() }()

	return a.writeCounter(ns, counter)
}

// readCounter loads the persisted counter. A missing file reads as 1 —
// the first suffix ever allocated.
func (a *Authority) readCounter(ns store.Namespace) (int, error) {
	data, err := os.ReadFile(a.layout.SeqCounterPath(string(ns))) //nolint:gosec // G304 - path from internal var directory
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("read counter file: %w", err)
	}

	var cf counterFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return 0, fmt.Errorf("parse counter file: %w", err)
	}
	if cf.Counter < 1 {
		return 1, nil
	}
	return cf.Counter, nil
}

// writeCounter persists the counter atomically: write to a temp file,
// sync, rename over the target.
func (a *Authority) writeCounter(ns store.Namespace, counter int) error {
	if err := os.MkdirAll(a.layout.SeqDir(), 0750); err != nil {
		return fmt.Errorf("create seq directory: %w", err)
	}

	cf := counterFile{
		Namespace: string(ns),
		Counter:   counter,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal counter: %w", err)
	}

	path := a.layout.SeqCounterPath(string(ns))
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // G304 - path from internal var directory
	if err != nil {
		return fmt.Errorf("create temp counter file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp counter file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp counter file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp counter file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename counter file: %w", err)
	}
	return nil
}
