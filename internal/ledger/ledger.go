// Package ledger is the append-only JSONL activity log.
//
// The ledger is shared by uncoordinated processes, so every mutation runs
// under an exclusive advisory lock on the .lock sidecar. Entry validation
// is a pure function and runs before the lock; the duplicate-ID check is
// repeated inside the lock to close the window between check and write.
// Entries are never rewritten except to flip status or enrich hierarchy,
// and rotation moves the oldest lines into a separate archive file.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/leonletto/keel/internal/flock"
	"github.com/leonletto/keel/internal/identity"
	"github.com/leonletto/keel/internal/paths"
	"github.com/leonletto/keel/internal/safeerr"
)

// ErrNotFound is returned when no entry has the requested ID.
var ErrNotFound = errors.New("ledger entry not found")

// pathSep separates hierarchy segments in an entry path. An entry's
// depth equals the number of separators in its path.
const pathSep = "/"

// idPattern is the required shape of a ledger entry ID.
var idPattern = regexp.MustCompile(`^R[0-9]+$`)

// Status is the lifecycle state of a ledger entry.
type Status string

// Entry statuses.
const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Audit records the provenance of an entry.
type Audit struct {
	OperationID string    `json:"operation_id,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	RecordedAt  time.Time `json:"recorded_at,omitempty"`
}

// Entry is one immutable ledger record. Hierarchy fields are enriched
// from the parent at append time when the caller leaves them unset.
type Entry struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	Title      string    `json:"title"`
	Body       string    `json:"body,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ParentID   string    `json:"parent_id,omitempty"`
	Path       string    `json:"path,omitempty"`
	Depth      int       `json:"depth,omitempty"`
	ChildCount int       `json:"child_count,omitempty"`
	Audit      *Audit    `json:"audit,omitempty"`
}

// Ledger reads and mutates the JSONL files under .keel/ledger/.
type Ledger struct {
	layout      *paths.Layout
	lockTimeout time.Duration
	maxDepth    int
}

// New creates a ledger over the layout. maxDepth bounds the hierarchy.
func New(layout *paths.Layout, lockTimeout time.Duration, maxDepth int) *Ledger {
	return &Ledger{layout: layout, lockTimeout: lockTimeout, maxDepth: maxDepth}
}

// Validate checks a single entry's schema. Pure: no file access, no
// locks. Violations come back as *safeerr.LedgerValidationError.
func (l *Ledger) Validate(e *Entry) error {
	var violations []string

	if !idPattern.MatchString(e.ID) {
		violations = append(violations, fmt.Sprintf("id %q does not match R<digits>", e.ID))
	}
	if e.Topic == "" {
		violations = append(violations, "topic is required")
	}
	if e.Title == "" {
		violations = append(violations, "title is required")
	}
	if e.Status != StatusActive && e.Status != StatusArchived {
		violations = append(violations, fmt.Sprintf("unknown status %q", e.Status))
	}
	if e.ParentID != "" {
		if !idPattern.MatchString(e.ParentID) {
			violations = append(violations, fmt.Sprintf("parent_id %q does not match R<digits>", e.ParentID))
		}
		if e.ParentID == e.ID {
			violations = append(violations, "entry cannot be its own parent")
		}
	}
	if e.Depth < 0 || e.Depth > l.maxDepth {
		violations = append(violations, fmt.Sprintf("depth %d outside [0, %d]", e.Depth, l.maxDepth))
	}
	if e.Path != "" {
		segments := strings.Split(e.Path, pathSep)
		if segments[len(segments)-1] != e.ID {
			violations = append(violations, fmt.Sprintf("path %q does not end in entry ID", e.Path))
		}
	}

	if len(violations) > 0 {
		return &safeerr.LedgerValidationError{EntryID: e.ID, Violations: violations}
	}
	return nil
}

// Append validates the entry, then under the ledger lock re-checks for a
// duplicate ID, enriches hierarchy from the parent, and appends the line
// with an fsync. The parent's child_count is incremented in a separate
// locked pass after the append lock is released; its failure is logged
// and never undoes the append.
func (l *Ledger) Append(ctx context.Context, e *Entry) error {
	if e.Status == "" {
		e.Status = StatusActive
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Audit == nil {
		e.Audit = &Audit{}
	}
	if e.Audit.OperationID == "" {
		e.Audit.OperationID = identity.NewOperationID()
	}
	if e.Audit.RecordedAt.IsZero() {
		e.Audit.RecordedAt = time.Now().UTC()
	}

	if err := l.Validate(e); err != nil {
		return err
	}

	if err := l.appendLocked(ctx, e); err != nil {
		return err
	}

	if e.ParentID != "" {
		if err := l.incrementChildCount(ctx, e.ParentID); err != nil {
			log.Printf("ledger: child_count update for %s failed (entry %s is already durable): %v", e.ParentID, e.ID, err)
		}
	}
	return nil
}

func (l *Ledger) appendLocked(ctx context.Context, e *Entry) error {
	lock, err := flock.Acquire(ctx, l.layout.LedgerLockPath(), l.lockTimeout)
	if err != nil {
		return fmt.Errorf("append ledger entry %s: %w", e.ID, err)
	}
	defer func() { _ = lock.Release() }()

	// Duplicate re-check under the lock. The archive counts: a rotated
	// ID is still taken.
	existing, err := l.readAll()
	if err != nil {
		return fmt.Errorf("append ledger entry %s: %w", e.ID, err)
	}
	for i := range existing {
		if existing[i].ID == e.ID {
			return &safeerr.LedgerValidationError{EntryID: e.ID, Violations: []string{"duplicate entry ID"}}
		}
	}

	if err := l.enrich(e, existing); err != nil {
		return err
	}

	return appendLine(l.layout.LedgerPath(), e)
}

// enrich fills hierarchy fields from the parent. Idempotent for values
// the caller already set, but pre-set values must agree with the
// resolved parent: the hierarchy invariants hold for every line that
// lands, so a wrong path or depth is rejected here rather than
// discovered later by CheckInvariants.
func (l *Ledger) enrich(e *Entry, existing []Entry) error {
	if e.ParentID == "" {
		if e.Path == "" {
			e.Path = e.ID
		} else if e.Path != e.ID {
			return &safeerr.LedgerValidationError{EntryID: e.ID, Violations: []string{fmt.Sprintf("path %q does not match root entry ID", e.Path)}}
		}
		if e.Depth != 0 {
			return &safeerr.LedgerValidationError{EntryID: e.ID, Violations: []string{fmt.Sprintf("depth %d on an entry without a parent", e.Depth)}}
		}
		return nil
	}

	var parent *Entry
	for i := range existing {
		if existing[i].ID == e.ParentID {
			parent = &existing[i]
			break
		}
	}
	if parent == nil {
		return &safeerr.LedgerValidationError{EntryID: e.ID, Violations: []string{fmt.Sprintf("parent %q not found", e.ParentID)}}
	}

	wantPath := parent.Path + pathSep + e.ID
	if e.Path == "" {
		e.Path = wantPath
	} else if e.Path != wantPath {
		return &safeerr.LedgerValidationError{EntryID: e.ID, Violations: []string{fmt.Sprintf("path %q does not extend parent path %q", e.Path, parent.Path)}}
	}

	wantDepth := parent.Depth + 1
	if e.Depth == 0 {
		e.Depth = wantDepth
	} else if e.Depth != wantDepth {
		return &safeerr.LedgerValidationError{EntryID: e.ID, Violations: []string{fmt.Sprintf("depth %d does not match parent depth %d", e.Depth, parent.Depth)}}
	}

	if e.Depth > l.maxDepth {
		return &safeerr.LedgerValidationError{EntryID: e.ID, Violations: []string{fmt.Sprintf("depth %d exceeds maximum %d", e.Depth, l.maxDepth)}}
	}
	return nil
}

// incrementChildCount bumps the parent's child_count under its own lock
// section. The parent may have been rotated into the archive.
func (l *Ledger) incrementChildCount(ctx context.Context, parentID string) error {
	lock, err := flock.Acquire(ctx, l.layout.LedgerLockPath(), l.lockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	for _, path := range []string{l.layout.LedgerPath(), l.layout.LedgerArchivePath()} {
		entries, err := readFile(path)
		if err != nil {
			return err
		}
		updated := false
		for i := range entries {
			if entries[i].ID == parentID {
				entries[i].ChildCount++
				updated = true
				break
			}
		}
		if updated {
			return rewriteFile(path, entries)
		}
	}
	return fmt.Errorf("parent %s not found in ledger or archive", parentID)
}

// readAll returns live entries followed by archived ones.
func (l *Ledger) readAll() ([]Entry, error) {
	live, err := readFile(l.layout.LedgerPath())
	if err != nil {
		return nil, err
	}
	archived, err := readFile(l.layout.LedgerArchivePath())
	if err != nil {
		return nil, err
	}
	return append(live, archived...), nil
}
