package ledger

import (
	"context"
	"fmt"
	"os"

	"github.com/leonletto/keel/internal/flock"
)

// Read returns the live ledger entries in file order.
func (l *Ledger) Read(ctx context.Context) ([]Entry, error) {
	return readFile(l.layout.LedgerPath())
}

// Find returns the entry with the given ID, searching the live file
// first and then the archive.
func (l *Ledger) Find(ctx context.Context, id string) (*Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("find %s: %w", id, ErrNotFound)
}

// FilterOptions selects ledger entries. Zero values match everything.
type FilterOptions struct {
	Topic           string
	Status          Status
	ParentID        string
	IncludeArchived bool // also search the rotation archive
}

// Filter returns entries matching the options, in file order.
func (l *Ledger) Filter(ctx context.Context, opts FilterOptions) ([]Entry, error) {
	var entries []Entry
	var err error
	if opts.IncludeArchived {
		entries, err = l.readAll()
	} else {
		entries, err = readFile(l.layout.LedgerPath())
	}
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, e := range entries {
		if opts.Topic != "" && e.Topic != opts.Topic {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		if opts.ParentID != "" && e.ParentID != opts.ParentID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ArchiveEntry flips an entry's status to archived under the ledger
// lock. The entry stays in place; rotation is what moves lines between
// files.
func (l *Ledger) ArchiveEntry(ctx context.Context, id string) error {
	lock, err := flock.Acquire(ctx, l.layout.LedgerLockPath(), l.lockTimeout)
	if err != nil {
		return fmt.Errorf("archive ledger entry %s: %w", id, err)
	}
	defer func() { _ = lock.Release() }()

	entries, err := readFile(l.layout.LedgerPath())
	if err != nil {
		return fmt.Errorf("archive ledger entry %s: %w", id, err)
	}

	found := false
	for i := range entries {
		if entries[i].ID == id {
			entries[i].Status = StatusArchived
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("archive ledger entry %s: %w", id, ErrNotFound)
	}

	if err := rewriteFile(l.layout.LedgerPath(), entries); err != nil {
		return fmt.Errorf("archive ledger entry %s: %w", id, err)
	}
	return nil
}

// Rotate moves the oldest percent of live lines (by file position) into
// the archive once the live file exceeds thresholdBytes. Returns the
// number of entries moved. The archive append lands before the live file
// swap, so a crash in between duplicates lines into the archive rather
// than losing them; the duplicate check reads both files.
func (l *Ledger) Rotate(ctx context.Context, thresholdBytes int64, percent int) (int, error) {
	if percent <= 0 || percent > 100 {
		return 0, fmt.Errorf("rotate: percent %d outside (0, 100]", percent)
	}

	lock, err := flock.Acquire(ctx, l.layout.LedgerLockPath(), l.lockTimeout)
	if err != nil {
		return 0, fmt.Errorf("rotate ledger: %w", err)
	}
	defer func() { _ = lock.Release() }()

	info, err := os.Stat(l.layout.LedgerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("rotate ledger: %w", err)
	}
	if info.Size() <= thresholdBytes {
		return 0, nil
	}

	entries, err := readFile(l.layout.LedgerPath())
	if err != nil {
		return 0, fmt.Errorf("rotate ledger: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	n := len(entries) * percent / 100
	if n == 0 {
		n = 1
	}
	oldest, remaining := entries[:n], entries[n:]

	for i := range oldest {
		oldest[i].Status = StatusArchived
		if err := appendLine(l.layout.LedgerArchivePath(), &oldest[i]); err != nil {
			return 0, fmt.Errorf("rotate ledger: %w", err)
		}
	}
	if err := rewriteFile(l.layout.LedgerPath(), remaining); err != nil {
		return 0, fmt.Errorf("rotate ledger: %w", err)
	}
	return n, nil
}
