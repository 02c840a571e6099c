// Package store is the embedded record store for tasks and sessions,
// backed by a single SQLite file in WAL mode.
//
// The store itself is deliberately dumb: it does plain reads and writes
// and closes the check-then-insert race inside one transaction. The
// sequencing, collision policy, and write verification around it live in
// internal/sequence, internal/guard, and internal/safewrite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/leonletto/keel/internal/safedb"
	"github.com/leonletto/keel/internal/safeerr"
	"github.com/leonletto/keel/internal/schema"
)

// ErrNotFound is returned when a record does not exist (or is archived
// and the caller did not ask for archived records).
var ErrNotFound = errors.New("record not found")

// Store provides access to the task and session tables.
type Store struct {
	db *safedb.DB
}

// Open opens (and if needed initializes) the store at path.
func Open(path string) (*Store, error) {
	db, err := schema.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := schema.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store schema: %w", err)
	}
	return &Store{db: safedb.New(db)}, nil
}

// New wraps an already-opened database.
func New(db *safedb.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying safe wrapper for collaborators that share
// the connection (checkpoint service, migration engine).
func (s *Store) DB() *safedb.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// tableFor maps a namespace to its backing table.
func tableFor(ns Namespace) (string, error) {
	switch ns {
	case NamespaceTask:
		return "tasks", nil
	case NamespaceSession:
		return "sessions", nil
	}
	return "", fmt.Errorf("unknown namespace %q", ns)
}

// Exists reports whether an ID is present in a namespace. Archived
// records count: an archived T007 still blocks a new T007.
func (s *Store) Exists(ctx context.Context, ns Namespace, id string) (exists bool, archived bool, err error) {
	table, err := tableFor(ns)
	if err != nil {
		return false, false, err
	}

	var archivedFlag int
	err = s.db.QueryRowContext(ctx,
		//nolint:gosec // G201 - table name from tableFor whitelist
		fmt.Sprintf("SELECT archived FROM %s WHERE id = ?", table), id,
	).Scan(&archivedFlag)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("check existence of %s: %w", id, err)
	}
	return true, archivedFlag != 0, nil
}

// MaxIDSuffix scans the namespace (including archived records) for the
// maximum numeric ID suffix. Returns 0 for an empty namespace.
func (s *Store) MaxIDSuffix(ctx context.Context, ns Namespace) (int, error) {
	table, err := tableFor(ns)
	if err != nil {
		return 0, err
	}

	var maxSuffix int
	err = s.db.QueryRowContext(ctx,
		//nolint:gosec // G201 - table name from tableFor whitelist
		fmt.Sprintf("SELECT COALESCE(MAX(CAST(substr(id, 2) AS INTEGER)), 0) FROM %s", table),
	).Scan(&maxSuffix)
	if err != nil {
		return 0, fmt.Errorf("scan max ID suffix: %w", err)
	}
	return maxSuffix, nil
}

// Count returns the number of records in a namespace. Archived records
// are included when includeArchived is set.
func (s *Store) Count(ctx context.Context, ns Namespace, includeArchived bool) (int, error) {
	table, err := tableFor(ns)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table) //nolint:gosec // G201 - table name from tableFor whitelist
	if !includeArchived {
		query += " WHERE archived = 0"
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

// insertGuarded runs an existence check and the insert inside a single
// transaction, closing the TOCTOU window between "ID not present" and
// the write. SQLite's transaction is the one true atomic unit here.
func (s *Store) insertGuarded(ctx context.Context, ns Namespace, id string, insert func(*sql.Tx) error) error {
	table, err := tableFor(ns)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var archivedFlag int
	err = tx.QueryRowContext(ctx,
		//nolint:gosec // G201 - table name from tableFor whitelist
		fmt.Sprintf("SELECT archived FROM %s WHERE id = ?", table), id,
	).Scan(&archivedFlag)
	if err == nil {
		return &safeerr.CollisionError{Namespace: string(ns), ID: id, Archived: archivedFlag != 0}
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("pre-insert existence check: %w", err)
	}

	if err := insert(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// archive logically deletes a record: it leaves the row (and therefore
// the ID reservation) in place and flips the archived flag.
func (s *Store) archive(ctx context.Context, ns Namespace, id string) error {
	table, err := tableFor(ns)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		//nolint:gosec // G201 - table name from tableFor whitelist
		fmt.Sprintf("UPDATE %s SET archived = 1, archived_at = ? WHERE id = ? AND archived = 0", table),
		now, id,
	)
	if err != nil {
		return fmt.Errorf("archive %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("archive %s: rows affected: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("archive %s: %w", id, ErrNotFound)
	}
	return nil
}

// timeOrNil formats an optional timestamp for storage.
func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// scanTime parses a stored RFC3339 timestamp.
func scanTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// scanTimePtr parses an optional stored timestamp.
func scanTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := scanTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
