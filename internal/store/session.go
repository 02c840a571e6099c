package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CreateSession inserts a new session with the same guarded-insert
// discipline as CreateTask.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("create session: empty ID")
	}
	if !sess.Status.Valid() {
		return fmt.Errorf("create session %s: invalid status %q", sess.ID, sess.Status)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	return s.insertGuarded(ctx, NamespaceSession, sess.ID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, agent, status, task_id, notes, created_at, updated_at, archived, archived_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
			sess.ID, sess.Agent, string(sess.Status), sess.TaskID, sess.Notes,
			sess.CreatedAt.UTC().Format(time.RFC3339), timeOrNil(sess.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
		return nil
	})
}

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, id string, includeArchived bool) (*Session, error) {
	query := `SELECT id, agent, status, COALESCE(task_id, ''), COALESCE(notes, ''),
	                 created_at, updated_at, archived, archived_at
	          FROM sessions WHERE id = ?`
	if !includeArchived {
		query += " AND archived = 0"
	}

	var (
		sess       Session
		status     string
		createdAt  string
		updatedAt  sql.NullString
		archived   int
		archivedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.Agent, &status, &sess.TaskID, &sess.Notes,
		&createdAt, &updatedAt, &archived, &archivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	sess.Status = SessionStatus(status)
	sess.Archived = archived != 0
	if sess.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if sess.UpdatedAt, err = scanTimePtr(updatedAt); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if sess.ArchivedAt, err = scanTimePtr(archivedAt); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

// UpdateSession applies a patch to a live session.
func (s *Store) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	if patch.Empty() {
		return nil
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("update session %s: invalid status %q", id, *patch.Status)
	}

	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}
	if patch.Agent != nil {
		set = append(set, "agent = ?")
		args = append(args, *patch.Agent)
	}
	if patch.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.TaskID != nil {
		set = append(set, "task_id = ?")
		args = append(args, *patch.TaskID)
	}
	if patch.Notes != nil {
		set = append(set, "notes = ?")
		args = append(args, *patch.Notes)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET "+strings.Join(set, ", ")+" WHERE id = ? AND archived = 0",
		args...,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: rows affected: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("update session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ArchiveSession logically deletes a session.
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	return s.archive(ctx, NamespaceSession, id)
}

// SessionListOptions filters ListSessions.
type SessionListOptions struct {
	Status          SessionStatus // zero value = all statuses
	TaskID          string        // restrict to sessions linked to a task
	IncludeArchived bool
}

// ListSessions returns sessions ordered by ID.
func (s *Store) ListSessions(ctx context.Context, opts SessionListOptions) ([]Session, error) {
	query := `SELECT id, agent, status, COALESCE(task_id, ''), COALESCE(notes, ''),
	                 created_at, updated_at, archived, archived_at
	          FROM sessions WHERE 1=1`
	var args []any
	if !opts.IncludeArchived {
		query += " AND archived = 0"
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, opts.TaskID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess       Session
			status     string
			createdAt  string
			updatedAt  sql.NullString
			archived   int
			archivedAt sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.Agent, &status, &sess.TaskID, &sess.Notes,
			&createdAt, &updatedAt, &archived, &archivedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = SessionStatus(status)
		sess.Archived = archived != 0
		if sess.CreatedAt, err = scanTime(createdAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if sess.UpdatedAt, err = scanTimePtr(updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if sess.ArchivedAt, err = scanTimePtr(archivedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// UpsertSession inserts or replaces a session keeping its ID. Used by
// the migration engine.
func (s *Store) UpsertSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("upsert session: empty ID")
	}
	if !sess.Status.Valid() {
		return fmt.Errorf("upsert session %s: invalid status %q", sess.ID, sess.Status)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	archived := 0
	if sess.Archived {
		archived = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent, status, task_id, notes, created_at, updated_at, archived, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   agent = excluded.agent,
		   status = excluded.status,
		   task_id = excluded.task_id,
		   notes = excluded.notes,
		   created_at = excluded.created_at,
		   updated_at = excluded.updated_at,
		   archived = excluded.archived,
		   archived_at = excluded.archived_at`,
		sess.ID, sess.Agent, string(sess.Status), sess.TaskID, sess.Notes,
		sess.CreatedAt.UTC().Format(time.RFC3339), timeOrNil(sess.UpdatedAt), archived, timeOrNil(sess.ArchivedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}
	return nil
}
