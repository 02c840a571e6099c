package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CreateTask inserts a new task. The existence check and insert run in
// one transaction; a live or archived ID collision returns
// *safeerr.CollisionError. CreatedAt is set here if zero.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("create task: empty ID")
	}
	if !task.Status.Valid() {
		return fmt.Errorf("create task %s: invalid status %q", task.ID, task.Status)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	return s.insertGuarded(ctx, NamespaceTask, task.ID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, title, status, priority, assignee, description, created_at, updated_at, archived, archived_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
			task.ID, task.Title, string(task.Status), task.Priority, task.Assignee, task.Description,
			task.CreatedAt.UTC().Format(time.RFC3339), timeOrNil(task.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", task.ID, err)
		}
		return nil
	})
}

// GetTask returns a task by ID. Archived tasks are only returned when
// includeArchived is set; otherwise ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string, includeArchived bool) (*Task, error) {
	query := `SELECT id, title, status, COALESCE(priority, ''), COALESCE(assignee, ''), COALESCE(description, ''),
	                 created_at, updated_at, archived, archived_at
	          FROM tasks WHERE id = ?`
	if !includeArchived {
		query += " AND archived = 0"
	}

	var (
		t          Task
		status     string
		createdAt  string
		updatedAt  sql.NullString
		archived   int
		archivedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Title, &status, &t.Priority, &t.Assignee, &t.Description,
		&createdAt, &updatedAt, &archived, &archivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	t.Status = TaskStatus(status)
	t.Archived = archived != 0
	if t.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if t.UpdatedAt, err = scanTimePtr(updatedAt); err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if t.ArchivedAt, err = scanTimePtr(archivedAt); err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// UpdateTask applies a patch to a live task. Archived tasks are
// immutable; updating one returns ErrNotFound.
func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch) error {
	if patch.Empty() {
		return nil
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("update task %s: invalid status %q", id, *patch.Status)
	}

	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}
	if patch.Title != nil {
		set = append(set, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Priority != nil {
		set = append(set, "priority = ?")
		args = append(args, *patch.Priority)
	}
	if patch.Assignee != nil {
		set = append(set, "assignee = ?")
		args = append(args, *patch.Assignee)
	}
	if patch.Description != nil {
		set = append(set, "description = ?")
		args = append(args, *patch.Description)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET "+strings.Join(set, ", ")+" WHERE id = ? AND archived = 0",
		args...,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: rows affected: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ArchiveTask logically deletes a task. The row stays so the ID keeps
// occupying the namespace.
func (s *Store) ArchiveTask(ctx context.Context, id string) error {
	return s.archive(ctx, NamespaceTask, id)
}

// TaskListOptions filters ListTasks.
type TaskListOptions struct {
	Status          TaskStatus // zero value = all statuses
	IncludeArchived bool
}

// ListTasks returns tasks ordered by ID.
func (s *Store) ListTasks(ctx context.Context, opts TaskListOptions) ([]Task, error) {
	query := `SELECT id, title, status, COALESCE(priority, ''), COALESCE(assignee, ''), COALESCE(description, ''),
	                 created_at, updated_at, archived, archived_at
	          FROM tasks WHERE 1=1`
	var args []any
	if !opts.IncludeArchived {
		query += " AND archived = 0"
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t          Task
			status     string
			createdAt  string
			updatedAt  sql.NullString
			archived   int
			archivedAt sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Title, &status, &t.Priority, &t.Assignee, &t.Description,
			&createdAt, &updatedAt, &archived, &archivedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = TaskStatus(status)
		t.Archived = archived != 0
		if t.CreatedAt, err = scanTime(createdAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if t.UpdatedAt, err = scanTimePtr(updatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if t.ArchivedAt, err = scanTimePtr(archivedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// UpsertTask inserts or replaces a task keeping its ID. Used by the
// migration engine, where re-importing the same record must not
// duplicate it.
func (s *Store) UpsertTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("upsert task: empty ID")
	}
	if !task.Status.Valid() {
		return fmt.Errorf("upsert task %s: invalid status %q", task.ID, task.Status)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	archived := 0
	if task.Archived {
		archived = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, status, priority, assignee, description, created_at, updated_at, archived, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   status = excluded.status,
		   priority = excluded.priority,
		   assignee = excluded.assignee,
		   description = excluded.description,
		   created_at = excluded.created_at,
		   updated_at = excluded.updated_at,
		   archived = excluded.archived,
		   archived_at = excluded.archived_at`,
		task.ID, task.Title, string(task.Status), task.Priority, task.Assignee, task.Description,
		task.CreatedAt.UTC().Format(time.RFC3339), timeOrNil(task.UpdatedAt), archived, timeOrNil(task.ArchivedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	return nil
}
