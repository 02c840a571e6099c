package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Namespace identifies the logical ID space a record lives in.
// Task and session IDs never collide with each other; within a
// namespace, archived records still occupy their ID.
type Namespace string

// Known namespaces.
const (
	NamespaceTask    Namespace = "task"
	NamespaceSession Namespace = "session"
)

// Prefix returns the single-letter ID prefix for the namespace.
func (n Namespace) Prefix() string {
	switch n {
	case NamespaceTask:
		return "T"
	case NamespaceSession:
		return "S"
	}
	return ""
}

// Valid reports whether the namespace is known.
func (n Namespace) Valid() bool {
	return n == NamespaceTask || n == NamespaceSession
}

// FormatID renders a numeric suffix as a namespace ID (T001, S042).
// Suffixes grow past three digits without wrapping.
func (n Namespace) FormatID(suffix int) string {
	return fmt.Sprintf("%s%03d", n.Prefix(), suffix)
}

// ParseIDSuffix extracts the numeric suffix from an ID in this
// namespace. Returns an error for foreign or malformed IDs.
func (n Namespace) ParseIDSuffix(id string) (int, error) {
	prefix := n.Prefix()
	if prefix == "" || !strings.HasPrefix(id, prefix) {
		return 0, fmt.Errorf("id %q not in namespace %q", id, n)
	}
	suffix, err := strconv.Atoi(id[len(prefix):])
	if err != nil {
		return 0, fmt.Errorf("id %q has non-numeric suffix: %w", id, err)
	}
	return suffix, nil
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task statuses.
const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDone       TaskStatus = "done"
)

// Valid reports whether the status is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskOpen, TaskInProgress, TaskBlocked, TaskDone:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

// Session statuses.
const (
	SessionActive   SessionStatus = "active"
	SessionIdle     SessionStatus = "idle"
	SessionFinished SessionStatus = "finished"
)

// Valid reports whether the status is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionIdle, SessionFinished:
		return true
	}
	return false
}

// Task is a tracked unit of agent work. Archived tasks stay in the
// store so their IDs remain reserved.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Status      TaskStatus `json:"status"`
	Priority    string     `json:"priority,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	Archived    bool       `json:"archived"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
}

// Session records one agent process working against the store.
type Session struct {
	ID         string        `json:"id"`
	Agent      string        `json:"agent"`
	Status     SessionStatus `json:"status"`
	TaskID     string        `json:"task_id,omitempty"`
	Notes      string        `json:"notes,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  *time.Time    `json:"updated_at,omitempty"`
	Archived   bool          `json:"archived"`
	ArchivedAt *time.Time    `json:"archived_at,omitempty"`
}

// TaskPatch is a partial task update. Nil fields are left untouched;
// write verification compares exactly the non-nil fields.
type TaskPatch struct {
	Title       *string     `json:"title,omitempty"`
	Status      *TaskStatus `json:"status,omitempty"`
	Priority    *string     `json:"priority,omitempty"`
	Assignee    *string     `json:"assignee,omitempty"`
	Description *string     `json:"description,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Status == nil && p.Priority == nil && p.Assignee == nil && p.Description == nil
}

// SessionPatch is a partial session update.
type SessionPatch struct {
	Agent  *string        `json:"agent,omitempty"`
	Status *SessionStatus `json:"status,omitempty"`
	TaskID *string        `json:"task_id,omitempty"`
	Notes  *string        `json:"notes,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p SessionPatch) Empty() bool {
	return p.Agent == nil && p.Status == nil && p.TaskID == nil && p.Notes == nil
}
