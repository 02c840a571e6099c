package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/leonletto/keel/internal/store"
)

// Legacy source file names inside the migration source directory.
const (
	legacyTasksFile    = "tasks.json"
	legacySessionsFile = "sessions.json"
)

// legacyTask is a record from the pre-keel JSON task file.
type legacyTask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Assignee    string `json:"assignee"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	Archived    bool   `json:"archived"`
	ArchivedAt  string `json:"archived_at"`
}

// legacySession is a record from the pre-keel JSON session file.
type legacySession struct {
	ID         string `json:"id"`
	Agent      string `json:"agent"`
	Status     string `json:"status"`
	TaskID     string `json:"task_id"`
	Notes      string `json:"notes"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	Archived   bool   `json:"archived"`
	ArchivedAt string `json:"archived_at"`
}

// taskStatusAliases maps legacy task statuses onto the current set.
var taskStatusAliases = map[string]store.TaskStatus{
	"pending":   store.TaskOpen,
	"todo":      store.TaskOpen,
	"active":    store.TaskInProgress,
	"completed": store.TaskDone,
	"closed":    store.TaskDone,
}

// sessionStatusAliases maps legacy session statuses onto the current set.
var sessionStatusAliases = map[string]store.SessionStatus{
	"running":   store.SessionActive,
	"paused":    store.SessionIdle,
	"completed": store.SessionFinished,
	"closed":    store.SessionFinished,
}

// source is the parsed and validated legacy dataset.
type source struct {
	dir       string
	tasks     []store.Task
	sessions  []store.Session
	checksums map[string]string
}

// loadSource reads, validates, and converts the legacy files. Conversion
// failures abort before any phase runs: a source that cannot be imported
// cleanly must be fixed first, not half-applied.
func loadSource(dir string) (*source, error) {
	src := &source{dir: dir, checksums: make(map[string]string)}

	tasksPath := filepath.Join(dir, legacyTasksFile)
	sessionsPath := filepath.Join(dir, legacySessionsFile)

	var legacyTasks []legacyTask
	if err := readJSONFile(tasksPath, &legacyTasks); err != nil {
		return nil, err
	}
	var legacySessions []legacySession
	if err := readJSONFile(sessionsPath, &legacySessions); err != nil {
		return nil, err
	}

	for i, lt := range legacyTasks {
		task, err := convertTask(lt)
		if err != nil {
			return nil, fmt.Errorf("%s record %d: %w", legacyTasksFile, i, err)
		}
		src.tasks = append(src.tasks, *task)
	}
	for i, ls := range legacySessions {
		sess, err := convertSession(ls)
		if err != nil {
			return nil, fmt.Errorf("%s record %d: %w", legacySessionsFile, i, err)
		}
		src.sessions = append(src.sessions, *sess)
	}

	for _, path := range []string{tasksPath, sessionsPath} {
		sum, err := fileChecksum(path)
		if err != nil {
			return nil, err
		}
		src.checksums[filepath.Base(path)] = sum
	}
	return src, nil
}

// checksumsMatch compares the source files on disk against a previously
// recorded checksum map.
func checksumsMatch(dir string, recorded map[string]string) (bool, error) {
	for name, want := range recorded {
		sum, err := fileChecksum(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}
		if sum != want {
			return false, nil
		}
	}
	return true, nil
}

func convertTask(lt legacyTask) (*store.Task, error) {
	if lt.ID == "" {
		return nil, fmt.Errorf("task has empty ID")
	}
	if _, err := store.NamespaceTask.ParseIDSuffix(lt.ID); err != nil {
		return nil, fmt.Errorf("task ID: %w", err)
	}

	status := store.TaskStatus(lt.Status)
	if alias, ok := taskStatusAliases[lt.Status]; ok {
		status = alias
	}
	if !status.Valid() {
		return nil, fmt.Errorf("task %s: unknown status %q", lt.ID, lt.Status)
	}

	task := &store.Task{
		ID:          lt.ID,
		Title:       lt.Title,
		Status:      status,
		Priority:    lt.Priority,
		Assignee:    lt.Assignee,
		Description: lt.Description,
		Archived:    lt.Archived,
	}
	var err error
	if task.CreatedAt, err = parseLegacyTime(lt.CreatedAt); err != nil {
		return nil, fmt.Errorf("task %s: created_at: %w", lt.ID, err)
	}
	if task.UpdatedAt, err = parseLegacyTimePtr(lt.UpdatedAt); err != nil {
		return nil, fmt.Errorf("task %s: updated_at: %w", lt.ID, err)
	}
	if task.ArchivedAt, err = parseLegacyTimePtr(lt.ArchivedAt); err != nil {
		return nil, fmt.Errorf("task %s: archived_at: %w", lt.ID, err)
	}
	return task, nil
}

func convertSession(ls legacySession) (*store.Session, error) {
	if ls.ID == "" {
		return nil, fmt.Errorf("session has empty ID")
	}
	if _, err := store.NamespaceSession.ParseIDSuffix(ls.ID); err != nil {
		return nil, fmt.Errorf("session ID: %w", err)
	}

	status := store.SessionStatus(ls.Status)
	if alias, ok := sessionStatusAliases[ls.Status]; ok {
		status = alias
	}
	if !status.Valid() {
		return nil, fmt.Errorf("session %s: unknown status %q", ls.ID, ls.Status)
	}

	sess := &store.Session{
		ID:       ls.ID,
		Agent:    ls.Agent,
		Status:   status,
		TaskID:   ls.TaskID,
		Notes:    ls.Notes,
		Archived: ls.Archived,
	}
	var err error
	if sess.CreatedAt, err = parseLegacyTime(ls.CreatedAt); err != nil {
		return nil, fmt.Errorf("session %s: created_at: %w", ls.ID, err)
	}
	if sess.UpdatedAt, err = parseLegacyTimePtr(ls.UpdatedAt); err != nil {
		return nil, fmt.Errorf("session %s: updated_at: %w", ls.ID, err)
	}
	if sess.ArchivedAt, err = parseLegacyTimePtr(ls.ArchivedAt); err != nil {
		return nil, fmt.Errorf("session %s: archived_at: %w", ls.ID, err)
	}
	return sess, nil
}

func parseLegacyTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseLegacyTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseLegacyTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - caller-specified migration source
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304 - caller-specified migration source
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
