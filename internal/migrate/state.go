package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Phase is a stage of the migration pipeline. Phases only move forward;
// the engine persists the state file before entering each one so an
// interrupted run knows where to pick up.
type Phase string

// Migration phases, in execution order.
const (
	PhaseInit     Phase = "init"
	PhaseBackup   Phase = "backup"
	PhaseImport   Phase = "import"
	PhaseVerify   Phase = "verify"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// State is the persisted migration record. It survives crashes: a resume
// compares SourceChecksums against the files on disk to decide whether
// the interrupted run can continue.
type State struct {
	RunID            string            `json:"run_id"`
	Phase            Phase             `json:"phase"`
	SourceDir        string            `json:"source_dir"`
	SourceChecksums  map[string]string `json:"source_checksums"`
	BackupPath       string            `json:"backup_path,omitempty"`
	TasksImported    int               `json:"tasks_imported"`
	SessionsImported int               `json:"sessions_imported"`
	StartedAt        time.Time         `json:"started_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Error            string            `json:"error,omitempty"`
}

// loadState reads the persisted state file. A missing file returns
// (nil, nil): no migration has ever run.
func (e *Engine) loadState() (*State, error) {
	data, err := os.ReadFile(e.layout.MigrationStatePath()) //nolint:gosec // G304 - path from internal var directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse migration state: %w", err)
	}
	return &st, nil
}

// saveState persists the state atomically: temp file, sync, rename.
func (e *Engine) saveState(st *State) error {
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal migration state: %w", err)
	}

	path := e.layout.MigrationStatePath()
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // G304 - path from internal var directory
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
