// Package paths resolves the .keel/ project directory and the on-disk
// layout inside it. Every file returned here is part of the persisted
// contract and must survive process restarts.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// KeelDirName is the project state directory, discovered like .git/.
	KeelDirName = ".keel"

	varDirName     = "var"
	seqDirName     = "seq"
	backupsDirName = "backups"
	ledgerDirName  = "ledger"
)

// FindKeelRoot walks up from startPath looking for a directory containing
// .keel/. This mimics how git traverses parent directories to find .git/.
// Returns the directory containing .keel/, or an error if none is found.
func FindKeelRoot(startPath string) (string, error) {
	absPath, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}

	dir := absPath
	for {
		keelDir := filepath.Join(dir, KeelDirName)
		info, err := os.Stat(keelDir)
		if err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root without finding .keel/
			return "", fmt.Errorf("no .keel/ directory found (searched from %s to /)", absPath)
		}
		dir = parent
	}
}

// Layout describes the on-disk state layout for a project.
type Layout struct {
	RepoRoot string // directory containing .keel/
	KeelDir  string // .keel/
}

// NewLayout returns the layout rooted at repoRoot.
func NewLayout(repoRoot string) *Layout {
	return &Layout{
		RepoRoot: repoRoot,
		KeelDir:  filepath.Join(repoRoot, KeelDirName),
	}
}

// VarDir is the runtime state directory (.keel/var).
func (l *Layout) VarDir() string {
	return filepath.Join(l.KeelDir, varDirName)
}

// DBPath is the SQLite database file (.keel/var/keel.db).
func (l *Layout) DBPath() string {
	return filepath.Join(l.VarDir(), "keel.db")
}

// SeqDir holds per-namespace sequence counter files (.keel/var/seq).
func (l *Layout) SeqDir() string {
	return filepath.Join(l.VarDir(), seqDirName)
}

// SeqCounterPath is the counter file for a namespace.
func (l *Layout) SeqCounterPath(namespace string) string {
	return filepath.Join(l.SeqDir(), namespace+".json")
}

// SeqLockPath is the lock sidecar guarding a namespace counter file.
func (l *Layout) SeqLockPath(namespace string) string {
	return l.SeqCounterPath(namespace) + ".lock"
}

// MigrationStatePath is the persisted migration state file.
func (l *Layout) MigrationStatePath() string {
	return filepath.Join(l.VarDir(), "migration-state.json")
}

// BackupsDir holds migration backup archives (.keel/var/backups).
func (l *Layout) BackupsDir() string {
	return filepath.Join(l.VarDir(), backupsDirName)
}

// LedgerDir holds the append-only research ledger files.
func (l *Layout) LedgerDir() string {
	return filepath.Join(l.KeelDir, ledgerDirName)
}

// LedgerPath is the live ledger file (.keel/ledger/research.jsonl).
func (l *Layout) LedgerPath() string {
	return filepath.Join(l.LedgerDir(), "research.jsonl")
}

// LedgerArchivePath is the rotation target for old ledger entries.
func (l *Layout) LedgerArchivePath() string {
	return filepath.Join(l.LedgerDir(), "research-archive.jsonl")
}

// LedgerLockPath is the lock sidecar guarding ledger mutations.
func (l *Layout) LedgerLockPath() string {
	return l.LedgerPath() + ".lock"
}

// ConfigPath is the project configuration file (.keel/config.yaml).
func (l *Layout) ConfigPath() string {
	return filepath.Join(l.KeelDir, "config.yaml")
}

// EnsureDirs creates the full directory layout with restrictive permissions.
func (l *Layout) EnsureDirs() error {
	dirs := []string{l.KeelDir, l.VarDir(), l.SeqDir(), l.BackupsDir(), l.LedgerDir()}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
