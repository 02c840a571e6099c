// Package migrate imports a legacy JSON dataset into the keel store
// through a resumable phase pipeline: backup, import, verify.
//
// The state file is written before each phase, so a crash leaves enough
// on disk to resume. A resume only proceeds when the source files still
// hash to the recorded checksums; a changed source restarts cleanly.
// Verification failure restores the pre-migration backup — a migration
// either lands whole or not at all.
package migrate

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/leonletto/keel/internal/flock"
	"github.com/leonletto/keel/internal/identity"
	"github.com/leonletto/keel/internal/paths"
	"github.com/leonletto/keel/internal/safeerr"
	"github.com/leonletto/keel/internal/schema"
	"github.com/leonletto/keel/internal/sequence"
	"github.com/leonletto/keel/internal/store"
)

// Engine runs migrations against one store and layout.
type Engine struct {
	store       *store.Store
	seq         *sequence.Authority
	layout      *paths.Layout
	lockTimeout time.Duration
}

// New creates a migration engine.
func New(s *store.Store, seq *sequence.Authority, layout *paths.Layout, lockTimeout time.Duration) *Engine {
	return &Engine{store: s, seq: seq, layout: layout, lockTimeout: lockTimeout}
}

// Options tunes a migration run.
type Options struct {
	DryRun bool // import and verify against a scratch store, write nothing here
	Force  bool // restart instead of resuming an interrupted run
}

// Run executes (or resumes) a migration from sourceDir. On verification
// failure the destination is restored from the pre-migration backup and
// the store handle must be reopened before further use.
func (e *Engine) Run(ctx context.Context, sourceDir string, opts Options) (*State, error) {
	lock, err := flock.Acquire(ctx, e.layout.MigrationStatePath()+".lock", e.lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	defer func() { _ = lock.Release() }()

	// Phase init: the source must convert cleanly before anything is touched
	src, err := loadSource(sourceDir)
	if err != nil {
		return nil, &safeerr.MigrationPhaseError{Phase: string(PhaseInit), Reason: err.Error()}
	}

	if opts.DryRun {
		return e.dryRun(ctx, sourceDir, src)
	}

	st, err := e.resumeOrStart(sourceDir, src, opts)
	if err != nil {
		return nil, err
	}
	if err := e.saveState(st); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if st.Phase == PhaseBackup {
		backupPath, err := e.backup(st.RunID)
		if err != nil {
			return nil, e.failPhase(st, err)
		}
		st.BackupPath = backupPath
		st.Phase = PhaseImport
		if err := e.saveState(st); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	if st.Phase == PhaseImport {
		if err := e.importRecords(ctx, src, st); err != nil {
			return nil, e.failPhase(st, err)
		}
		st.Phase = PhaseVerify
		if err := e.saveState(st); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	if st.Phase == PhaseVerify {
		if err := e.verify(ctx, src, st); err != nil {
			if rerr := e.restoreBackup(st.BackupPath); rerr != nil {
				log.Printf("migrate: rollback after failed verification also failed: %v", rerr)
			}
			st.Phase = PhaseFailed
			st.Error = err.Error()
			if serr := e.saveState(st); serr != nil {
				log.Printf("migrate: persist failed state: %v", serr)
			}
			return nil, err
		}
		st.Phase = PhaseComplete
		st.Error = ""
		if err := e.saveState(st); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return st, nil
}

// dryRun exercises the import and verify phases against a scratch store
// in a temp directory, so a source that would fail verification fails
// the dry run too. The real destination is never opened for writing and
// no state or backup is persisted.
func (e *Engine) dryRun(ctx context.Context, sourceDir string, src *source) (*State, error) {
	scratchRoot, err := os.MkdirTemp("", "keel-dryrun-*")
	if err != nil {
		return nil, fmt.Errorf("dry run: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratchRoot) }()

	layout := paths.NewLayout(scratchRoot)
	if err := layout.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("dry run: %w", err)
	}
	s, err := store.Open(layout.DBPath())
	if err != nil {
		return nil, fmt.Errorf("dry run: %w", err)
	}
	defer func() { _ = s.Close() }()

	scratch := New(s, sequence.New(s, layout, e.lockTimeout, false), layout, e.lockTimeout)
	st := &State{
		Phase:           PhaseImport,
		SourceDir:       sourceDir,
		SourceChecksums: src.checksums,
	}
	if err := scratch.importRecords(ctx, src, st); err != nil {
		return nil, &safeerr.MigrationPhaseError{Phase: string(PhaseImport), Reason: err.Error()}
	}
	if err := scratch.verify(ctx, src, st); err != nil {
		return nil, err
	}
	st.Phase = PhaseComplete
	return st, nil
}

// Status returns the persisted migration state, or nil when no
// migration has ever run.
func (e *Engine) Status() (*State, error) {
	return e.loadState()
}

// Rollback restores the destination from the last run's pre-migration
// backup. The store handle must be reopened afterwards.
func (e *Engine) Rollback(ctx context.Context) error {
	lock, err := flock.Acquire(ctx, e.layout.MigrationStatePath()+".lock", e.lockTimeout)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	defer func() { _ = lock.Release() }()

	st, err := e.loadState()
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	if st == nil {
		return fmt.Errorf("rollback: no migration has run")
	}
	if st.BackupPath == "" {
		return fmt.Errorf("rollback: run %s has no backup recorded", st.RunID)
	}

	if err := e.restoreBackup(st.BackupPath); err != nil {
		return fmt.Errorf("rollback: restore %s: %w", st.BackupPath, err)
	}

	st.Phase = PhaseFailed
	st.Error = "rolled back to " + filepath.Base(st.BackupPath)
	if err := e.saveState(st); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// resumeOrStart decides whether an interrupted run continues or a fresh
// one begins. A resume requires the source files to be byte-identical to
// what the interrupted run saw.
func (e *Engine) resumeOrStart(sourceDir string, src *source, opts Options) (*State, error) {
	prior, err := e.loadState()
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if prior != nil && !opts.Force && interrupted(prior.Phase) && prior.SourceDir == sourceDir {
		match, err := checksumsMatch(sourceDir, prior.SourceChecksums)
		if err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if match {
			log.Printf("migrate: resuming run %s from phase %q", prior.RunID, prior.Phase)
			prior.Error = ""
			return prior, nil
		}
		log.Printf("migrate: source changed since run %s, restarting", prior.RunID)
	}

	return &State{
		RunID:           identity.NewMigrationID(),
		Phase:           PhaseBackup,
		SourceDir:       sourceDir,
		SourceChecksums: src.checksums,
		StartedAt:       time.Now().UTC(),
	}, nil
}

func interrupted(p Phase) bool {
	return p == PhaseBackup || p == PhaseImport || p == PhaseVerify
}

// failPhase records the error and leaves the phase untouched so a later
// run resumes exactly where this one stopped.
func (e *Engine) failPhase(st *State, err error) error {
	st.Error = err.Error()
	if serr := e.saveState(st); serr != nil {
		log.Printf("migrate: persist phase error: %v", serr)
	}
	return fmt.Errorf("migrate phase %s: %w", st.Phase, err)
}

// backup flushes the WAL and zips the var directory so verify failures
// and explicit rollbacks have a known-good restore point.
func (e *Engine) backup(runID string) (string, error) {
	if err := schema.WALCheckpoint(e.store.DB().Raw()); err != nil {
		return "", fmt.Errorf("flush WAL before backup: %w", err)
	}

	backupPath := filepath.Join(e.layout.BackupsDir(), "pre-migration-"+runID+".zip")
	if err := createZip(e.layout.VarDir(), backupPath); err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	return backupPath, nil
}

// restoreBackup extracts a pre-migration archive next to the var
// directory and renames each file into place. Rename swaps the directory
// entry to a fresh inode, so a still-open database connection keeps its
// orphaned file and cannot scribble over the restored one when it
// closes. Callers must reopen the store afterwards.
func (e *Engine) restoreBackup(backupPath string) error {
	stageDir, err := os.MkdirTemp(e.layout.KeelDir, "restore-*")
	if err != nil {
		return fmt.Errorf("create restore staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(stageDir) }()

	if err := extractZip(backupPath, stageDir); err != nil {
		return err
	}

	varDir := e.layout.VarDir()
	err = filepath.Walk(stageDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(stageDir, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(varDir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
			return err
		}
		return os.Rename(path, dest)
	})
	if err != nil {
		return fmt.Errorf("restore files: %w", err)
	}

	for _, sidecar := range []string{e.layout.DBPath() + "-wal", e.layout.DBPath() + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale sidecar %s: %w", sidecar, err)
		}
	}
	return nil
}

// importRecords upserts every source record. Upserts keep re-runs
// idempotent: an interrupted import resumed from the top converges on
// the same rows. Sequence counters are repaired afterwards so the next
// allocation lands above every imported ID.
func (e *Engine) importRecords(ctx context.Context, src *source, st *State) error {
	st.TasksImported = 0
	st.SessionsImported = 0

	for i := range src.tasks {
		if err := e.store.UpsertTask(ctx, &src.tasks[i]); err != nil {
			return err
		}
		st.TasksImported++
	}
	for i := range src.sessions {
		if err := e.store.UpsertSession(ctx, &src.sessions[i]); err != nil {
			return err
		}
		st.SessionsImported++
	}

	for _, ns := range []store.Namespace{store.NamespaceTask, store.NamespaceSession} {
		if _, err := e.seq.Repair(ctx, ns); err != nil {
			return fmt.Errorf("repair %s sequence: %w", ns, err)
		}
	}
	return nil
}

// verify reads every imported record back and compares it field by
// field against the source. It also re-hashes the source files: a source
// mutated mid-run invalidates the whole import.
func (e *Engine) verify(ctx context.Context, src *source, st *State) error {
	match, err := checksumsMatch(src.dir, st.SourceChecksums)
	if err != nil {
		return &safeerr.MigrationPhaseError{Phase: string(PhaseVerify), Reason: err.Error()}
	}
	if !match {
		return &safeerr.MigrationPhaseError{Phase: string(PhaseVerify), Reason: "source files changed during migration"}
	}

	for i := range src.tasks {
		want := &src.tasks[i]
		got, err := e.store.GetTask(ctx, want.ID, true)
		if err != nil {
			return &safeerr.MigrationPhaseError{Phase: string(PhaseVerify), Reason: fmt.Sprintf("task %s: %v", want.ID, err)}
		}
		if got.Title != want.Title || got.Status != want.Status || got.Archived != want.Archived {
			return &safeerr.MigrationPhaseError{Phase: string(PhaseVerify), Reason: fmt.Sprintf("task %s differs from source after import", want.ID)}
		}
	}
	for i := range src.sessions {
		want := &src.sessions[i]
		got, err := e.store.GetSession(ctx, want.ID, true)
		if err != nil {
			return &safeerr.MigrationPhaseError{Phase: string(PhaseVerify), Reason: fmt.Sprintf("session %s: %v", want.ID, err)}
		}
		if got.Agent != want.Agent || got.Status != want.Status || got.Archived != want.Archived {
			return &safeerr.MigrationPhaseError{Phase: string(PhaseVerify), Reason: fmt.Sprintf("session %s differs from source after import", want.ID)}
		}
	}
	return nil
}
