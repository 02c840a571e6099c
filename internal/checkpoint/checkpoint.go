// Package checkpoint snapshots keel's on-disk state into git commits.
//
// Checkpointing is a durability enhancement, not a write precondition:
// it runs after the write has already been verified, failures are
// recorded in Stats and logged but never surfaced to the writer, and
// bursts of writes are debounced into a single snapshot.
package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/leonletto/keel/internal/identity"
	"github.com/leonletto/keel/internal/paths"
	"github.com/leonletto/keel/internal/safedb"
	"github.com/leonletto/keel/internal/schema"
)

// tagPrefix namespaces keel's checkpoint tags inside the git repo.
const tagPrefix = "keel-ckpt-"

// asyncTimeout bounds a background checkpoint so an abandoned git
// subprocess cannot leak forever.
const asyncTimeout = 30 * time.Second

// Checkpoint is one recorded snapshot reference.
type Checkpoint struct {
	CheckpointID string    `json:"checkpoint_id"`
	GitRef       string    `json:"git_ref"`
	OpContext    string    `json:"op_context"`
	CreatedAt    time.Time `json:"created_at"`
}

// Stats is the telemetry surface for checkpoint outcomes. Failures live
// here and nowhere else — writers never see them.
type Stats struct {
	Attempts  int    `json:"attempts"`
	Completed int    `json:"completed"`
	Skipped   int    `json:"skipped"` // debounced or nothing to commit
	Failures  int    `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

// Service creates, lists, prunes, and restores checkpoints.
type Service struct {
	db        *safedb.DB
	layout    *paths.Layout
	debounce  time.Duration
	retention int

	mu     sync.Mutex
	lastAt time.Time
	stats  Stats
	wg     sync.WaitGroup
}

// New creates a checkpoint service. retention is the maximum number of
// snapshots kept; debounce coalesces snapshot requests.
func New(db *safedb.DB, layout *paths.Layout, debounce time.Duration, retention int) *Service {
	return &Service{db: db, layout: layout, debounce: debounce, retention: retention}
}

// CheckpointAsync requests a snapshot without blocking the caller.
// Errors are observed only via Stats. Fire-and-forget by design.
func (s *Service) CheckpointAsync(opContext string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := s.Checkpoint(ctx, opContext, false); err != nil {
			log.Printf("checkpoint: background snapshot failed: %v", err)
		}
	}()
}

// Wait blocks until all background checkpoints have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Checkpoint creates a snapshot now. Calls within the debounce window
// of the previous snapshot are skipped unless force is set. The error
// return exists for the CLI's explicit `checkpoint now`; the safe-write
// pipeline ignores it.
func (s *Service) Checkpoint(ctx context.Context, opContext string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Attempts++

	if !force && !s.lastAt.IsZero() && time.Since(s.lastAt) < s.debounce {
		s.stats.Skipped++
		return nil
	}

	created, err := s.snapshot(ctx, opContext)
	if err != nil {
		s.stats.Failures++
		s.stats.LastError = err.Error()
		return fmt.Errorf("checkpoint: %w", err)
	}
	if !created {
		s.stats.Skipped++
		return nil
	}

	s.lastAt = time.Now()
	s.stats.Completed++

	if err := s.prune(ctx); err != nil {
		// Retention failure does not undo the snapshot
		log.Printf("checkpoint: prune failed: %v", err)
	}
	return nil
}

// Stats returns a copy of the telemetry counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// snapshot flushes the WAL, commits .keel/ state, tags it, and records
// the checkpoint row. Returns false when nothing changed since the last
// snapshot. Caller holds s.mu.
func (s *Service) snapshot(ctx context.Context, opContext string) (bool, error) {
	// The WAL must land in keel.db before the snapshot, so a restored
	// snapshot is self-contained without its -wal sidecar.
	if err := schema.WALCheckpoint(s.db.Raw()); err != nil {
		return false, err
	}

	if _, err := s.runGit(ctx, "add", "-A", "--", paths.KeelDirName); err != nil {
		return false, fmt.Errorf("git add: %w", err)
	}

	// Nothing staged means nothing changed since the last snapshot
	if _, err := s.runGit(ctx, "diff", "--cached", "--quiet", "--", paths.KeelDirName); err == nil {
		return false, nil
	}

	ckptID := identity.NewCheckpointID()
	msg := fmt.Sprintf("keel checkpoint: %s", opContext)
	if _, err := s.runGit(ctx, "commit", "-m", msg, "--", paths.KeelDirName); err != nil {
		return false, fmt.Errorf("git commit: %w", err)
	}

	sha, err := s.runGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return false, fmt.Errorf("git rev-parse: %w", err)
	}
	sha = strings.TrimSpace(sha)

	tag := tagPrefix + strings.ToLower(strings.TrimPrefix(ckptID, "ckpt_"))
	if _, err := s.runGit(ctx, "tag", tag, sha); err != nil {
		return false, fmt.Errorf("git tag: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpoint_id, git_ref, op_context, created_at) VALUES (?, ?, ?, ?)`,
		ckptID, tag, opContext, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("record checkpoint: %w", err)
	}
	return true, nil
}

// prune removes checkpoints beyond the retention limit, oldest first.
// Caller holds s.mu.
func (s *Service) prune(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_id, git_ref FROM checkpoints
		 ORDER BY created_at DESC, checkpoint_id DESC LIMIT -1 OFFSET ?`,
		s.retention,
	)
	if err != nil {
		return fmt.Errorf("query prunable checkpoints: %w", err)
	}
	defer rows.Close()

	type pruned struct{ id, ref string }
	var victims []pruned
	for rows.Next() {
		var p pruned
		if err := rows.Scan(&p.id, &p.ref); err != nil {
			return fmt.Errorf("scan checkpoint: %w", err)
		}
		victims = append(victims, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate checkpoints: %w", err)
	}

	for _, v := range victims {
		if _, err := s.runGit(ctx, "tag", "-d", v.ref); err != nil {
			// Tag may already be gone; the row is the source of truth
			log.Printf("checkpoint: delete tag %s: %v", v.ref, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE checkpoint_id = ?`, v.id); err != nil {
			return fmt.Errorf("delete checkpoint row %s: %w", v.id, err)
		}
	}
	return nil
}

// List returns recorded checkpoints, newest first.
func (s *Service) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_id, git_ref, op_context, created_at FROM checkpoints
		 ORDER BY created_at DESC, checkpoint_id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		var (
			c         Checkpoint
			createdAt string
		)
		if err := rows.Scan(&c.CheckpointID, &c.GitRef, &c.OpContext, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parse checkpoint timestamp: %w", err)
		}
		checkpoints = append(checkpoints, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

// Restore checks .keel/ state out from a checkpoint ref. The caller is
// responsible for not holding the database open across the restore.
func (s *Service) Restore(ctx context.Context, ref string) error {
	if _, err := s.runGit(ctx, "rev-parse", "--verify", ref); err != nil {
		return fmt.Errorf("checkpoint ref %q not found: %w", ref, err)
	}
	if _, err := s.runGit(ctx, "checkout", ref, "--", paths.KeelDirName); err != nil {
		return fmt.Errorf("git checkout: %w", err)
	}
	return nil
}

// runGit executes a git command in the repository root with captured
// stderr, matching the subprocess discipline used everywhere keel
// shells out.
func (s *Service) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.layout.RepoRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
