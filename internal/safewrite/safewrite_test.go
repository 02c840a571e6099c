package safewrite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/leonletto/keel/internal/guard"
	"github.com/leonletto/keel/internal/paths"
	"github.com/leonletto/keel/internal/safeerr"
	"github.com/leonletto/keel/internal/safewrite"
	"github.com/leonletto/keel/internal/sequence"
	"github.com/leonletto/keel/internal/store"
)

func setup(t *testing.T, strict bool) (*safewrite.Pipeline, *store.Store) {
	t.Helper()
	layout := paths.NewLayout(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs() failed: %v", err)
	}
	s, err := store.Open(filepath.Join(layout.VarDir(), "keel.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	seq := sequence.New(s, layout, 2*time.Second, strict)
	// No checkpoint service: the pipeline must run without one
	return safewrite.New(s, seq, guard.New(s), nil, strict, true, true), s
}

func TestCreateTask_AllocatesID(t *testing.T) {
	p, _ := setup(t, false)
	ctx := context.Background()

	task, err := p.CreateTask(ctx, &store.Task{Title: "first", Status: store.TaskOpen}, safewrite.Options{})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if task.ID != "T001" {
		t.Errorf("allocated ID = %q, want T001", task.ID)
	}

	task, err = p.CreateTask(ctx, &store.Task{Title: "second", Status: store.TaskOpen}, safewrite.Options{})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if task.ID != "T002" {
		t.Errorf("allocated ID = %q, want T002", task.ID)
	}
}

func TestCreateTask_ExplicitIDCollision(t *testing.T) {
	p, _ := setup(t, true)
	ctx := context.Background()

	if _, err := p.CreateTask(ctx, &store.Task{ID: "T007", Title: "x", Status: store.TaskOpen}, safewrite.Options{}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	_, err := p.CreateTask(ctx, &store.Task{ID: "T007", Title: "y", Status: store.TaskOpen}, safewrite.Options{})
	var collision *safeerr.CollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("expected CollisionError, got %v", err)
	}
	if collision.ID != "T007" {
		t.Errorf("collision ID = %q", collision.ID)
	}
}

func TestCreateTask_SkipChecksStillTransactional(t *testing.T) {
	p, _ := setup(t, true)
	ctx := context.Background()

	if _, err := p.CreateTask(ctx, &store.Task{ID: "T007", Title: "x", Status: store.TaskOpen}, safewrite.Options{}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	// The advisory pre-check is skipped, but the store's transactional
	// insert still rejects the duplicate
	_, err := p.CreateTask(ctx, &store.Task{ID: "T007", Title: "y", Status: store.TaskOpen}, safewrite.Options{SkipChecks: true})
	var collision *safeerr.CollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("expected CollisionError from insert, got %v", err)
	}
}

func TestCreateTask_FirstWriteWins(t *testing.T) {
	p, s := setup(t, false)
	ctx := context.Background()

	if _, err := p.CreateTask(ctx, &store.Task{ID: "T010", Title: "original", Status: store.TaskOpen}, safewrite.Options{}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if _, err := p.CreateTask(ctx, &store.Task{ID: "T010", Title: "usurper", Status: store.TaskOpen}, safewrite.Options{}); err == nil {
		t.Fatal("duplicate create should fail even in non-strict mode")
	}

	task, err := s.GetTask(ctx, "T010", false)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if task.Title != "original" {
		t.Errorf("title = %q, first write must win", task.Title)
	}
}

func TestUpdateTask_VerifiesPatchedFields(t *testing.T) {
	p, _ := setup(t, false)
	ctx := context.Background()

	if _, err := p.CreateTask(ctx, &store.Task{ID: "T001", Title: "x", Status: store.TaskOpen}, safewrite.Options{}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	status := store.TaskInProgress
	task, err := p.UpdateTask(ctx, "T001", store.TaskPatch{Status: &status}, safewrite.Options{})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if task.Status != store.TaskInProgress {
		t.Errorf("status = %q, want in_progress", task.Status)
	}
	if task.UpdatedAt == nil {
		t.Error("UpdatedAt should be set after update")
	}
}

func TestUpdateTask_Missing(t *testing.T) {
	p, _ := setup(t, false)
	ctx := context.Background()

	status := store.TaskDone
	_, err := p.UpdateTask(ctx, "T999", store.TaskPatch{Status: &status}, safewrite.Options{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateTask_SkipVerifySkipsReadBack(t *testing.T) {
	p, s := setup(t, false)
	ctx := context.Background()

	if _, err := p.CreateTask(ctx, &store.Task{ID: "T001", Title: "x", Status: store.TaskOpen}, safewrite.Options{}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	// With verification skipped there is no read-back, so no record and
	// no verification error can come out of the update
	status := store.TaskDone
	task, err := p.UpdateTask(ctx, "T001", store.TaskPatch{Status: &status}, safewrite.Options{SkipVerify: true})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if task != nil {
		t.Errorf("skip-verify update returned a read-back record: %+v", task)
	}

	// The patch still landed
	got, err := s.GetTask(ctx, "T001", false)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Status != store.TaskDone {
		t.Errorf("status = %q, want done", got.Status)
	}
}

func TestDeleteTask(t *testing.T) {
	p, s := setup(t, false)
	ctx := context.Background()

	if _, err := p.CreateTask(ctx, &store.Task{ID: "T001", Title: "x", Status: store.TaskDone}, safewrite.Options{}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if err := p.DeleteTask(ctx, "T001", safewrite.Options{}); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}

	if _, err := s.GetTask(ctx, "T001", false); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("live GetTask() after delete = %v, want ErrNotFound", err)
	}

	// Archived row is still there: the ID stays occupied
	task, err := s.GetTask(ctx, "T001", true)
	if err != nil {
		t.Fatalf("archived GetTask() failed: %v", err)
	}
	if !task.Archived {
		t.Error("task should be archived")
	}
}

func TestDeleteTask_AlreadyAbsentSucceeds(t *testing.T) {
	p, _ := setup(t, false)
	ctx := context.Background()

	if err := p.DeleteTask(ctx, "T404", safewrite.Options{}); err != nil {
		t.Errorf("deleting an absent task should succeed, got %v", err)
	}
}

func TestDeleteTask_Idempotent(t *testing.T) {
	p, _ := setup(t, false)
	ctx := context.Background()

	if _, err := p.CreateTask(ctx, &store.Task{ID: "T001", Title: "x", Status: store.TaskDone}, safewrite.Options{}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if err := p.DeleteTask(ctx, "T001", safewrite.Options{}); err != nil {
		t.Fatalf("first DeleteTask() failed: %v", err)
	}
	if err := p.DeleteTask(ctx, "T001", safewrite.Options{}); err != nil {
		t.Errorf("second DeleteTask() should succeed, got %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	p, _ := setup(t, false)
	ctx := context.Background()

	sess, err := p.CreateSession(ctx, &store.Session{Agent: "researcher", Status: store.SessionActive}, safewrite.Options{})
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if sess.ID != "S001" {
		t.Errorf("allocated ID = %q, want S001", sess.ID)
	}

	status := store.SessionFinished
	notes := "done for the day"
	sess, err = p.UpdateSession(ctx, "S001", store.SessionPatch{Status: &status, Notes: &notes}, safewrite.Options{})
	if err != nil {
		t.Fatalf("UpdateSession() failed: %v", err)
	}
	if sess.Status != store.SessionFinished || sess.Notes != notes {
		t.Errorf("session after update = %+v", sess)
	}

	if err := p.DeleteSession(ctx, "S001", safewrite.Options{}); err != nil {
		t.Fatalf("DeleteSession() failed: %v", err)
	}
}

func TestSequenceSkipsArchivedIDs(t *testing.T) {
	p, _ := setup(t, false)
	ctx := context.Background()

	task, err := p.CreateTask(ctx, &store.Task{Title: "x", Status: store.TaskDone}, safewrite.Options{})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if err := p.DeleteTask(ctx, task.ID, safewrite.Options{}); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}

	// The archived T001 keeps its ID; the next allocation moves on
	next, err := p.CreateTask(ctx, &store.Task{Title: "y", Status: store.TaskOpen}, safewrite.Options{})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if next.ID != "T002" {
		t.Errorf("allocated ID = %q, want T002 (T001 archived but reserved)", next.ID)
	}
}
