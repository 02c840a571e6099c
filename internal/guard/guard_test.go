package guard_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/leonletto/keel/internal/guard"
	"github.com/leonletto/keel/internal/safeerr"
	"github.com/leonletto/keel/internal/store"
)

func setup(t *testing.T) (*guard.Guard, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "keel.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return guard.New(s), s
}

func TestExists(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	exists, err := g.Exists(ctx, store.NamespaceTask, "T001")
	if err != nil {
		t.Fatalf("Exists() failed: %v", err)
	}
	if exists {
		t.Error("T001 should not exist yet")
	}

	if err := s.CreateTask(ctx, &store.Task{ID: "T001", Title: "x", Status: store.TaskOpen}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	exists, err = g.Exists(ctx, store.NamespaceTask, "T001")
	if err != nil {
		t.Fatalf("Exists() failed: %v", err)
	}
	if !exists {
		t.Error("T001 should exist")
	}
}

func TestEnsure_Strict(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &store.Task{ID: "T001", Title: "x", Status: store.TaskOpen}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	err := g.Ensure(ctx, store.NamespaceTask, "T001", true)
	var collision *safeerr.CollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("expected CollisionError, got %v", err)
	}
	if collision.Namespace != "task" || collision.ID != "T001" {
		t.Errorf("collision context = %+v", collision)
	}
}

func TestEnsure_NonStrictLogsAndProceeds(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &store.Task{ID: "T001", Title: "x", Status: store.TaskOpen}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	if err := g.Ensure(ctx, store.NamespaceTask, "T001", false); err != nil {
		t.Errorf("non-strict Ensure() should not fail, got %v", err)
	}
}

func TestEnsure_ArchivedCollides(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &store.Task{ID: "T001", Title: "x", Status: store.TaskDone}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if err := s.ArchiveTask(ctx, "T001"); err != nil {
		t.Fatalf("ArchiveTask() failed: %v", err)
	}

	err := g.Ensure(ctx, store.NamespaceTask, "T001", true)
	var collision *safeerr.CollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("expected CollisionError for archived ID, got %v", err)
	}
	if !collision.Archived {
		t.Error("collision.Archived should be true")
	}
}

func TestEnsure_NamespacesIsolated(t *testing.T) {
	g, s := setup(t)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &store.Task{ID: "T001", Title: "x", Status: store.TaskOpen}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	// T001 in the session namespace is not a collision
	if err := g.Ensure(ctx, store.NamespaceSession, "T001", true); err != nil {
		t.Errorf("cross-namespace Ensure() should pass, got %v", err)
	}
}
