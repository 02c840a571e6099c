package sequence_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leonletto/keel/internal/paths"
	"github.com/leonletto/keel/internal/sequence"
	"github.com/leonletto/keel/internal/store"
)

func setup(t *testing.T, strict bool) (*sequence.Authority, *store.Store) {
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
	return sequence.New(s, layout, 2*time.Second, strict), s
}

func TestAllocate_Sequential(t *testing.T) {
	auth, _ := setup(t, false)
	ctx := context.Background()

	for i, want := range []string{"T001", "T002", "T003"} {
		id, err := auth.Allocate(ctx, store.NamespaceTask)
		if err != nil {
			t.Fatalf("Allocate() #%d failed: %v", i+1, err)
		}
		if id != want {
			t.Errorf("Allocate() #%d = %q, want %q", i+1, id, want)
		}
	}
}

func TestAllocate_NamespacesIndependent(t *testing.T) {
	auth, _ := setup(t, false)
	ctx := context.Background()

	if _, err := auth.Allocate(ctx, store.NamespaceTask); err != nil {
		t.Fatalf("Allocate(task) failed: %v", err)
	}
	id, err := auth.Allocate(ctx, store.NamespaceSession)
	if err != nil {
		t.Fatalf("Allocate(session) failed: %v", err)
	}
	if id != "S001" {
		t.Errorf("first session ID = %q, want S001", id)
	}
}

func TestAllocate_HealsStaleCounter(t *testing.T) {
	auth, s := setup(t, false)
	ctx := context.Background()

	// A T020 exists but the counter was never advanced past 5
	if err := s.CreateTask(ctx, &store.Task{ID: "T020", Title: "x", Status: store.TaskOpen}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if err := auth.Reset(ctx, store.NamespaceTask, 5); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	id, err := auth.Allocate(ctx, store.NamespaceTask)
	if err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}
	if id != "T021" {
		t.Errorf("Allocate() = %q, want T021 (healed past stale counter)", id)
	}
}

func TestCheck(t *testing.T) {
	auth, s := setup(t, false)
	ctx := context.Background()

	// Fresh namespace: counter 1 > max 0, valid
	status, err := auth.Check(ctx, store.NamespaceTask)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if !status.Valid || status.Counter != 1 || status.MaxObservedID != 0 {
		t.Errorf("fresh Check() = %+v", status)
	}

	// Drift: counter 5 while T020 exists
	if err := s.CreateTask(ctx, &store.Task{ID: "T020", Title: "x", Status: store.TaskOpen}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if err := auth.Reset(ctx, store.NamespaceTask, 5); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	status, err = auth.Check(ctx, store.NamespaceTask)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if status.Valid {
		t.Error("Check() should report invalid for stale counter")
	}
	if status.MaxObservedID != 20 {
		t.Errorf("MaxObservedID = %d, want 20", status.MaxObservedID)
	}
}

func TestCheck_ArchivedRecordsCount(t *testing.T) {
	auth, s := setup(t, false)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &store.Task{ID: "T030", Title: "x", Status: store.TaskDone}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if err := s.ArchiveTask(ctx, "T030"); err != nil {
		t.Fatalf("ArchiveTask() failed: %v", err)
	}
	if err := auth.Reset(ctx, store.NamespaceTask, 10); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	status, err := auth.Check(ctx, store.NamespaceTask)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if status.Valid || status.MaxObservedID != 30 {
		t.Errorf("Check() = %+v, archived records must count", status)
	}
}

func TestRepair(t *testing.T) {
	auth, s := setup(t, false)
	ctx := context.Background()

	if err := s.CreateTask(ctx, &store.Task{ID: "T020", Title: "x", Status: store.TaskOpen}); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if err := auth.Reset(ctx, store.NamespaceTask, 5); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	newCounter, err := auth.Repair(ctx, store.NamespaceTask)
	if err != nil {
		t.Fatalf("Repair() failed: %v", err)
	}
	if newCounter != 21 {
		t.Errorf("Repair() = %d, want 21", newCounter)
	}

	status, err := auth.Check(ctx, store.NamespaceTask)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if !status.Valid {
		t.Error("Check() should be valid after repair")
	}
}

func TestAllocate_Concurrent(t *testing.T) {
	auth, _ := setup(t, false)
	ctx := context.Background()

	const n = 20
	var (
		mu  sync.Mutex
		ids = make(map[string]bool)
		wg  sync.WaitGroup
	)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			id, err := auth.Allocate(ctx, store.NamespaceTask)
			if err != nil {
				t.Errorf("Allocate() failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ids[id] {
				t.Errorf("duplicate ID allocated: %s", id)
			}
			ids[id] = true
		}()
	}
	wg.Wait()

	if len(ids) != n {
		t.Errorf("allocated %d unique IDs, want %d", len(ids), n)
	}
}
