package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leonletto/keel/internal/ledger"
	"github.com/leonletto/keel/internal/paths"
	"github.com/leonletto/keel/internal/safeerr"
)

func setup(t *testing.T) (*ledger.Ledger, *paths.Layout) {
	t.Helper()
	layout := paths.NewLayout(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs() failed: %v", err)
	}
	return ledger.New(layout, 2*time.Second, 10), layout
}

func TestValidate(t *testing.T) {
	l, _ := setup(t)

	tests := []struct {
		name  string
		entry ledger.Entry
		want  string // substring of the violation, empty = valid
	}{
		{"valid", ledger.Entry{ID: "R1", Topic: "research", Title: "x", Status: ledger.StatusActive}, ""},
		{"bad id", ledger.Entry{ID: "X1", Topic: "research", Title: "x", Status: ledger.StatusActive}, "does not match"},
		{"missing topic", ledger.Entry{ID: "R1", Title: "x", Status: ledger.StatusActive}, "topic is required"},
		{"missing title", ledger.Entry{ID: "R1", Topic: "research", Status: ledger.StatusActive}, "title is required"},
		{"bad status", ledger.Entry{ID: "R1", Topic: "research", Title: "x", Status: "pending"}, "unknown status"},
		{"self parent", ledger.Entry{ID: "R1", Topic: "research", Title: "x", Status: ledger.StatusActive, ParentID: "R1"}, "own parent"},
		{"depth over max", ledger.Entry{ID: "R1", Topic: "research", Title: "x", Status: ledger.StatusActive, Depth: 11}, "outside"},
		{"path mismatch", ledger.Entry{ID: "R1", Topic: "research", Title: "x", Status: ledger.StatusActive, Path: "R2/R3"}, "does not end in entry ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Validate(&tt.entry)
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			var verr *safeerr.LedgerValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected LedgerValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) && !containsViolation(verr, tt.want) {
				t.Errorf("violations %v do not mention %q", verr.Violations, tt.want)
			}
		})
	}
}

func containsViolation(err *safeerr.LedgerValidationError, substr string) bool {
	for _, v := range err.Violations {
		if strings.Contains(v, substr) {
			return true
		}
	}
	return false
}

func TestAppend_RoundTrip(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	entry := &ledger.Entry{ID: "R1", Topic: "research", Title: "initial findings"}
	if err := l.Append(ctx, entry); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	// Defaults were filled in
	if entry.Status != ledger.StatusActive {
		t.Errorf("status = %q, want active", entry.Status)
	}
	if entry.Audit == nil || entry.Audit.OperationID == "" {
		t.Error("audit operation ID should be minted")
	}
	if entry.Path != "R1" || entry.Depth != 0 {
		t.Errorf("root enrichment = path %q depth %d", entry.Path, entry.Depth)
	}

	got, err := l.Find(ctx, "R1")
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}
	if got.Title != "initial findings" {
		t.Errorf("Find() = %+v", got)
	}
}

func TestAppend_DuplicateRejected(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	if err := l.Append(ctx, &ledger.Entry{ID: "R1", Topic: "research", Title: "first"}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	err := l.Append(ctx, &ledger.Entry{ID: "R1", Topic: "research", Title: "second"})
	var verr *safeerr.LedgerValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected LedgerValidationError, got %v", err)
	}
	if !containsViolation(verr, "duplicate") {
		t.Errorf("violations = %v", verr.Violations)
	}

	entries, err := l.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("ledger has %d entries, want 1", len(entries))
	}
}

func TestAppend_HierarchyEnrichment(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	if err := l.Append(ctx, &ledger.Entry{ID: "R1", Topic: "research", Title: "root"}); err != nil {
		t.Fatalf("Append(R1) failed: %v", err)
	}
	child := &ledger.Entry{ID: "R2", Topic: "research", Title: "child", ParentID: "R1"}
	if err := l.Append(ctx, child); err != nil {
		t.Fatalf("Append(R2) failed: %v", err)
	}

	if child.Path != "R1/R2" || child.Depth != 1 {
		t.Errorf("enrichment = path %q depth %d, want R1/R2 depth 1", child.Path, child.Depth)
	}

	// child_count lands in the separate pass
	parent, err := l.Find(ctx, "R1")
	if err != nil {
		t.Fatalf("Find(R1) failed: %v", err)
	}
	if parent.ChildCount != 1 {
		t.Errorf("parent child_count = %d, want 1", parent.ChildCount)
	}
}

func TestAppend_EnrichmentIdempotent(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	if err := l.Append(ctx, &ledger.Entry{ID: "R1", Topic: "research", Title: "root"}); err != nil {
		t.Fatalf("Append(R1) failed: %v", err)
	}

	// Caller-provided hierarchy values are kept as-is
	child := &ledger.Entry{ID: "R2", Topic: "research", Title: "child", ParentID: "R1", Path: "R1/R2", Depth: 1}
	if err := l.Append(ctx, child); err != nil {
		t.Fatalf("Append(R2) failed: %v", err)
	}
	if child.Path != "R1/R2" || child.Depth != 1 {
		t.Errorf("pre-set values changed: path %q depth %d", child.Path, child.Depth)
	}
}

func TestAppend_RejectsHierarchyDisagreeingWithParent(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	if err := l.Append(ctx, &ledger.Entry{ID: "R1", Topic: "research", Title: "root"}); err != nil {
		t.Fatalf("Append(R1) failed: %v", err)
	}

	// A path that routes through a nonexistent intermediate entry would
	// leave depth out of step with the separators in the path
	cases := []struct {
		name  string
		entry ledger.Entry
		want  string
	}{
		{"path skips levels", ledger.Entry{ID: "R9", Topic: "research", Title: "x", ParentID: "R1", Path: "R1/R5/R9"}, "does not extend parent path"},
		{"depth wrong", ledger.Entry{ID: "R9", Topic: "research", Title: "x", ParentID: "R1", Depth: 2}, "does not match parent depth"},
		{"root with depth", ledger.Entry{ID: "R9", Topic: "research", Title: "x", Depth: 1, Path: "R9"}, "without a parent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := l.Append(ctx, &tc.entry)
			var verr *safeerr.LedgerValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected LedgerValidationError, got %v", err)
			}
			if !containsViolation(verr, tc.want) {
				t.Errorf("violations = %v, want one containing %q", verr.Violations, tc.want)
			}
		})
	}

	// Nothing landed, and what did land still satisfies every invariant
	entries, err := l.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("ledger has %d entries, want 1", len(entries))
	}
	if err := l.CheckInvariants(ctx); err != nil {
		t.Errorf("CheckInvariants() failed: %v", err)
	}
}

func TestAppend_MissingParent(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	err := l.Append(ctx, &ledger.Entry{ID: "R2", Topic: "research", Title: "orphan", ParentID: "R1"})
	var verr *safeerr.LedgerValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected LedgerValidationError, got %v", err)
	}
	if !containsViolation(verr, "not found") {
		t.Errorf("violations = %v", verr.Violations)
	}
}

func TestAppend_DepthBound(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs() failed: %v", err)
	}
	l := ledger.New(layout, 2*time.Second, 2)
	ctx := context.Background()

	// Depths 0, 1, 2 fit within maxDepth 2
	parent := ""
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("R%d", i)
		if err := l.Append(ctx, &ledger.Entry{ID: id, Topic: "research", Title: "level", ParentID: parent}); err != nil {
			t.Fatalf("Append(%s) failed: %v", id, err)
		}
		parent = id
	}

	// R4 would sit at depth 3, past the bound
	err := l.Append(ctx, &ledger.Entry{ID: "R4", Topic: "research", Title: "too deep", ParentID: "R3"})
	var verr *safeerr.LedgerValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected LedgerValidationError, got %v", err)
	}
	if !containsViolation(verr, "exceeds maximum") {
		t.Errorf("violations = %v", verr.Violations)
	}
}

func TestConcurrentAppends_DistinctIDs(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 1; i <= n; i++ {
		go func(id string) {
			defer wg.Done()
			if err := l.Append(ctx, &ledger.Entry{ID: id, Topic: "research", Title: "entry " + id}); err != nil {
				t.Errorf("Append(%s) failed: %v", id, err)
			}
		}(fmt.Sprintf("R%d", i))
	}
	wg.Wait()

	entries, err := l.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("ledger has %d entries, want %d", len(entries), n)
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if seen[e.ID] {
			t.Errorf("duplicate line for %s", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestConcurrentAppends_SameID(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := l.Append(ctx, &ledger.Entry{ID: "R1", Topic: "research", Title: "racer"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			var verr *safeerr.LedgerValidationError
			if errors.As(err, &verr) {
				rejected++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 1 || rejected != n-1 {
		t.Errorf("accepted=%d rejected=%d, want 1 and %d", accepted, rejected, n-1)
	}

	entries, err := l.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("ledger has %d lines for R1, want exactly 1", len(entries))
	}
}

func TestFilter(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	seed := []ledger.Entry{
		{ID: "R1", Topic: "research", Title: "a"},
		{ID: "R2", Topic: "review", Title: "b"},
		{ID: "R3", Topic: "research", Title: "c", ParentID: "R1"},
	}
	for i := range seed {
		if err := l.Append(ctx, &seed[i]); err != nil {
			t.Fatalf("Append(%s) failed: %v", seed[i].ID, err)
		}
	}
	if err := l.ArchiveEntry(ctx, "R2"); err != nil {
		t.Fatalf("ArchiveEntry() failed: %v", err)
	}

	byTopic, err := l.Filter(ctx, ledger.FilterOptions{Topic: "research"})
	if err != nil {
		t.Fatalf("Filter() failed: %v", err)
	}
	if len(byTopic) != 2 {
		t.Errorf("topic filter = %d entries, want 2", len(byTopic))
	}

	archived, err := l.Filter(ctx, ledger.FilterOptions{Status: ledger.StatusArchived})
	if err != nil {
		t.Fatalf("Filter() failed: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != "R2" {
		t.Errorf("status filter = %+v", archived)
	}

	byParent, err := l.Filter(ctx, ledger.FilterOptions{ParentID: "R1"})
	if err != nil {
		t.Fatalf("Filter() failed: %v", err)
	}
	if len(byParent) != 1 || byParent[0].ID != "R3" {
		t.Errorf("parent filter = %+v", byParent)
	}
}

func TestArchiveEntry_NotFound(t *testing.T) {
	l, _ := setup(t)
	if err := l.ArchiveEntry(context.Background(), "R404"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRotate(t *testing.T) {
	l, layout := setup(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		if err := l.Append(ctx, &ledger.Entry{ID: fmt.Sprintf("R%d", i), Topic: "research", Title: "entry"}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	// Below the threshold: no-op
	moved, err := l.Rotate(ctx, 1<<20, 25)
	if err != nil {
		t.Fatalf("Rotate() failed: %v", err)
	}
	if moved != 0 {
		t.Errorf("rotation below threshold moved %d entries", moved)
	}

	// Tiny threshold: oldest 25% move to the archive
	moved, err = l.Rotate(ctx, 1, 25)
	if err != nil {
		t.Fatalf("Rotate() failed: %v", err)
	}
	if moved != 2 {
		t.Errorf("moved %d entries, want 2", moved)
	}

	live, err := l.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(live) != 8 || live[0].ID != "R3" {
		t.Errorf("live ledger after rotation: %d entries, first %s", len(live), live[0].ID)
	}

	if _, err := os.Stat(layout.LedgerArchivePath()); err != nil {
		t.Fatalf("archive file missing: %v", err)
	}

	// Rotated entries remain findable and their IDs stay taken
	if _, err := l.Find(ctx, "R1"); err != nil {
		t.Errorf("Find(R1) after rotation failed: %v", err)
	}
	err = l.Append(ctx, &ledger.Entry{ID: "R1", Topic: "research", Title: "reborn"})
	var verr *safeerr.LedgerValidationError
	if !errors.As(err, &verr) {
		t.Errorf("re-appending rotated ID should be rejected, got %v", err)
	}
}

func TestCheckInvariants_CleanLedger(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	if err := l.Append(ctx, &ledger.Entry{ID: "R1", Topic: "research", Title: "root"}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := l.Append(ctx, &ledger.Entry{ID: "R2", Topic: "research", Title: "child", ParentID: "R1"}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	if err := l.CheckInvariants(ctx); err != nil {
		t.Errorf("CheckInvariants() on a clean ledger = %v", err)
	}
}

func TestCheckInvariants_Violations(t *testing.T) {
	l, layout := setup(t)
	ctx := context.Background()

	// Hand-written ledger with a dangling parent, wrong depth, wrong
	// child_count, and a two-entry parent cycle
	lines := []string{
		`{"id":"R1","topic":"t","title":"a","status":"active","created_at":"2025-01-01T00:00:00Z","path":"R1","depth":3,"child_count":5}`,
		`{"id":"R2","topic":"t","title":"b","status":"active","created_at":"2025-01-01T00:00:00Z","parent_id":"R404","path":"R2","depth":0}`,
		`{"id":"R3","topic":"t","title":"c","status":"active","created_at":"2025-01-01T00:00:00Z","parent_id":"R4","path":"R3","depth":0}`,
		`{"id":"R4","topic":"t","title":"d","status":"active","created_at":"2025-01-01T00:00:00Z","parent_id":"R3","path":"R4","depth":0}`,
	}
	if err := os.WriteFile(layout.LedgerPath(), []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatalf("write ledger: %v", err)
	}

	err := l.CheckInvariants(ctx)
	var verr *safeerr.LedgerValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected LedgerValidationError, got %v", err)
	}
	for _, want := range []string{"does not resolve", "separators in path", "child_count", "cycle"} {
		if !containsViolation(verr, want) {
			t.Errorf("violations %v missing %q", verr.Violations, want)
		}
	}
}
