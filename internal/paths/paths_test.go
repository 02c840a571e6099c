package paths_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leonletto/keel/internal/paths"
)

func TestFindKeelRoot(t *testing.T) {
	tmpDir := t.TempDir()

	// Create .keel/ at the root and a nested working directory
	if err := os.MkdirAll(filepath.Join(tmpDir, ".keel"), 0750); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	nested := filepath.Join(tmpDir, "a", "b", "c")
	if err := os.MkdirAll(nested, 0750); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}

	root, err := paths.FindKeelRoot(nested)
	if err != nil {
		t.Fatalf("FindKeelRoot() failed: %v", err)
	}
	// Resolve symlinks (macOS /tmp is a symlink to /private/tmp)
	wantRoot, _ := filepath.EvalSymlinks(tmpDir)
	gotRoot, _ := filepath.EvalSymlinks(root)
	if gotRoot != wantRoot {
		t.Errorf("FindKeelRoot() = %q, want %q", gotRoot, wantRoot)
	}
}

func TestFindKeelRoot_NotFound(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := paths.FindKeelRoot(tmpDir); err == nil {
		t.Error("FindKeelRoot() should fail when no .keel/ exists")
	}
}

func TestFindKeelRoot_KeelIsFile(t *testing.T) {
	tmpDir := t.TempDir()

	// A plain file named .keel must not count as a project directory
	if err := os.WriteFile(filepath.Join(tmpDir, ".keel"), []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	if _, err := paths.FindKeelRoot(tmpDir); err == nil {
		t.Error("FindKeelRoot() should ignore a .keel file")
	}
}

func TestLayout_EnsureDirs(t *testing.T) {
	tmpDir := t.TempDir()
	layout := paths.NewLayout(tmpDir)

	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs() failed: %v", err)
	}

	for _, dir := range []string{layout.VarDir(), layout.SeqDir(), layout.BackupsDir(), layout.LedgerDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("expected directory %s: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestLayout_Paths(t *testing.T) {
	layout := paths.NewLayout("/repo")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DBPath", layout.DBPath(), "/repo/.keel/var/keel.db"},
		{"SeqCounterPath", layout.SeqCounterPath("task"), "/repo/.keel/var/seq/task.json"},
		{"SeqLockPath", layout.SeqLockPath("task"), "/repo/.keel/var/seq/task.json.lock"},
		{"MigrationStatePath", layout.MigrationStatePath(), "/repo/.keel/var/migration-state.json"},
		{"LedgerPath", layout.LedgerPath(), "/repo/.keel/ledger/research.jsonl"},
		{"LedgerArchivePath", layout.LedgerArchivePath(), "/repo/.keel/ledger/research-archive.jsonl"},
		{"LedgerLockPath", layout.LedgerLockPath(), "/repo/.keel/ledger/research.jsonl.lock"},
		{"ConfigPath", layout.ConfigPath(), "/repo/.keel/config.yaml"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}
