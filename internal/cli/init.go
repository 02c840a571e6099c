package cli

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leonletto/keel/internal/config"
	"github.com/leonletto/keel/internal/paths"
	"github.com/leonletto/keel/internal/store"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .keel/ state directory in the current project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(a)
		},
	}
}

func runInit(a *app) error {
	root, err := filepath.Abs(a.repo)
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}

	layout := paths.NewLayout(root)
	if err := layout.EnsureDirs(); err != nil {
		return err
	}
	if err := config.WriteDefault(layout.KeelDir); err != nil {
		return err
	}

	// Opening initializes the schema
	s, err := store.Open(layout.DBPath())
	if err != nil {
		return err
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	// Checkpoints need a git repo around .keel/
	if err := ensureGitRepo(root); err != nil {
		return err
	}

	if a.jsonOutput() {
		return printJSON(map[string]string{"status": "initialized", "keel_dir": layout.KeelDir})
	}
	fmt.Printf("Initialized keel project in %s\n", layout.KeelDir)
	return nil
}

// ensureGitRepo initializes a git repository at root if none encloses it.
func ensureGitRepo(root string) error {
	check := exec.Command("git", "rev-parse", "--git-dir")
	check.Dir = root
	if check.Run() == nil {
		return nil
	}

	initCmd := exec.Command("git", "init")
	initCmd.Dir = root
	var stderr bytes.Buffer
	initCmd.Stderr = &stderr
	if err := initCmd.Run(); err != nil {
		return fmt.Errorf("git init: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	fmt.Fprintln(os.Stderr, "keel: initialized git repository for checkpoints")
	return nil
}
