// Package cli builds the keel command tree. Commands are thin: they
// resolve the project, load configuration, wire the safety layer, and
// hand off. All durability logic lives below this package.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/leonletto/keel/internal/checkpoint"
	"github.com/leonletto/keel/internal/config"
	"github.com/leonletto/keel/internal/guard"
	"github.com/leonletto/keel/internal/ledger"
	"github.com/leonletto/keel/internal/migrate"
	"github.com/leonletto/keel/internal/paths"
	"github.com/leonletto/keel/internal/safeerr"
	"github.com/leonletto/keel/internal/safewrite"
	"github.com/leonletto/keel/internal/sequence"
	"github.com/leonletto/keel/internal/store"
)

// app carries the global flag state shared by every command.
type app struct {
	repo   string
	json   bool
	strict bool
}

// NewRootCmd builds the keel command tree.
func NewRootCmd(version, build string) *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "keel",
		Short: "Local-first task tracking with verified writes",
		Long: `Keel is a local-first record store for AI-agent task tracking.

Every write goes through a safety pipeline: sequential ID allocation,
collision detection, read-back verification, and git-backed snapshots.
An append-only ledger records research activity alongside the store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&a.repo, "repo", ".", "Project path (searched upward for .keel/)")
	rootCmd.PersistentFlags().BoolVar(&a.json, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&a.strict, "strict", false, "Fail hard on sequence drift and ID collisions")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate("keel v{{.Version}} (build: " + build + ")\n")

	rootCmd.AddCommand(
		newInitCmd(a),
		newTaskCmd(a),
		newSessionCmd(a),
		newSequenceCmd(a),
		newMigrateCmd(a),
		newLedgerCmd(a),
		newCheckpointCmd(a),
	)
	return rootCmd
}

// env is the wired safety layer for one invocation.
type env struct {
	layout   *paths.Layout
	cfg      *config.Config
	store    *store.Store
	seq      *sequence.Authority
	guard    *guard.Guard
	ckpt     *checkpoint.Service
	pipeline *safewrite.Pipeline
	ledger   *ledger.Ledger
	migrate  *migrate.Engine
}

// open resolves the project root and wires every component. The caller
// must invoke close when done.
func (a *app) open() (*env, error) {
	root, err := paths.FindKeelRoot(a.repo)
	if err != nil {
		return nil, fmt.Errorf("%w (run `keel init` first)", err)
	}
	layout := paths.NewLayout(root)

	cfg, err := config.Load(layout.KeelDir)
	if err != nil {
		return nil, err
	}
	if a.strict {
		cfg.Strict = true
	}

	s, err := store.Open(layout.DBPath())
	if err != nil {
		return nil, err
	}

	seq := sequence.New(s, layout, cfg.LockTimeout, cfg.Strict)
	g := guard.New(s)
	ckpt := checkpoint.New(s.DB(), layout, cfg.CheckpointDebounce, cfg.CheckpointRetention)
	pipeline := safewrite.New(s, seq, g, ckpt, cfg.Strict, cfg.VerifyWrites, cfg.AutoCheckpoint)
	led := ledger.New(layout, cfg.LockTimeout, cfg.LedgerMaxDepth)
	eng := migrate.New(s, seq, layout, cfg.LockTimeout)

	return &env{
		layout:   layout,
		cfg:      cfg,
		store:    s,
		seq:      seq,
		guard:    g,
		ckpt:     ckpt,
		pipeline: pipeline,
		ledger:   led,
		migrate:  eng,
	}, nil
}

// close drains background checkpoints before releasing the store.
func (e *env) close() {
	e.ckpt.Wait()
	_ = e.store.Close()
}

// jsonOutput reports whether results should be machine-readable: the
// --json flag, or stdout not being a terminal.
func (a *app) jsonOutput() bool {
	return a.json || !term.IsTerminal(int(os.Stdout.Fd()))
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// RenderError writes an error the way agent callers expect: the safeerr
// JSON envelope on stderr. Meant for main's final error handler.
func RenderError(err error) {
	fmt.Fprintln(os.Stderr, string(safeerr.RenderJSON(err)))
}
