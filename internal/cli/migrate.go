package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leonletto/keel/internal/migrate"
)

func newMigrateCmd(a *app) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import a legacy JSON dataset with backup and rollback",
	}
	migrateCmd.AddCommand(newMigrateRunCmd(a), newMigrateStatusCmd(a), newMigrateRollbackCmd(a))
	return migrateCmd
}

func newMigrateRunCmd(a *app) *cobra.Command {
	var (
		source string
		dryRun bool
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run (or resume) a migration from a legacy source directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			st, err := e.migrate.Run(cmd.Context(), source, migrate.Options{DryRun: dryRun, Force: force})
			if err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(st)
			}
			if dryRun {
				fmt.Printf("Dry run: %d tasks and %d sessions would import cleanly\n", st.TasksImported, st.SessionsImported)
				return nil
			}
			fmt.Printf("Migration %s complete: %d tasks, %d sessions\n", st.RunID, st.TasksImported, st.SessionsImported)
			fmt.Printf("Backup: %s\n", st.BackupPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Directory containing tasks.json and sessions.json")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and count without writing")
	cmd.Flags().BoolVar(&force, "force", false, "Restart instead of resuming an interrupted run")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func newMigrateStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted migration state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			st, err := e.migrate.Status()
			if err != nil {
				return err
			}
			if st == nil {
				if a.jsonOutput() {
					return printJSON(map[string]any{"phase": nil})
				}
				fmt.Println("No migration has run")
				return nil
			}

			if a.jsonOutput() {
				if err := printJSON(st); err != nil {
					return err
				}
			} else {
				fmt.Printf("Run:      %s\n", st.RunID)
				fmt.Printf("Phase:    %s\n", st.Phase)
				fmt.Printf("Source:   %s\n", st.SourceDir)
				fmt.Printf("Imported: %d tasks, %d sessions\n", st.TasksImported, st.SessionsImported)
				if st.BackupPath != "" {
					fmt.Printf("Backup:   %s\n", st.BackupPath)
				}
				if st.Error != "" {
					fmt.Printf("Error:    %s\n", st.Error)
				}
			}

			// A failed migration is a failed command
			if st.Phase == migrate.PhaseFailed {
				return fmt.Errorf("migration %s is in failed state", st.RunID)
			}
			return nil
		},
	}
}

func newMigrateRollbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the store from the last pre-migration backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			// The restore swaps database files; release ours first
			if err := e.store.Close(); err != nil {
				return fmt.Errorf("close store before rollback: %w", err)
			}

			if err := e.migrate.Rollback(cmd.Context()); err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(map[string]string{"status": "rolled_back"})
			}
			fmt.Println("Rolled back to pre-migration backup")
			return nil
		},
	}
}
