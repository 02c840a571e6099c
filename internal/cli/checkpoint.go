package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckpointCmd(a *app) *cobra.Command {
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage git-backed state snapshots",
	}
	checkpointCmd.AddCommand(
		newCheckpointNowCmd(a),
		newCheckpointListCmd(a),
		newCheckpointStatsCmd(a),
		newCheckpointRestoreCmd(a),
	)
	return checkpointCmd
}

func newCheckpointNowCmd(a *app) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "now",
		Short: "Create a snapshot immediately, bypassing the debounce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.ckpt.Checkpoint(cmd.Context(), message, true); err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(e.ckpt.Stats())
			}
			fmt.Println("Checkpoint created")
			return nil
		},
	}
	cmd.Flags().StringVar(&message, "message", "manual checkpoint", "Context recorded with the snapshot")
	return cmd
}

func newCheckpointListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			checkpoints, err := e.ckpt.List(cmd.Context())
			if err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(checkpoints)
			}
			for _, c := range checkpoints {
				fmt.Printf("%s  %s  %s  %s\n",
					c.CheckpointID, c.CreatedAt.Format("2006-01-02 15:04:05"), c.GitRef, c.OpContext)
			}
			return nil
		},
	}
}

func newCheckpointStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show checkpoint telemetry for this invocation's service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			stats := e.ckpt.Stats()
			if a.jsonOutput() {
				return printJSON(stats)
			}
			fmt.Printf("Attempts:  %d\n", stats.Attempts)
			fmt.Printf("Completed: %d\n", stats.Completed)
			fmt.Printf("Skipped:   %d\n", stats.Skipped)
			fmt.Printf("Failures:  %d\n", stats.Failures)
			if stats.LastError != "" {
				fmt.Printf("Last error: %s\n", stats.LastError)
			}
			return nil
		},
	}
}

func newCheckpointRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <ref>",
		Short: "Check .keel/ state out from a snapshot ref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			// The restore replaces database files; release ours first
			if err := e.store.Close(); err != nil {
				return fmt.Errorf("close store before restore: %w", err)
			}

			if err := e.ckpt.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(map[string]string{"status": "restored", "ref": args[0]})
			}
			fmt.Printf("Restored .keel/ state from %s\n", args[0])
			return nil
		},
	}
}
