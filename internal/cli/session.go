package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leonletto/keel/internal/safewrite"
	"github.com/leonletto/keel/internal/store"
)

func newSessionCmd(a *app) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Create, inspect, and mutate agent sessions",
	}
	sessionCmd.AddCommand(
		newSessionCreateCmd(a),
		newSessionGetCmd(a),
		newSessionUpdateCmd(a),
		newSessionDeleteCmd(a),
		newSessionListCmd(a),
	)
	return sessionCmd
}

func newSessionCreateCmd(a *app) *cobra.Command {
	var (
		id     string
		status string
		taskID string
		notes  string
	)
	cmd := &cobra.Command{
		Use:   "create <agent>",
		Short: "Create a session through the safe-write pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			sess := &store.Session{
				ID:     id,
				Agent:  args[0],
				Status: store.SessionStatus(status),
				TaskID: taskID,
				Notes:  notes,
			}
			created, err := e.pipeline.CreateSession(cmd.Context(), sess, safewrite.Options{})
			if err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(created)
			}
			fmt.Printf("Created %s: %s [%s]\n", created.ID, created.Agent, created.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Explicit session ID (default: next in sequence)")
	cmd.Flags().StringVar(&status, "status", string(store.SessionActive), "Initial status")
	cmd.Flags().StringVar(&taskID, "task", "", "Task this session works on")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes")
	return cmd
}

func newSessionGetCmd(a *app) *cobra.Command {
	var includeArchived bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			sess, err := e.store.GetSession(cmd.Context(), args[0], includeArchived)
			if err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(sess)
			}
			fmt.Printf("%s  %s [%s]\n", sess.ID, sess.Agent, sess.Status)
			if sess.TaskID != "" {
				fmt.Printf("  Task:  %s\n", sess.TaskID)
			}
			if sess.Notes != "" {
				fmt.Printf("  Notes: %s\n", sess.Notes)
			}
			fmt.Printf("  Created: %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeArchived, "archived", false, "Include archived sessions")
	return cmd
}

func newSessionUpdateCmd(a *app) *cobra.Command {
	var (
		agent  string
		status string
		taskID string
		notes  string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Patch a session; only the given flags change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			var patch store.SessionPatch
			if cmd.Flags().Changed("agent") {
				patch.Agent = &agent
			}
			if cmd.Flags().Changed("status") {
				s := store.SessionStatus(status)
				patch.Status = &s
			}
			if cmd.Flags().Changed("task") {
				patch.TaskID = &taskID
			}
			if cmd.Flags().Changed("notes") {
				patch.Notes = &notes
			}
			if patch.Empty() {
				return fmt.Errorf("nothing to update: pass at least one field flag")
			}

			updated, err := e.pipeline.UpdateSession(cmd.Context(), args[0], patch, safewrite.Options{})
			if err != nil {
				return err
			}

			// No read-back when verification is off
			if updated == nil {
				if a.jsonOutput() {
					return printJSON(map[string]string{"id": args[0], "status": "updated"})
				}
				fmt.Printf("Updated %s\n", args[0])
				return nil
			}

			if a.jsonOutput() {
				return printJSON(updated)
			}
			fmt.Printf("Updated %s: %s [%s]\n", updated.ID, updated.Agent, updated.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "New agent name")
	cmd.Flags().StringVar(&status, "status", "", "New status")
	cmd.Flags().StringVar(&taskID, "task", "", "New task reference")
	cmd.Flags().StringVar(&notes, "notes", "", "New notes")
	return cmd
}

func newSessionDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Archive a session (the ID stays reserved)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.pipeline.DeleteSession(cmd.Context(), args[0], safewrite.Options{}); err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(map[string]string{"id": args[0], "status": "archived"})
			}
			fmt.Printf("Archived %s\n", args[0])
			return nil
		},
	}
}

func newSessionListCmd(a *app) *cobra.Command {
	var (
		status          string
		includeArchived bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			sessions, err := e.store.ListSessions(cmd.Context(), store.SessionListOptions{
				Status:          store.SessionStatus(status),
				IncludeArchived: includeArchived,
			})
			if err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(sessions)
			}
			for i := range sessions {
				s := &sessions[i]
				marker := ""
				if s.Archived {
					marker = " (archived)"
				}
				fmt.Printf("%s  [%s]%s  %s\n", s.ID, s.Status, marker, s.Agent)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().BoolVar(&includeArchived, "archived", false, "Include archived sessions")
	return cmd
}
