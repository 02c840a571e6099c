package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leonletto/keel/internal/safewrite"
	"github.com/leonletto/keel/internal/store"
)

func newTaskCmd(a *app) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect, and mutate tasks",
	}
	taskCmd.AddCommand(
		newTaskCreateCmd(a),
		newTaskGetCmd(a),
		newTaskUpdateCmd(a),
		newTaskDeleteCmd(a),
		newTaskListCmd(a),
	)
	return taskCmd
}

func newTaskCreateCmd(a *app) *cobra.Command {
	var (
		id          string
		status      string
		priority    string
		assignee    string
		description string
	)
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task through the safe-write pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			task := &store.Task{
				ID:          id,
				Title:       args[0],
				Status:      store.TaskStatus(status),
				Priority:    priority,
				Assignee:    assignee,
				Description: description,
			}
			created, err := e.pipeline.CreateTask(cmd.Context(), task, safewrite.Options{})
			if err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(created)
			}
			fmt.Printf("Created %s: %s [%s]\n", created.ID, created.Title, created.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Explicit task ID (default: next in sequence)")
	cmd.Flags().StringVar(&status, "status", string(store.TaskOpen), "Initial status")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority label")
	cmd.Flags().StringVar(&assignee, "assignee", "", "Assignee")
	cmd.Flags().StringVar(&description, "description", "", "Long description")
	return cmd
}

func newTaskGetCmd(a *app) *cobra.Command {
	var includeArchived bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			task, err := e.store.GetTask(cmd.Context(), args[0], includeArchived)
			if err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(task)
			}
			printTask(task)
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeArchived, "archived", false, "Include archived tasks")
	return cmd
}

func newTaskUpdateCmd(a *app) *cobra.Command {
	var (
		title       string
		status      string
		priority    string
		assignee    string
		description string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Patch a task; only the given flags change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			var patch store.TaskPatch
			if cmd.Flags().Changed("title") {
				patch.Title = &title
			}
			if cmd.Flags().Changed("status") {
				s := store.TaskStatus(status)
				patch.Status = &s
			}
			if cmd.Flags().Changed("priority") {
				patch.Priority = &priority
			}
			if cmd.Flags().Changed("assignee") {
				patch.Assignee = &assignee
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &description
			}
			if patch.Empty() {
				return fmt.Errorf("nothing to update: pass at least one field flag")
			}

			updated, err := e.pipeline.UpdateTask(cmd.Context(), args[0], patch, safewrite.Options{})
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
			fmt.Printf("Updated %s: %s [%s]\n", updated.ID, updated.Title, updated.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringVar(&status, "status", "", "New status")
	cmd.Flags().StringVar(&priority, "priority", "", "New priority")
	cmd.Flags().StringVar(&assignee, "assignee", "", "New assignee")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	return cmd
}

func newTaskDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Archive a task (the ID stays reserved)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.pipeline.DeleteTask(cmd.Context(), args[0], safewrite.Options{}); err != nil {
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

func newTaskListCmd(a *app) *cobra.Command {
	var (
		status          string
		includeArchived bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			tasks, err := e.store.ListTasks(cmd.Context(), store.TaskListOptions{
				Status:          store.TaskStatus(status),
				IncludeArchived: includeArchived,
			})
			if err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(tasks)
			}
			for i := range tasks {
				t := &tasks[i]
				marker := ""
				if t.Archived {
					marker = " (archived)"
				}
				fmt.Printf("%s  [%s]%s  %s\n", t.ID, t.Status, marker, t.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().BoolVar(&includeArchived, "archived", false, "Include archived tasks")
	return cmd
}

func printTask(t *store.Task) {
	fmt.Printf("%s  %s\n", t.ID, t.Title)
	fmt.Printf("  Status:   %s\n", t.Status)
	if t.Priority != "" {
		fmt.Printf("  Priority: %s\n", t.Priority)
	}
	if t.Assignee != "" {
		fmt.Printf("  Assignee: %s\n", t.Assignee)
	}
	if t.Description != "" {
		fmt.Printf("  %s\n", t.Description)
	}
	fmt.Printf("  Created:  %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.UpdatedAt != nil {
		fmt.Printf("  Updated:  %s\n", t.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	if t.Archived && t.ArchivedAt != nil {
		fmt.Printf("  Archived: %s\n", t.ArchivedAt.Format("2006-01-02 15:04:05"))
	}
}
