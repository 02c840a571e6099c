package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leonletto/keel/internal/ledger"
)

func newLedgerCmd(a *app) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Append to and inspect the research ledger",
	}
	ledgerCmd.AddCommand(
		newLedgerAppendCmd(a),
		newLedgerListCmd(a),
		newLedgerShowCmd(a),
		newLedgerArchiveCmd(a),
		newLedgerRotateCmd(a),
		newLedgerCheckCmd(a),
	)
	return ledgerCmd
}

func newLedgerAppendCmd(a *app) *cobra.Command {
	var (
		id     string
		topic  string
		body   string
		parent string
		actor  string
	)
	cmd := &cobra.Command{
		Use:   "append <title>",
		Short: "Append an entry to the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			entry := &ledger.Entry{
				ID:       id,
				Topic:    topic,
				Title:    args[0],
				Body:     body,
				ParentID: parent,
			}
			if actor != "" {
				entry.Audit = &ledger.Audit{Actor: actor}
			}
			if err := e.ledger.Append(cmd.Context(), entry); err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(entry)
			}
			fmt.Printf("Appended %s: %s\n", entry.ID, entry.Title)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Entry ID (R<digits>)")
	cmd.Flags().StringVar(&topic, "topic", "", "Entry topic")
	cmd.Flags().StringVar(&body, "body", "", "Entry body")
	cmd.Flags().StringVar(&parent, "parent", "", "Parent entry ID")
	cmd.Flags().StringVar(&actor, "actor", "", "Audit actor")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func newLedgerListCmd(a *app) *cobra.Command {
	var (
		topic           string
		status          string
		parent          string
		includeArchived bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			entries, err := e.ledger.Filter(cmd.Context(), ledger.FilterOptions{
				Topic:           topic,
				Status:          ledger.Status(status),
				ParentID:        parent,
				IncludeArchived: includeArchived,
			})
			if err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(entries)
			}
			for i := range entries {
				en := &entries[i]
				fmt.Printf("%-6s [%s] %s  %s\n", en.ID, en.Status, en.Topic, en.Title)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "Filter by topic")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (active or archived)")
	cmd.Flags().StringVar(&parent, "parent", "", "Filter by parent entry ID")
	cmd.Flags().BoolVar(&includeArchived, "include-rotated", false, "Also search the rotation archive")
	return cmd
}

func newLedgerShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			entry, err := e.ledger.Find(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(entry)
			}
			fmt.Printf("%s  %s [%s]\n", entry.ID, entry.Title, entry.Status)
			fmt.Printf("  Topic: %s\n", entry.Topic)
			if entry.Body != "" {
				fmt.Printf("  %s\n", entry.Body)
			}
			if entry.ParentID != "" {
				fmt.Printf("  Parent: %s (path %s, depth %d)\n", entry.ParentID, entry.Path, entry.Depth)
			}
			if entry.ChildCount > 0 {
				fmt.Printf("  Children: %d\n", entry.ChildCount)
			}
			if entry.Audit != nil {
				fmt.Printf("  Recorded: %s by %s (%s)\n",
					entry.Audit.RecordedAt.Format("2006-01-02 15:04:05"), entry.Audit.Actor, entry.Audit.OperationID)
			}
			return nil
		},
	}
}

func newLedgerArchiveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Mark a ledger entry archived",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.ledger.ArchiveEntry(cmd.Context(), args[0]); err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(map[string]string{"id": args[0], "status": string(ledger.StatusArchived)})
			}
			fmt.Printf("Archived %s\n", args[0])
			return nil
		},
	}
}

func newLedgerRotateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Move the oldest entries to the archive if the ledger is large",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			moved, err := e.ledger.Rotate(cmd.Context(), e.cfg.LedgerRotateThreshold, e.cfg.LedgerArchivePercent)
			if err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(map[string]int{"rotated": moved})
			}
			if moved == 0 {
				fmt.Println("Nothing to rotate")
			} else {
				fmt.Printf("Rotated %d entries to the archive\n", moved)
			}
			return nil
		},
	}
}

func newLedgerCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the ledger hierarchy invariants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.ledger.CheckInvariants(cmd.Context()); err != nil {
				return err
			}

			if a.jsonOutput() {
				return printJSON(map[string]bool{"valid": true})
			}
			fmt.Println("Ledger invariants hold")
			return nil
		},
	}
}
