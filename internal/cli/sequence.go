package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leonletto/keel/internal/store"
)

func newSequenceCmd(a *app) *cobra.Command {
	sequenceCmd := &cobra.Command{
		Use:   "sequence",
		Short: "Inspect and repair the ID counters",
	}
	sequenceCmd.AddCommand(newSequenceCheckCmd(a), newSequenceRepairCmd(a))
	return sequenceCmd
}

func newSequenceCheckCmd(a *app) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare each counter against the maximum ID in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			namespaces, err := selectNamespaces(namespace)
			if err != nil {
				return err
			}

			allValid := true
			for _, ns := range namespaces {
				status, err := e.seq.Check(cmd.Context(), ns)
				if err != nil {
					return err
				}
				if !status.Valid {
					allValid = false
				}
				if a.jsonOutput() {
					if err := printJSON(status); err != nil {
						return err
					}
					continue
				}
				state := "ok"
				if !status.Valid {
					state = "INVALID (run `keel sequence repair`)"
				}
				fmt.Printf("%-8s counter=%d maxObservedId=%d  %s\n", status.Namespace, status.Counter, status.MaxObservedID, state)
			}

			if !allValid {
				return fmt.Errorf("sequence check failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "Check one namespace (task or session)")
	return cmd
}

func newSequenceRepairCmd(a *app) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Advance stale counters past the maximum observed ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open()
			if err != nil {
				return err
			}
			defer e.close()

			namespaces, err := selectNamespaces(namespace)
			if err != nil {
				return err
			}

			for _, ns := range namespaces {
				counter, err := e.seq.Repair(cmd.Context(), ns)
				if err != nil {
					return err
				}
				if a.jsonOutput() {
					// Same shape as `sequence check`, post-repair
					status, err := e.seq.Check(cmd.Context(), ns)
					if err != nil {
						return err
					}
					if err := printJSON(status); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("%-8s counter repaired to %d\n", ns, counter)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "Repair one namespace (task or session)")
	return cmd
}

func selectNamespaces(flag string) ([]store.Namespace, error) {
	if flag == "" {
		return []store.Namespace{store.NamespaceTask, store.NamespaceSession}, nil
	}
	ns := store.Namespace(flag)
	if !ns.Valid() {
		return nil, fmt.Errorf("unknown namespace %q (want task or session)", flag)
	}
	return []store.Namespace{ns}, nil
}
