package main

import (
	"errors"
	"fmt"

	"github.com/devblac/equb-sync/internal/reconcile"
	"github.com/devblac/equb-sync/internal/storage"
	"github.com/spf13/cobra"
)

var flagImportName string

func init() {
	importCmd.Flags().StringVar(&flagImportName, "name", "", "Name to use when the contract does not store one")
}

var importCmd = &cobra.Command{
	Use:   "import <equb-id>...",
	Short: "Create off-chain equbs from their on-chain configuration",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, true)
		if err != nil {
			return err
		}
		defer e.Close()
		out := cmd.OutOrStdout()

		failures := 0
		for _, raw := range args {
			id, err := parseEqubID(raw)
			if err != nil {
				return err
			}
			info, err := e.reader.GetEqub(ctx, id)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- equb %s: ERROR %v\n", id, err)
				continue
			}
			q, err := reconcile.Import(ctx, e.store, info, flagImportName)
			switch {
			case errors.Is(err, storage.ErrDuplicate):
				fmt.Fprintf(out, "- equb %s: already imported\n", id)
			case err != nil:
				failures++
				fmt.Fprintf(out, "- equb %s: ERROR %v\n", id, err)
			default:
				fmt.Fprintf(out, "- equb %s: imported %q (max %d members)\n", id, q.Name, q.MaxMembers)
			}
		}
		if failures > 0 {
			return fmt.Errorf("import: %d equb(s) failed", failures)
		}
		return nil
	},
}
