package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/sharedb/engine"
)

// NewIndexCommand creates the index command group.
func NewIndexCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage secondary indexes",
	}

	cmd.AddCommand(newIndexEnsureCommand(rootOpts))
	cmd.AddCommand(newIndexDropCommand(rootOpts))

	return cmd
}

func newIndexEnsureCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		name   string
		unique bool
	)

	cmd := &cobra.Command{
		Use:   "ensure <collection> <field>",
		Short: "Create an index if it does not exist",
		Example: `  sharedb index ensure users email --unique --db ./data.db
  sharedb index ensure users meta.lang --name lang_idx --db ./data.db`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx := engine.Index{Name: name, Field: args[1], Unique: unique}
			if idx.Name == "" {
				idx.Name = args[1]
			}

			db, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			created, err := db.EnsureIndex(cmd.Context(), args[0], idx)
			if err != nil {
				return WrapExitError(ExitFailure, "ensure index failed", err)
			}

			if rootOpts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"name": idx.Name, "created": created})
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "index %s created on %s\n", idx.Name, args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "index %s already exists on %s\n", idx.Name, args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "index name (defaults to the field path)")
	cmd.Flags().BoolVar(&unique, "unique", false, "reject duplicate values")

	return cmd
}

func newIndexDropCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "drop <collection> <name>",
		Short:         "Drop an index",
		Example:       `  sharedb index drop users email --db ./data.db`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			dropped, err := db.DropIndex(cmd.Context(), args[0], args[1])
			if err != nil {
				return WrapExitError(ExitFailure, "drop index failed", err)
			}

			if rootOpts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"name": args[1], "dropped": dropped})
			}
			if dropped {
				fmt.Fprintf(cmd.OutOrStdout(), "index %s dropped from %s\n", args[1], args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "index %s not found on %s\n", args[1], args[0])
			}
			return nil
		},
	}
}
