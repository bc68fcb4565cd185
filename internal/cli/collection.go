package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCollectionCommand creates the collection command group.
func NewCollectionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collection",
		Short: "Manage collections",
	}

	cmd.AddCommand(newCollectionListCommand(rootOpts))
	cmd.AddCommand(newCollectionDropCommand(rootOpts))
	cmd.AddCommand(newCollectionRenameCommand(rootOpts))

	return cmd
}

func newCollectionListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List collections",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			names, err := db.Collections(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "list collections failed", err)
			}

			if rootOpts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"collections": names})
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newCollectionDropCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "drop <name>",
		Short:         "Drop a collection and its indexes",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			dropped, err := db.DropCollection(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "drop collection failed", err)
			}

			if rootOpts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"name": args[0], "dropped": dropped})
			}
			if dropped {
				fmt.Fprintf(cmd.OutOrStdout(), "collection %s dropped\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "collection %s not found\n", args[0])
			}
			return nil
		},
	}
}

func newCollectionRenameCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rename <old> <new>",
		Short:         "Rename a collection",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			renamed, err := db.RenameCollection(cmd.Context(), args[0], args[1])
			if err != nil {
				return WrapExitError(ExitFailure, "rename collection failed", err)
			}

			if rootOpts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"renamed": renamed})
			}
			if renamed {
				fmt.Fprintf(cmd.OutOrStdout(), "collection %s renamed to %s\n", args[0], args[1])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "collection %s not found\n", args[0])
			}
			return nil
		},
	}
}
