package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewPragmaCommand creates the pragma command group.
func NewPragmaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pragma",
		Short: "Read or write datafile pragmas",
	}

	cmd.AddCommand(newPragmaGetCommand(rootOpts))
	cmd.AddCommand(newPragmaSetCommand(rootOpts))

	return cmd
}

func newPragmaGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Print a pragma value",
		Example: `  sharedb pragma get user_version --db ./data.db
  sharedb pragma get timeout --db ./data.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			value, err := db.Pragma(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "pragma read failed", err)
			}

			if rootOpts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"name": args[0], "value": value})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v\n", value)
			return nil
		},
	}
}

func newPragmaSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Set a pragma value",
		Example: `  sharedb pragma set user_version 7 --db ./data.db
  sharedb pragma set utc_date true --db ./data.db`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			changed, err := db.SetPragma(cmd.Context(), args[0], parsePragmaValue(args[1]))
			if err != nil {
				return WrapExitError(ExitFailure, "pragma write failed", err)
			}

			if rootOpts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"name": args[0], "changed": changed})
			}
			if changed {
				fmt.Fprintf(cmd.OutOrStdout(), "pragma %s updated\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "pragma %s unchanged\n", args[0])
			}
			return nil
		},
	}
}

// parsePragmaValue reads integers and booleans natively; everything else
// stays a string.
func parsePragmaValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
