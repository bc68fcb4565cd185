package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/sharedb/engine"
)

// DeleteOptions holds flags for the delete command.
type DeleteOptions struct {
	*RootOptions
	IDs    []string
	Filter string
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "delete <collection>",
		Short: "Delete documents from a collection",
		Long: `Delete documents by identity or by filter.

Identities given with --id parse as JSON values (numbers stay numbers);
anything that is not valid JSON is taken as a plain string identity.

Examples:
  sharedb delete users --db ./data.db --id 1 --id 2
  sharedb delete orders --db ./data.db --id o-17
  sharedb delete users --db ./data.db --filter '{"op":"lt","field":"age","value":18}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.IDs, "id", nil, "document identity to delete (repeatable)")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "delete every document matching this JSON filter")

	return cmd
}

func runDelete(opts *DeleteOptions, collection string, cmd *cobra.Command) error {
	if len(opts.IDs) > 0 && opts.Filter != "" {
		return NewExitError(ExitCommandError, "use either --id or --filter, not both")
	}
	if len(opts.IDs) == 0 && opts.Filter == "" {
		return NewExitError(ExitCommandError, "one of --id or --filter is required")
	}

	db, err := opts.open()
	if err != nil {
		return err
	}
	defer db.Close()

	var n int
	if len(opts.IDs) > 0 {
		ids := make([]any, len(opts.IDs))
		for i, raw := range opts.IDs {
			ids[i] = parseID(raw)
		}
		n, err = db.Delete(cmd.Context(), collection, ids)
	} else {
		var f engine.Filter
		if err := json.Unmarshal([]byte(opts.Filter), &f); err != nil {
			return WrapExitError(ExitCommandError, "failed to parse filter", err)
		}
		n, err = db.DeleteMany(cmd.Context(), collection, f)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "delete failed", err)
	}

	if opts.Format == "json" {
		return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d document(s) from %s\n", n, collection)
	return nil
}

// parseID reads an identity the way JSON would, falling back to the raw
// string for bare identities like "o-17".
func parseID(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
