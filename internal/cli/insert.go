package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hupe1980/sharedb/engine"
)

// InsertOptions holds flags for the insert command.
type InsertOptions struct {
	*RootOptions
	JSON   string
	AutoID string
}

// NewInsertCommand creates the insert command.
func NewInsertCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InsertOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "insert <collection>",
		Short: "Insert documents into a collection",
		Long: `Insert JSON documents into a collection.

Documents come from --json (a single object or an array) or, without it,
as newline-delimited JSON on stdin.

Examples:
  sharedb insert users --db ./data.db --json '{"name":"ada"}'
  sharedb insert users --db ./data.db --json '[{"name":"ada"},{"name":"grace"}]'
  cat users.ndjson | sharedb insert users --db ./data.db --auto-id uuid`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInsert(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.JSON, "json", "", "documents as inline JSON (object or array); empty reads NDJSON from stdin")
	cmd.Flags().StringVar(&opts.AutoID, "auto-id", "int64", "identity assignment for documents without _id (none|int64|uuid)")

	return cmd
}

func runInsert(opts *InsertOptions, collection string, cmd *cobra.Command) error {
	autoID, err := parseAutoID(opts.AutoID)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}

	docs, err := readDocuments(opts.JSON, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to parse documents", err)
	}
	if len(docs) == 0 {
		return NewExitError(ExitCommandError, "no documents to insert")
	}

	db, err := opts.open()
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.Insert(cmd.Context(), collection, docs, autoID)
	if err != nil {
		return WrapExitError(ExitFailure, "insert failed", err)
	}

	if opts.Format == "json" {
		return printJSON(cmd.OutOrStdout(), map[string]any{"inserted": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "inserted %d document(s) into %s\n", n, collection)
	return nil
}

func parseAutoID(s string) (engine.AutoID, error) {
	switch s {
	case "none":
		return engine.AutoIDNone, nil
	case "", "int64":
		return engine.AutoIDInt64, nil
	case "uuid":
		return engine.AutoIDUUID, nil
	default:
		return 0, fmt.Errorf("invalid auto-id %q: must be one of none, int64, uuid", s)
	}
}

// readDocuments parses documents from the --json flag, or as NDJSON from
// stdin when the flag is empty.
func readDocuments(inline string, stdin io.Reader) ([]engine.Document, error) {
	if inline != "" {
		trimmed := bytes.TrimSpace([]byte(inline))
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var docs []engine.Document
			if err := json.Unmarshal(trimmed, &docs); err != nil {
				return nil, err
			}
			return docs, nil
		}

		var doc engine.Document
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, err
		}
		return []engine.Document{doc}, nil
	}

	var docs []engine.Document
	dec := json.NewDecoder(stdin)
	for {
		var doc engine.Document
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
