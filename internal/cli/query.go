package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/sharedb/engine"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Filter string
	Sort   []string
	Skip   int
	Limit  int
	Fields []string
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <collection>",
		Short: "Query documents from a collection",
		Long: `Query a collection and print matching documents as NDJSON.

The filter is the JSON form of a filter tree: a leaf has "op", "field" and
"value", composites combine children under "and", "or" or "not". Without
--filter every document matches.

Examples:
  sharedb query users --db ./data.db
  sharedb query users --db ./data.db --filter '{"op":"eq","field":"name","value":"ada"}'
  sharedb query users --db ./data.db --sort age:desc --limit 10 --fields name,age`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter as JSON")
	cmd.Flags().StringArrayVar(&opts.Sort, "sort", nil, "sort by field, ascending unless suffixed with :desc (repeatable)")
	cmd.Flags().IntVar(&opts.Skip, "skip", 0, "drop the first n results")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "cap the result count (0 = unlimited)")
	cmd.Flags().StringSliceVar(&opts.Fields, "fields", nil, "project results to the named fields")

	return cmd
}

func runQuery(opts *QueryOptions, collection string, cmd *cobra.Command) error {
	q := engine.Query{
		Skip:   opts.Skip,
		Limit:  opts.Limit,
		Fields: opts.Fields,
	}

	if opts.Filter != "" {
		if err := json.Unmarshal([]byte(opts.Filter), &q.Filter); err != nil {
			return WrapExitError(ExitCommandError, "failed to parse filter", err)
		}
	}

	sorts, err := parseSorts(opts.Sort)
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	q.Sort = sorts

	db, err := opts.open()
	if err != nil {
		return err
	}
	defer db.Close()

	cur, err := db.Query(cmd.Context(), collection, q)
	if err != nil {
		return WrapExitError(ExitFailure, "query failed", err)
	}
	defer cur.Close() //nolint:errcheck

	enc := json.NewEncoder(cmd.OutOrStdout())
	for cur.Next() {
		if err := enc.Encode(cur.Document()); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return WrapExitError(ExitFailure, "query failed", err)
	}
	return cur.Close()
}

func parseSorts(specs []string) ([]engine.SortField, error) {
	var sorts []engine.SortField
	for _, spec := range specs {
		field, dir, found := strings.Cut(spec, ":")
		if field == "" {
			return nil, fmt.Errorf("invalid sort %q: empty field", spec)
		}
		s := engine.SortField{Field: field}
		if found {
			switch dir {
			case "asc":
			case "desc":
				s.Desc = true
			default:
				return nil, fmt.Errorf("invalid sort %q: direction must be asc or desc", spec)
			}
		}
		sorts = append(sorts, s)
	}
	return sorts, nil
}
