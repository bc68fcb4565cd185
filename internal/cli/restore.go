package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/sharedb/backup"
)

// RestoreOptions holds flags for the restore command.
type RestoreOptions struct {
	*RootOptions
	Target       string
	ArchiveID    string
	CatalogTable string
	DropExisting bool
	BatchSize    int
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replay an archive into the database",
		Long: `Replay an archive's collections into the database, verifying stream
checksums and document counts against the manifest.

The archive is picked by --archive-id, or resolved from the DynamoDB
catalog (the latest archive for this datafile) when --catalog-table is
given instead.

Examples:
  sharedb restore --db ./data.db --target ./archives --archive-id 9f0c...
  sharedb restore --db ./fresh.db --target s3://backups/prod --catalog-table sharedb-archives
  sharedb restore --db ./data.db --target ./archives --archive-id 9f0c... --drop-existing`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(opts, cmd)
		},
	}

	addTargetFlags(cmd, &opts.Target, &opts.CatalogTable)
	cmd.Flags().StringVar(&opts.ArchiveID, "archive-id", "", "archive to restore (defaults to the catalog's latest)")
	cmd.Flags().BoolVar(&opts.DropExisting, "drop-existing", false, "drop each target collection before replaying it")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "documents per insert batch (0 = default)")

	return cmd
}

func runRestore(opts *RestoreOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	target, err := resolveTarget(ctx, opts.Target, opts.CatalogTable)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve target", err)
	}

	id := opts.ArchiveID
	if id == "" {
		if target.catalog == nil {
			return NewExitError(ExitCommandError, "one of --archive-id or --catalog-table is required")
		}
		latest, version, err := target.catalog.Latest(ctx, opts.Database)
		if err != nil {
			return WrapExitError(ExitFailure, "catalog lookup failed", err)
		}
		if latest == "" {
			return NewExitError(ExitFailure, fmt.Sprintf("catalog has no archive for %s", opts.Database))
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "restoring catalog version %d (%s)\n", version, latest)
		id = latest
	}

	db, err := opts.open()
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := backup.Restore(ctx, db, target.store, id, backup.RestoreOptions{
		DropExisting: opts.DropExisting,
		BatchSize:    opts.BatchSize,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "restore failed", err)
	}

	if opts.Format == "json" {
		return printJSON(cmd.OutOrStdout(), map[string]any{"manifest": m})
	}

	var total int64
	for _, c := range m.Collections {
		total += c.Count
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restored archive %s: %d collection(s), %d document(s)\n",
		m.ID, len(m.Collections), total)
	return nil
}
