package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/sharedb/engine"
)

// NewCheckpointCommand creates the checkpoint command.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Move committed log entries into the datafile",
		Long: `Flush the engine's write-ahead log into the main datafile.

How much work this does depends on the backend: engines that checkpoint on
close report zero frames here.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			frames, err := db.Checkpoint(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "checkpoint failed", err)
			}

			if rootOpts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"frames": frames})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpointed %d frame(s)\n", frames)
			return nil
		},
	}
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Compact the datafile",
		Long: `Rewrite the datafile to reclaim space left by deleted documents.

With --target the compacted copy is written to a new path and the original
is left untouched.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer db.Close()

			reclaimed, err := db.Rebuild(cmd.Context(), engine.RebuildOptions{TargetPath: target})
			if err != nil {
				return WrapExitError(ExitFailure, "rebuild failed", err)
			}

			if rootOpts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"reclaimed_bytes": reclaimed})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d byte(s)\n", reclaimed)
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "write the compacted datafile to this path instead of in place")

	return cmd
}
