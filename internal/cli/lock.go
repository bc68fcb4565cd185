package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/sharedb/namedmutex"
)

// NewLockCommand creates the lock command group.
func NewLockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect the machine-wide lock",
	}

	cmd.AddCommand(newLockInspectCommand(rootOpts))

	return cmd
}

func newLockInspectCommand(rootOpts *RootOptions) *cobra.Command {
	var lockDir string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the lock name, lock file and current holder",
		Long: `Show the machine-wide lock derived from the datafile path: the lock
name, the backing lock file and the recorded holder, if any.

Useful for diagnosing a deployment that reports lock timeouts: a stale
holder record names the process that died without releasing.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var mopts []namedmutex.Option
			if lockDir != "" {
				mopts = append(mopts, namedmutex.WithDir(lockDir))
			}

			m, err := namedmutex.New(rootOpts.Database, mopts...)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to derive lock", err)
			}
			defer m.Close()

			holder, err := m.Holder()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read holder record", err)
			}

			if rootOpts.Format == "json" {
				payload := map[string]any{
					"name":      m.Name(),
					"datafile":  m.Path(),
					"lock_file": m.LockPath(),
				}
				if holder != nil {
					payload["holder"] = map[string]any{
						"pid":      holder.PID,
						"hostname": holder.Hostname,
						"acquired": holder.Acquired,
						"stale":    holder.Stale(),
					}
				}
				return printJSON(cmd.OutOrStdout(), payload)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:      %s\n", m.Name())
			fmt.Fprintf(out, "datafile:  %s\n", m.Path())
			if p := m.LockPath(); p != "" {
				fmt.Fprintf(out, "lock file: %s\n", p)
			}
			if holder == nil {
				fmt.Fprintln(out, "holder:    none")
			} else {
				state := "alive"
				if holder.Stale() {
					state = "stale"
				}
				fmt.Fprintf(out, "holder:    pid %d on %s, acquired %s (%s)\n",
					holder.PID, holder.Hostname, holder.Acquired.Format("2006-01-02 15:04:05 MST"), state)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&lockDir, "lock-dir", "", "directory holding lock files (defaults to the system temp dir)")

	return cmd
}
