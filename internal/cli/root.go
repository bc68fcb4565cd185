// Package cli implements the sharedb command line. Every command opens the
// database for the duration of one operation and releases it on exit, so
// the CLI can run against a datafile other processes are using.
package cli

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/sharedb"
	"github.com/hupe1980/sharedb/engine"
	"github.com/hupe1980/sharedb/engine/leveldb"
	"github.com/hupe1980/sharedb/engine/memory"
	"github.com/hupe1980/sharedb/engine/sqlite"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Database    string
	Engine      string
	LogLevel    string
	LockTimeout time.Duration
	Format      string // "json" | "text"
}

// ValidEngines defines the selectable storage backends.
var ValidEngines = []string{"leveldb", "sqlite", "memory"}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the sharedb CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sharedb",
		Short: "Shared-access document database",
		Long: `Operate on a sharedb datafile: insert, query and delete documents,
manage indexes and pragmas, run maintenance, and move archives in and out.

Every invocation acquires the machine-wide lock for the datafile, performs
its operation and releases the lock again, so the CLI is safe to run while
other processes use the same file.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidEngines, opts.Engine) {
				return fmt.Errorf("invalid engine %q: must be one of %v", opts.Engine, ValidEngines)
			}
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.LogLevel != "" {
				if _, err := parseLogLevel(opts.LogLevel); err != nil {
					return err
				}
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the datafile (required)")
	_ = cmd.MarkPersistentFlagRequired("db")
	cmd.PersistentFlags().StringVar(&opts.Engine, "engine", "leveldb", "storage engine (leveldb|sqlite|memory)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error); empty disables logging")
	cmd.PersistentFlags().DurationVar(&opts.LockTimeout, "lock-timeout", 0, "cross-process lock acquisition timeout")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewInsertCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewPragmaCommand(opts))
	cmd.AddCommand(NewCheckpointCommand(opts))
	cmd.AddCommand(NewRebuildCommand(opts))
	cmd.AddCommand(NewIndexCommand(opts))
	cmd.AddCommand(NewCollectionCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewRestoreCommand(opts))
	cmd.AddCommand(NewLockCommand(opts))
	cmd.AddCommand(NewBenchCommand(opts))

	return cmd
}

// open opens the database with the configured engine, logging and lock
// settings. The caller closes it.
func (o *RootOptions) open(extra ...sharedb.Option) (*sharedb.DB, error) {
	factory, err := o.factory()
	if err != nil {
		return nil, NewExitError(ExitCommandError, err.Error())
	}

	options := []sharedb.Option{sharedb.WithEngineFactory(factory)}

	if o.LogLevel != "" {
		level, err := parseLogLevel(o.LogLevel)
		if err != nil {
			return nil, NewExitError(ExitCommandError, err.Error())
		}
		options = append(options, sharedb.WithLogger(sharedb.NewTextLogger(level)))
	}
	if o.LockTimeout > 0 {
		options = append(options, sharedb.WithLockTimeout(o.LockTimeout))
	}
	options = append(options, extra...)

	db, err := sharedb.Open(o.Database, options...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return db, nil
}

func (o *RootOptions) factory() (engine.Factory, error) {
	switch o.Engine {
	case "", "leveldb":
		return leveldb.Factory, nil
	case "sqlite":
		return sqlite.Factory, nil
	case "memory":
		return memory.Factory, nil
	default:
		return nil, fmt.Errorf("invalid engine %q: must be one of %v", o.Engine, ValidEngines)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", s)
	}
	return level, nil
}
