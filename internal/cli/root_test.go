package cli

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "sharedb", cmd.Use)
	assert.Contains(t, cmd.Long, "machine-wide lock")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{
		"insert", "query", "delete", "pragma", "checkpoint", "rebuild",
		"index", "collection", "backup", "restore", "lock", "bench",
	}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	dbFlag := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, dbFlag)
	// --db is required, so default is empty
	assert.Equal(t, "", dbFlag.DefValue)

	engineFlag := cmd.PersistentFlags().Lookup("engine")
	require.NotNil(t, engineFlag)
	assert.Equal(t, "leveldb", engineFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	lockTimeoutFlag := cmd.PersistentFlags().Lookup("lock-timeout")
	require.NotNil(t, lockTimeoutFlag)
	assert.Equal(t, "0s", lockTimeoutFlag.DefValue)
}

func TestInsertCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	insertCmd, _, err := cmd.Find([]string{"insert"})
	require.NoError(t, err)

	jsonFlag := insertCmd.Flags().Lookup("json")
	require.NotNil(t, jsonFlag)

	autoIDFlag := insertCmd.Flags().Lookup("auto-id")
	require.NotNil(t, autoIDFlag)
	assert.Equal(t, "int64", autoIDFlag.DefValue)
}

func TestQueryCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	queryCmd, _, err := cmd.Find([]string{"query"})
	require.NoError(t, err)

	for _, name := range []string{"filter", "sort", "skip", "limit", "fields"} {
		require.NotNil(t, queryCmd.Flags().Lookup(name), "flag %s should exist", name)
	}
}

func TestBackupCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	backupCmd, _, err := cmd.Find([]string{"backup"})
	require.NoError(t, err)

	targetFlag := backupCmd.Flags().Lookup("target")
	require.NotNil(t, targetFlag)

	codecFlag := backupCmd.Flags().Lookup("codec")
	require.NotNil(t, codecFlag)
	assert.Equal(t, "zstd", codecFlag.DefValue)
}

func TestRestoreCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	restoreCmd, _, err := cmd.Find([]string{"restore"})
	require.NoError(t, err)

	for _, name := range []string{"target", "archive-id", "drop-existing", "batch-size"} {
		require.NotNil(t, restoreCmd.Flags().Lookup(name), "flag %s should exist", name)
	}
}

func TestEngineValidation(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--db", "x.db", "--engine", "bolt", "collection", "list"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid engine")
}

func TestFormatValidation(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--db", "x.db", "--format", "xml", "collection", "list"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestLogLevelValidation(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--db", "x.db", "--log-level", "loud", "collection", "list"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestExitError(t *testing.T) {
	inner := errors.New("boom")
	err := WrapExitError(ExitFailure, "operation failed", inner)

	assert.Equal(t, "operation failed: boom", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}
