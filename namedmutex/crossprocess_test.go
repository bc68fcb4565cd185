package namedmutex

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLockHolderProcess is not a test of its own: the cross-process tests
// re-execute the test binary with this test selected to get a real second
// process contending for the lock.
func TestLockHolderProcess(t *testing.T) {
	if os.Getenv("SHAREDB_LOCK_HELPER") != "1" {
		t.Skip("helper, spawned by the cross-process tests")
	}

	m, err := New(os.Getenv("SHAREDB_LOCK_FILE"), WithDir(os.Getenv("SHAREDB_LOCK_DIR")))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	fmt.Println("LOCKED")

	if os.Getenv("SHAREDB_LOCK_MODE") == "abandon" {
		// Die while owning the lock.
		os.Exit(0)
	}

	// Hold until the parent closes stdin, then hand back cleanly.
	_, _ = io.Copy(io.Discard, os.Stdin)

	if err := m.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func spawnHolder(t *testing.T, mode, dir, path string) (*exec.Cmd, io.WriteCloser) {
	t.Helper()

	cmd := exec.Command(os.Args[0], "-test.run=^TestLockHolderProcess$")
	cmd.Env = append(os.Environ(),
		"SHAREDB_LOCK_HELPER=1",
		"SHAREDB_LOCK_MODE="+mode,
		"SHAREDB_LOCK_DIR="+dir,
		"SHAREDB_LOCK_FILE="+path,
	)

	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)

	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)

	cmd.Stderr = os.Stderr

	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		if cmd.ProcessState == nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
	})

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		if strings.Contains(sc.Text(), "LOCKED") {
			go io.Copy(io.Discard, stdout) //nolint:errcheck // drain test chatter
			return cmd, stdin
		}
	}

	t.Fatalf("holder process never reported LOCKED: %v", sc.Err())

	return nil, nil
}

func TestCrossProcessExclusion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")

	m, err := New(path, WithDir(dir),
		WithTimeout(150*time.Millisecond),
		WithPollWindow(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)
	defer m.Close()

	cmd, stdin := spawnHolder(t, "hold", dir, path)

	// 1. The other process holds the lock, so acquisition times out.
	_, err = m.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)

	// 2. Closing stdin tells the holder to release and exit.
	require.NoError(t, stdin.Close())
	require.NoError(t, cmd.Wait())

	// 3. A clean handover reports no recovery.
	recovered, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, recovered)
	require.NoError(t, m.Release())
}

func TestCrossProcessAbandonment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")

	m, err := New(path, WithDir(dir))
	require.NoError(t, err)
	defer m.Close()

	cmd, stdin := spawnHolder(t, "abandon", dir, path)
	defer stdin.Close()

	// The holder exits without releasing.
	require.NoError(t, cmd.Wait())

	recovered, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, recovered, "takeover from a dead holder must be reported")
	require.NoError(t, m.Release())
}
