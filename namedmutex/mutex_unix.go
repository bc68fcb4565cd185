//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package namedmutex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// osMutex maps the derived name to a lock file guarded by flock(2). The
// derived name contains a backslash, which is a legal byte in a POSIX file
// name, so the name is used verbatim.
type osMutex struct {
	path string
	fl   *flock.Flock
}

func newOSMutex(name, dir string) (*osMutex, error) {
	if dir == "" {
		dir = os.TempDir()
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	path := filepath.Join(dir, name)

	// World-writable so that processes of different users contend on the
	// same lock, matching the Global kernel namespace on Windows.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	probeErr := probeFlock(f)
	if cerr := f.Close(); cerr != nil && probeErr == nil {
		return nil, cerr
	}

	if probeErr != nil {
		return nil, probeErr
	}

	return &osMutex{path: path, fl: flock.New(path)}, nil
}

// probeFlock takes and drops a shared non-blocking lock to verify the
// filesystem supports flock(2) at all. Some network filesystems accept the
// open but reject the lock; that must surface at construction, not on first
// acquisition.
func probeFlock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	if err == nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return nil
	}

	// A busy lock proves flock works here.
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		return nil
	}

	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) {
		return fmt.Errorf("%w: flock on %s: %v", ErrUnsupported, f.Name(), err)
	}

	return fmt.Errorf("probe lock file %s: %w", f.Name(), err)
}

func (o *osMutex) tryAcquire() (acquired, recovered bool, err error) {
	prior, _ := readHolder(o.path)

	ok, err := o.fl.TryLock()
	if err != nil {
		return false, false, fmt.Errorf("try lock %s: %w", o.path, err)
	}

	if !ok {
		return false, false, nil
	}

	if prior != nil && prior.Stale() {
		recovered = true
	}

	// The record is advisory; failing to write it must not fail the
	// acquisition the kernel already granted.
	_ = writeHolder(o.path)

	return true, recovered, nil
}

func (o *osMutex) release() error {
	_ = os.Truncate(o.path, 0)

	if err := o.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", o.path, err)
	}

	return nil
}

// close drops the lock if held. The lock file itself stays behind: removing
// it would race with another process that already opened it, handing out two
// locks on the same name.
func (o *osMutex) close() error {
	return o.fl.Unlock()
}

func (o *osMutex) lockPath() string { return o.path }

func (o *osMutex) holder() (*Holder, error) { return readHolder(o.path) }

func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)

	// EPERM means the process exists but belongs to someone else.
	return err == nil || errors.Is(err, unix.EPERM)
}
