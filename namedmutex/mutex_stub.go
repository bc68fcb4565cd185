//go:build !unix && !windows

package namedmutex

import (
	"fmt"
	"runtime"
)

// osMutex is the stub for platforms without a machine-wide locking
// primitive. Construction fails, so the other methods are unreachable; they
// still return ErrUnsupported in case a caller holds a zero value.
type osMutex struct{}

func newOSMutex(name, dir string) (*osMutex, error) {
	return nil, fmt.Errorf("%w: no machine-wide lock on %s", ErrUnsupported, runtime.GOOS)
}

func (o *osMutex) tryAcquire() (bool, bool, error) { return false, false, ErrUnsupported }

func (o *osMutex) release() error { return ErrUnsupported }

func (o *osMutex) close() error { return nil }

func (o *osMutex) lockPath() string { return "" }

func (o *osMutex) holder() (*Holder, error) { return nil, nil }

func pidAlive(int) bool { return true }
