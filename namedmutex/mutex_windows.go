//go:build windows

package namedmutex

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sys/windows"
)

var errMutexClosed = errors.New("namedmutex: closed")

// osMutex uses the derived name verbatim as a named kernel mutex. Mutex
// ownership on Windows is bound to the OS thread that acquired it, and
// goroutines migrate between threads, so a dedicated locked thread services
// every kernel call. Acquire and Release may then come from different
// goroutines, which happens when a cursor is drained on another goroutine
// than the one that opened it.
type osMutex struct {
	reqs chan func()
	done chan struct{}
	once sync.Once

	handle windows.Handle
}

func newOSMutex(name, _ string) (*osMutex, error) {
	name16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("encode mutex name: %w", err)
	}

	o := &osMutex{
		reqs: make(chan func()),
		done: make(chan struct{}),
	}

	errc := make(chan error, 1)
	go o.loop(name16, errc)

	if err := <-errc; err != nil {
		return nil, err
	}

	return o, nil
}

func (o *osMutex) loop(name *uint16, errc chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	h, err := windows.CreateMutex(nil, false, name)
	if err != nil {
		errc <- fmt.Errorf("create mutex: %w", err)
		return
	}

	o.handle = h
	errc <- nil

	for {
		select {
		case fn := <-o.reqs:
			fn()
		case <-o.done:
			windows.CloseHandle(h)
			return
		}
	}
}

func (o *osMutex) call(fn func()) error {
	done := make(chan struct{})

	select {
	case o.reqs <- func() { fn(); close(done) }:
		<-done
		return nil
	case <-o.done:
		return errMutexClosed
	}
}

func (o *osMutex) tryAcquire() (acquired, recovered bool, err error) {
	cerr := o.call(func() {
		ev, werr := windows.WaitForSingleObject(o.handle, 0)
		switch ev {
		case syscall.WAIT_OBJECT_0:
			acquired = true
		case syscall.WAIT_ABANDONED:
			// The previous holder died while owning the mutex. The
			// kernel hands ownership over; report the takeover.
			acquired, recovered = true, true
		case syscall.WAIT_TIMEOUT:
			// Held elsewhere.
		default:
			err = fmt.Errorf("wait for mutex: %w", werr)
		}
	})
	if cerr != nil {
		return false, false, cerr
	}

	return acquired, recovered, err
}

func (o *osMutex) release() error {
	var err error

	cerr := o.call(func() {
		if rerr := windows.ReleaseMutex(o.handle); rerr != nil {
			err = fmt.Errorf("release mutex: %w", rerr)
		}
	})
	if cerr != nil {
		return cerr
	}

	return err
}

func (o *osMutex) close() error {
	o.once.Do(func() { close(o.done) })
	return nil
}

func (o *osMutex) lockPath() string { return "" }

// holder always reports no record: the kernel object carries no holder
// identity, abandonment is reported by WaitForSingleObject instead.
func (o *osMutex) holder() (*Holder, error) { return nil, nil }

func pidAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION|windows.SYNCHRONIZE, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	// A process handle is signaled once the process exits.
	ev, err := windows.WaitForSingleObject(h, 0)

	return err == nil && ev == syscall.WAIT_TIMEOUT
}
