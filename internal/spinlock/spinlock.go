// Package spinlock provides the busy-waiting lock used where the caller may
// not block: interrupt service routines and the dispatcher database.
package spinlock

import (
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/kintr/internal/bugcheck"
)

// spinsBeforeYield bounds how long Acquire burns a processor before it lets
// the Go scheduler run the current holder.
const spinsBeforeYield = 64

// Lock is a spin lock. The zero value is unlocked.
type Lock struct {
	state atomic.Uint32
}

// Acquire spins until the lock is held by the caller.
func (l *Lock) Acquire() {
	for spins := 0; ; spins++ {
		if l.state.Load() == 0 && l.state.CompareAndSwap(0, 1) {
			return
		}
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryAcquire takes the lock if it is free.
func (l *Lock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release drops the lock. Releasing a lock nobody holds is fatal.
func (l *Lock) Release() {
	if !l.state.CompareAndSwap(1, 0) {
		bugcheck.Raise(bugcheck.SpinLockNotOwned)
	}
}

// Held reports whether somebody currently holds the lock.
func (l *Lock) Held() bool {
	return l.state.Load() != 0
}
