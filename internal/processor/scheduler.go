package processor

import (
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/kintr/internal/bugcheck"
	"github.com/tinyrange/kintr/internal/irql"
	"github.com/tinyrange/kintr/internal/spinlock"
)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// HostAffinity additionally pins the calling OS thread to a host CPU
	// while a kernel thread is pinned to a processor.
	HostAffinity bool

	Logger *slog.Logger
}

// Scheduler provides processor affinity pinning and the dispatcher database
// lock, the two scheduling primitives interrupt connection relies on.
type Scheduler struct {
	set            *Set
	dispatcherLock spinlock.Lock
	hostAffinity   bool
	active         atomic.Int32
	log            *slog.Logger
}

// NewScheduler returns a scheduler over set.
func NewScheduler(set *Set, opts SchedulerOptions) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		set:          set,
		hostAffinity: opts.HostAffinity,
		log:          log,
	}
}

// Processors returns the processor set the scheduler runs on.
func (s *Scheduler) Processors() *Set {
	return s.set
}

// Pin is an active system affinity. Revert restores the previous affinity.
type Pin struct {
	s        *Scheduler
	prcb     *Prcb
	host     func()
	reverted bool
}

// SetSystemAffinity runs the caller on processor number until the returned
// Pin is reverted. Naming a processor that does not exist is fatal.
func (s *Scheduler) SetSystemAffinity(number int) *Pin {
	prcb := s.set.Prcb(number)
	if prcb == nil {
		bugcheck.Raise(bugcheck.InvalidAffinitySet, uint64(number), uint64(s.set.Count()))
	}

	runtime.LockOSThread()
	pin := &Pin{s: s, prcb: prcb}
	if s.hostAffinity {
		restore, err := pinHostThread(number)
		if err != nil {
			s.log.Warn("host affinity unavailable", "processor", number, "error", err)
		} else {
			pin.host = restore
		}
	}

	prcb.Enter()
	s.active.Add(1)
	return pin
}

// Prcb returns the processor the caller is pinned to.
func (p *Pin) Prcb() *Prcb {
	return p.prcb
}

// Revert restores the affinity in effect before SetSystemAffinity. It is
// safe to call more than once.
func (p *Pin) Revert() {
	if p.reverted {
		return
	}
	p.reverted = true
	p.s.active.Add(-1)
	p.prcb.Exit()
	if p.host != nil {
		p.host()
	}
	runtime.UnlockOSThread()
}

// ActivePins returns how many pins have not been reverted.
func (s *Scheduler) ActivePins() int {
	return int(s.active.Load())
}

// LockDispatcherDatabase raises prcb to DISPATCH_LEVEL and takes the
// system-wide dispatcher lock. It returns the IRQL to restore.
func (s *Scheduler) LockDispatcherDatabase(prcb *Prcb) irql.Level {
	return prcb.AcquireSpinLockRaise(&s.dispatcherLock, irql.Dispatch)
}

// UnlockDispatcherDatabase releases the dispatcher lock and lowers prcb to old.
func (s *Scheduler) UnlockDispatcherDatabase(prcb *Prcb, old irql.Level) {
	prcb.ReleaseSpinLock(&s.dispatcherLock, old)
}

// DispatcherLockHeld reports whether the dispatcher lock is held.
func (s *Scheduler) DispatcherLockHeld() bool {
	return s.dispatcherLock.Held()
}
