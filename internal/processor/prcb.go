// Package processor models the per-processor state the interrupt subsystem
// depends on: the current IRQL, the time spent in interrupt service
// routines, and exclusive execution on a processor.
package processor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/kintr/internal/bugcheck"
	"github.com/tinyrange/kintr/internal/irql"
	"github.com/tinyrange/kintr/internal/spinlock"
)

// MaximumProcessors is the number of processors an affinity mask can name.
const MaximumProcessors = 64

// Prcb is a processor control block.
type Prcb struct {
	Number int

	irql atomic.Uint32

	// isrTime accumulates cycles spent in timed interrupt service routines
	// on this processor. Nested interrupts subtract their growth of it.
	isrTime atomic.Uint64

	interrupts atomic.Uint64

	// run is held by whichever goroutine is currently executing on this
	// processor: a pinned kernel thread or the top level of an interrupt.
	run sync.Mutex
}

// Irql returns the processor's current IRQL.
func (p *Prcb) Irql() irql.Level {
	return irql.Level(p.irql.Load())
}

// RaiseIrql raises the processor to level and returns the previous level.
// Raising to a lower level than the current one is fatal.
func (p *Prcb) RaiseIrql(level irql.Level) irql.Level {
	old := p.Irql()
	if level < old || !level.Valid() {
		bugcheck.Raise(bugcheck.IrqlNotGreaterOrEqual, uint64(old), uint64(level), uint64(p.Number))
	}
	p.irql.Store(uint32(level))
	return old
}

// LowerIrql lowers the processor to level. Lowering to a higher level than
// the current one is fatal.
func (p *Prcb) LowerIrql(level irql.Level) {
	old := p.Irql()
	if level > old {
		bugcheck.Raise(bugcheck.IrqlNotLessOrEqual, uint64(old), uint64(level), uint64(p.Number))
	}
	p.irql.Store(uint32(level))
}

// AcquireSpinLockRaise raises to level, takes l and returns the level to
// restore with ReleaseSpinLock.
func (p *Prcb) AcquireSpinLockRaise(l *spinlock.Lock, level irql.Level) irql.Level {
	old := p.RaiseIrql(level)
	l.Acquire()
	return old
}

// ReleaseSpinLock drops l and lowers back to old.
func (p *Prcb) ReleaseSpinLock(l *spinlock.Lock, old irql.Level) {
	l.Release()
	p.LowerIrql(old)
}

// IsrTime returns the cycles accumulated in interrupt service routines.
func (p *Prcb) IsrTime() uint64 {
	return p.isrTime.Load()
}

// AddIsrTime adds cycles to the ISR time accumulator.
func (p *Prcb) AddIsrTime(cycles uint64) {
	p.isrTime.Add(cycles)
}

// Interrupts returns the number of interrupts delivered to this processor.
func (p *Prcb) Interrupts() uint64 {
	return p.interrupts.Load()
}

// CountInterrupt records one delivered interrupt.
func (p *Prcb) CountInterrupt() {
	p.interrupts.Add(1)
}

// Enter gives the calling goroutine exclusive execution on the processor.
func (p *Prcb) Enter() {
	p.run.Lock()
}

// Exit ends exclusive execution started with Enter.
func (p *Prcb) Exit() {
	p.run.Unlock()
}

// Set is the fixed set of processors in the system.
type Set struct {
	prcbs []*Prcb
}

// NewSet creates n processors, all at PASSIVE_LEVEL.
func NewSet(n int) (*Set, error) {
	if n <= 0 || n > MaximumProcessors {
		return nil, fmt.Errorf("processor: invalid processor count %d (must be 1-%d)", n, MaximumProcessors)
	}
	s := &Set{prcbs: make([]*Prcb, n)}
	for i := range s.prcbs {
		s.prcbs[i] = &Prcb{Number: i}
	}
	return s, nil
}

// Count returns the number of processors.
func (s *Set) Count() int {
	return len(s.prcbs)
}

// Prcb returns the control block for processor n, or nil if there is none.
func (s *Set) Prcb(n int) *Prcb {
	if n < 0 || n >= len(s.prcbs) {
		return nil
	}
	return s.prcbs[n]
}
