package interrupt

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/kintr/internal/hal"
)

// dispatcher selects what an object's dispatch code does when entered.
type dispatcher uint32

const (
	dispatchNone dispatcher = iota

	// Primary-level dispatchers, reached from a direct vector entry.
	dispatchInterrupt
	dispatchFloating
	dispatchChained

	// Second-level dispatchers, reached through a flat vector slot.
	dispatchInterrupt2nd
	dispatchChained2nd
)

func (d dispatcher) String() string {
	switch d {
	case dispatchNone:
		return "none"
	case dispatchInterrupt:
		return "interrupt"
	case dispatchFloating:
		return "floating"
	case dispatchChained:
		return "chained"
	case dispatchInterrupt2nd:
		return "interrupt-2nd"
	case dispatchChained2nd:
		return "chained-2nd"
	}
	return fmt.Sprintf("dispatcher(%d)", uint32(d))
}

// dispatchers are the sentinel dispatchers of one addressing style.
type dispatchers struct {
	normal   dispatcher
	floating dispatcher
	chained  dispatcher
}

var styleDispatchers = map[hal.Style]dispatchers{
	hal.StyleDirect: {normal: dispatchInterrupt, floating: dispatchFloating, chained: dispatchChained},
	hal.StyleFlat:   {normal: dispatchInterrupt2nd, floating: dispatchInterrupt2nd, chained: dispatchChained2nd},
}

// DispatchCode is an object's entry point. A vector table entry points at
// the code itself (direct style) or at its second-level entry (flat style);
// either way entering it leads back to the object, and the dispatcher it
// runs can be switched in place while it stays installed.
type DispatchCode struct {
	object      *Object
	dispatcher  atomic.Uint32
	secondLevel SecondLevelEntry
}

// SecondLevelEntry is the part of an object's dispatch code a flat vector
// slot points at.
type SecondLevelEntry struct {
	code *DispatchCode
}

// Object returns the interrupt object the code belongs to.
func (c *DispatchCode) Object() *Object {
	return c.object
}

// SecondLevel returns the entry used by flat vectors.
func (c *DispatchCode) SecondLevel() *SecondLevelEntry {
	return &c.secondLevel
}

func (c *DispatchCode) load() dispatcher {
	return dispatcher(c.dispatcher.Load())
}

func (c *DispatchCode) set(d dispatcher) {
	c.dispatcher.Store(uint32(d))
}

// Enter implements hal.Target.
func (c *DispatchCode) Enter(f *hal.TrapFrame) {
	c.object.kernel.enter(c.object, c.load(), f)
}

// Enter implements hal.Target.
func (e *SecondLevelEntry) Enter(f *hal.TrapFrame) {
	e.code.Enter(f)
}

// Initialize prepares obj for Connect. Nothing is validated here; Connect
// rejects unusable settings.
func (k *Kernel) Initialize(obj *Object, p Params) {
	obj.kernel = k
	obj.serviceRoutine = p.ServiceRoutine
	obj.serviceContext = p.ServiceContext

	obj.actualLock = p.SpinLock
	if obj.actualLock == nil {
		obj.actualLock = &obj.spinLock
	}

	obj.vector = p.Vector
	obj.irql = p.Irql
	obj.synchronizeIrql = p.SynchronizeIrql
	obj.mode = p.Mode
	obj.shareVector = p.ShareVector
	obj.number = p.ProcessorNumber
	obj.floatingSave = p.FloatingSave

	obj.dispatch.object = obj
	obj.dispatch.secondLevel.code = &obj.dispatch
	obj.dispatch.set(dispatchNone)
	obj.link = noLink

	obj.connected.Store(false)
	obj.tickCount.Store(neverDispatched)
	obj.dispatchCount.Store(neverDispatched)

	k.platform.SweepInstructionCache()
}
