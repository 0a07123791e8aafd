package interrupt

import (
	"github.com/tinyrange/kintr/internal/hal"
	"github.com/tinyrange/kintr/internal/timeslice"
)

// enter is the common body of every object's dispatch code. The processor
// is raised to the object's IRQL for the duration; an interrupt arriving
// while the processor is already at or above that level is masked.
func (k *Kernel) enter(obj *Object, d dispatcher, f *hal.TrapFrame) {
	prcb := f.Prcb
	if prcb.Irql() >= obj.irql {
		k.metrics.masked(obj.vector)
		return
	}
	old := prcb.RaiseIrql(obj.irql)

	switch d {
	case dispatchInterrupt, dispatchFloating, dispatchInterrupt2nd:
		k.metrics.dispatched(obj.vector, shapeSingle)
		k.dispatchSingle(obj, f)
	case dispatchChained, dispatchChained2nd:
		k.metrics.dispatched(obj.vector, shapeChained)
		k.dispatchChained(obj, f)
	default:
		k.metrics.dispatched(obj.vector, shapeStray)
		if k.unknownLog.Allow() {
			k.log.Warn("interrupt entered disconnected dispatch code",
				"vector", f.Vector,
				"processor", prcb.Number)
		}
	}

	prcb.LowerIrql(old)
}

func (k *Kernel) dispatchSingle(obj *Object, f *hal.TrapFrame) {
	obj.countDispatch(k.ticks())
	k.service(obj, f, timeslice.KindSingle)
}

// dispatchChained runs the chain headed by head in order. A claim by a
// level-sensitive member ends the dispatch since its line is now
// deasserted. Otherwise the whole chain is run again after any pass in
// which some member claimed, because edge-triggered events may have
// coalesced, until a pass goes unclaimed. Later passes run the chain
// bound to the vector at that point, which has a new head if head was
// disconnected meanwhile.
func (k *Kernel) dispatchChained(head *Object, f *hal.TrapFrame) {
	head.countDispatch(k.ticks())

	var buf [8]*Object
	members := k.chains.members(head, buf[:0])
	for {
		handled := false
		for _, m := range members {
			if k.service(m, f, timeslice.KindChained) {
				handled = true
			}
			if handled && m.mode == hal.LevelSensitive {
				return
			}
		}
		if !handled {
			return
		}
		k.metrics.chainPass(head.vector)
		members = k.boundChain(head.vector, buf[:0])
	}
}

// boundChain appends the members of the chain vector is bound to. An
// object keeps its link until after it is unbound, so a head found bound
// but already released has been replaced and the lookup is repeated.
func (k *Kernel) boundChain(vector uint32, buf []*Object) []*Object {
	for {
		head := k.boundHead(vector)
		if head == nil {
			return buf
		}
		if members := k.chains.members(head, buf); len(members) > len(buf) {
			return members
		}
	}
}

// service calls obj's routine at its synchronize IRQL under its lock,
// timing the call when ISR timing is on.
func (k *Kernel) service(obj *Object, f *hal.TrapFrame, kind timeslice.KindID) bool {
	prcb := f.Prcb
	old := prcb.Irql()
	raised := obj.synchronizeIrql > old
	if raised {
		prcb.RaiseIrql(obj.synchronizeIrql)
	}

	var start, startIsr uint64
	if k.timed {
		startIsr = prcb.IsrTime()
		start = k.cycles.Cycles()
	}

	claimed := false
	obj.actualLock.Acquire()
	if obj.connected.Load() && obj.serviceRoutine != nil {
		claimed = obj.serviceRoutine(obj, obj.serviceContext)
	}
	obj.actualLock.Release()

	if k.timed {
		k.account(obj, f, kind, claimed, start, startIsr)
	}

	if raised {
		prcb.LowerIrql(old)
	}
	k.metrics.serviced(obj.vector, claimed)
	return claimed
}
