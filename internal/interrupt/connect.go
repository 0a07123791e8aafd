package interrupt

import (
	"github.com/tinyrange/kintr/internal/hal"
	"github.com/tinyrange/kintr/internal/irql"
	"github.com/tinyrange/kintr/internal/processor"
)

// Connect failure reasons.
const (
	reasonInvalid      = "invalid"
	reasonConnected    = "already_connected"
	reasonUnknown      = "unknown_binding"
	reasonIncompatible = "incompatible"
	reasonEnable       = "enable_failed"
)

// Connect installs obj on its vector. The first object on a vector is
// dispatched directly and its line is enabled; later objects are appended
// to a chain when every member allows sharing and the trigger modes match.
// Connect returns false, changing nothing, when obj is unusable, already
// connected, or cannot share the vector.
func (k *Kernel) Connect(obj *Object) bool {
	if !k.connectable(obj) {
		k.metrics.connectFailed(reasonInvalid)
		return false
	}
	return k.connect(obj)
}

func (k *Kernel) connectable(obj *Object) bool {
	return obj.irql <= irql.High &&
		obj.number >= 0 && obj.number < k.procs.Count() &&
		obj.synchronizeIrql >= obj.irql &&
		!obj.floatingSave &&
		obj.vector >= hal.PrimaryVectorBase && obj.vector < hal.NumVectors
}

// connect binds obj while pinned to its processor under the dispatcher
// lock. A binding whose line cannot be enabled is undone before the lock
// is dropped.
func (k *Kernel) connect(obj *Object) bool {
	pin := k.sched.SetSystemAffinity(obj.number)
	defer pin.Revert()
	prcb := pin.Prcb()
	old := k.sched.LockDispatcherDatabase(prcb)
	defer k.sched.UnlockDispatcherDatabase(prcb, old)

	if obj.connected.Load() {
		k.metrics.connectFailed(reasonConnected)
		return false
	}

	b := k.Resolve(obj.vector)
	switch {
	case b.Type == Unbound:
		k.chains.alloc(obj)
		obj.connected.Store(true)
		k.bind(obj, b, Single)
		if !k.platform.EnableLine(obj.number, obj.vector, obj.irql, obj.mode) {
			k.log.Debug("interrupt line enable failed, disconnecting",
				"vector", obj.vector,
				"processor", obj.number,
				"irql", obj.irql)
			k.disconnect(prcb, obj)
			k.metrics.connectFailed(reasonEnable)
			return false
		}

	case b.Type == Unknown:
		k.metrics.connectFailed(reasonUnknown)
		return false

	case !canShare(b.Interrupt, obj):
		k.metrics.connectFailed(reasonIncompatible)
		return false

	default:
		head := b.Interrupt
		k.chains.alloc(obj)
		obj.dispatch.set(styleDispatchers[b.Style].normal)
		obj.connected.Store(true)
		if b.Type == Single {
			k.bind(head, b, Chained)
		}
		k.chains.insertTail(head, obj)
	}

	k.platform.SweepInstructionCache()
	k.metrics.connectedDelta(1)
	return true
}

func canShare(existing, obj *Object) bool {
	return existing != nil &&
		existing.shareVector && obj.shareVector &&
		existing.mode == obj.mode
}

// bind points b's vector at obj's dispatch code running the dispatcher for
// typ, or back at the vector's default when typ is Unbound.
func (k *Kernel) bind(obj *Object, b VectorBinding, typ ConnectType) {
	if typ == Unbound {
		k.platform.InstallTarget(b.Vector, b.Style, b.unbound)
		return
	}

	sentinels := styleDispatchers[b.Style]
	d := sentinels.chained
	if typ == Single {
		d = sentinels.normal
		if obj.floatingSave {
			d = sentinels.floating
		}
	}
	obj.dispatch.set(d)

	var target hal.Target = &obj.dispatch
	if b.Style == hal.StyleFlat {
		target = &obj.dispatch.secondLevel
	}
	k.platform.InstallTarget(b.Vector, b.Style, target)
}

// Disconnect removes obj from its vector. It returns false if obj was not
// connected. Removing the head of a chain promotes the next member; a chain
// left with one member goes back to direct dispatch; removing the last
// object disables the line.
func (k *Kernel) Disconnect(obj *Object) bool {
	if obj.number < 0 || obj.number >= k.procs.Count() {
		return false
	}

	pin := k.sched.SetSystemAffinity(obj.number)
	defer pin.Revert()
	prcb := pin.Prcb()
	old := k.sched.LockDispatcherDatabase(prcb)
	defer k.sched.UnlockDispatcherDatabase(prcb, old)

	if !obj.connected.Load() {
		return false
	}
	k.disconnect(prcb, obj)
	k.metrics.connectedDelta(-1)
	return true
}

// disconnect unbinds obj, which is connected, under the dispatcher lock.
func (k *Kernel) disconnect(prcb *processor.Prcb, obj *Object) {
	b := k.Resolve(obj.vector)
	switch {
	case b.Type == Chained:
		head := b.Interrupt
		next := k.chains.remove(obj)
		if obj == head {
			head = next
			if head != nil {
				k.bind(head, b, Chained)
			}
		}
		switch {
		case head == nil:
			k.platform.DisableLine(obj.vector, obj.irql)
			k.bind(nil, b, Unbound)
		case k.chains.len(head) == 1:
			k.bind(head, b, Single)
		}

	case b.Type == Single && b.Interrupt == obj:
		k.platform.DisableLine(obj.vector, obj.irql)
		k.bind(nil, b, Unbound)

	default:
		k.log.Warn("disconnecting interrupt from a vector not bound to it",
			"vector", obj.vector,
			"binding", b.Type,
			"processor", obj.number)
		k.chains.remove(obj)
	}

	k.chains.release(obj)
	obj.dispatch.set(dispatchNone)
	k.platform.SweepInstructionCache()

	// A routine already running elsewhere finishes before the flag drops,
	// and nothing that takes the lock afterwards calls it.
	level := max(obj.synchronizeIrql, prcb.Irql())
	lockOld := prcb.AcquireSpinLockRaise(obj.actualLock, level)
	obj.connected.Store(false)
	prcb.ReleaseSpinLock(obj.actualLock, lockOld)
}

// SynchronizeRoutine runs synchronized with an object's service routine.
type SynchronizeRoutine func(ctx any) bool

// SynchronizeExecution runs routine on obj's processor at obj's
// synchronize IRQL holding obj's lock, so it cannot overlap the service
// routine, and returns what routine returned.
func (k *Kernel) SynchronizeExecution(obj *Object, routine SynchronizeRoutine, ctx any) bool {
	if obj.number < 0 || obj.number >= k.procs.Count() {
		return false
	}
	pin := k.sched.SetSystemAffinity(obj.number)
	defer pin.Revert()
	return synchronize(pin.Prcb(), obj, routine, ctx)
}

func synchronize(prcb *processor.Prcb, obj *Object, routine SynchronizeRoutine, ctx any) bool {
	level := max(obj.synchronizeIrql, prcb.Irql())
	old := prcb.AcquireSpinLockRaise(obj.actualLock, level)
	defer prcb.ReleaseSpinLock(obj.actualLock, old)
	return routine(ctx)
}
