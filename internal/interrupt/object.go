package interrupt

import (
	"sync/atomic"

	"github.com/tinyrange/kintr/internal/hal"
	"github.com/tinyrange/kintr/internal/irql"
	"github.com/tinyrange/kintr/internal/spinlock"
)

// ServiceRoutine is an interrupt service routine. It returns true when it
// recognized and serviced the interrupt.
type ServiceRoutine func(obj *Object, ctx any) bool

// Params are the settings an Object is initialized with.
type Params struct {
	ServiceRoutine ServiceRoutine
	ServiceContext any

	// SpinLock serializes the service routine. When nil the object uses a
	// lock of its own.
	SpinLock *spinlock.Lock

	Vector          uint32
	Irql            irql.Level
	SynchronizeIrql irql.Level
	Mode            hal.Mode
	ShareVector     bool
	ProcessorNumber int

	// FloatingSave asks for floating point state to be saved around the
	// routine. Interrupt objects cannot be connected with it.
	FloatingSave bool
}

// storm counters start here so the first dispatch is seen as a new tick.
const neverDispatched = ^uint32(0)

// Object is an interrupt object. It is owned by the driver that
// initialized it and may be reused only after it is disconnected.
type Object struct {
	kernel *Kernel

	serviceRoutine ServiceRoutine
	serviceContext any

	spinLock   spinlock.Lock
	actualLock *spinlock.Lock

	vector          uint32
	irql            irql.Level
	synchronizeIrql irql.Level
	mode            hal.Mode
	shareVector     bool
	number          int
	floatingSave    bool

	dispatch DispatchCode

	// link is the object's chain slot while connected and -1 otherwise.
	// It is only changed under the dispatcher lock.
	link int32

	connected atomic.Bool

	tickCount     atomic.Uint32
	dispatchCount atomic.Uint32
}

func (o *Object) Vector() uint32              { return o.vector }
func (o *Object) Irql() irql.Level            { return o.irql }
func (o *Object) SynchronizeIrql() irql.Level { return o.synchronizeIrql }
func (o *Object) Mode() hal.Mode              { return o.mode }
func (o *Object) ShareVector() bool           { return o.shareVector }
func (o *Object) ProcessorNumber() int        { return o.number }
func (o *Object) FloatingSave() bool          { return o.floatingSave }
func (o *Object) Lock() *spinlock.Lock        { return o.actualLock }
func (o *Object) ServiceContext() any         { return o.serviceContext }
func (o *Object) DispatchCode() *DispatchCode { return &o.dispatch }
func (o *Object) Connected() bool             { return o.connected.Load() }
func (o *Object) TickCount() uint32           { return o.tickCount.Load() }
func (o *Object) DispatchCount() uint32       { return o.dispatchCount.Load() }

// countDispatch updates the storm counters for a dispatch during tick.
func (o *Object) countDispatch(tick uint32) {
	if o.tickCount.Load() != tick {
		o.tickCount.Store(tick)
		o.dispatchCount.Store(0)
	}
	o.dispatchCount.Add(1)
}
