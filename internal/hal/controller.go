package hal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/kintr/internal/bugcheck"
	"github.com/tinyrange/kintr/internal/irql"
	"github.com/tinyrange/kintr/internal/processor"
)

var (
	ErrNoProcessor = errors.New("hal: no such processor")
	ErrBadVector   = errors.New("hal: vector out of range")
)

// maxRedeliveries bounds how many times a level-triggered interrupt is
// redelivered after EOI before the controller gives up on it.
const maxRedeliveries = 1024

// Options configures a Controller.
type Options struct {
	Processors *processor.Set

	// IOAPICPins is the number of interrupt controller inputs. Pin n is
	// wired to vector PrimaryVectorBase+n.
	IOAPICPins int

	// FlatVectors are dispatched through an indirection slot. Every other
	// vector is direct.
	FlatVectors []uint32

	// UnexpectedLogLimit bounds how often unexpected interrupts are logged.
	// Zero means ten per second.
	UnexpectedLogLimit rate.Limit

	Logger *slog.Logger
}

// Controller is the platform's interrupt hardware: the vector table, the
// unexpected-interrupt stubs that fill it by default, and an IO-APIC.
type Controller struct {
	procs  *processor.Set
	ioapic *IOAPIC
	lines  *LineSet

	slots      [NumVectors]vectorSlot
	unexpected [NumVectors]*Unexpected

	// current is the innermost interrupt being serviced on each processor.
	current [processor.MaximumProcessors]atomic.Pointer[TrapFrame]

	sweeps atomic.Uint64
	storms atomic.Uint64

	limiter *rate.Limiter
	log     *slog.Logger
}

type vectorSlot struct {
	style  Style
	target atomic.Pointer[targetRef]
}

type targetRef struct {
	t Target
}

// NewController builds a controller with every device vector pointing at
// its unexpected-interrupt stub.
func NewController(opts Options) (*Controller, error) {
	if opts.Processors == nil {
		return nil, fmt.Errorf("hal: no processors")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	limit := opts.UnexpectedLogLimit
	if limit == 0 {
		limit = rate.Every(100 * time.Millisecond)
	}

	c := &Controller{
		procs:   opts.Processors,
		ioapic:  NewIOAPIC(opts.IOAPICPins),
		limiter: rate.NewLimiter(limit, 10),
		log:     log,
	}
	c.lines = newLineSet(c)

	for _, v := range opts.FlatVectors {
		if v < PrimaryVectorBase || v >= NumVectors {
			return nil, fmt.Errorf("hal: flat vector %#x: %w", v, ErrBadVector)
		}
		c.slots[v].style = StyleFlat
	}
	for v := PrimaryVectorBase; v < NumVectors; v++ {
		stub := &Unexpected{vector: uint32(v), ctrl: c}
		c.unexpected[v] = stub
		c.slots[v].target.Store(&targetRef{t: stub})
	}
	return c, nil
}

// IOAPIC returns the interrupt controller behind the device vectors.
func (c *Controller) IOAPIC() *IOAPIC {
	return c.ioapic
}

// Lines returns the device lines feeding the IO-APIC.
func (c *Controller) Lines() *LineSet {
	return c.lines
}

// Processors returns the processors interrupts are delivered to.
func (c *Controller) Processors() *processor.Set {
	return c.procs
}

// QueryVectorDispatch reports how vector is dispatched right now.
func (c *Controller) QueryVectorDispatch(vector uint32) VectorDispatch {
	if vector >= NumVectors {
		return VectorDispatch{}
	}
	slot := &c.slots[vector]
	d := VectorDispatch{Style: slot.style}
	if ref := slot.target.Load(); ref != nil {
		d.Current = ref.t
	}
	if stub := c.unexpected[vector]; stub != nil {
		d.Default = stub
	}
	return d
}

// InstallTarget points vector at target, or back at its default when
// target is nil. Installing with the wrong style is fatal.
func (c *Controller) InstallTarget(vector uint32, style Style, target Target) {
	if vector >= NumVectors {
		bugcheck.Raise(bugcheck.MismatchedHal, 1, uint64(vector))
	}
	slot := &c.slots[vector]
	if slot.style != style {
		bugcheck.Raise(bugcheck.MismatchedHal, 2, uint64(vector), uint64(style), uint64(slot.style))
	}
	if target == nil {
		if stub := c.unexpected[vector]; stub != nil {
			target = stub
		}
	}
	if target == nil {
		slot.target.Store(nil)
		return
	}
	slot.target.Store(&targetRef{t: target})
}

// SweepInstructionCache makes newly written dispatch code visible to every
// processor.
func (c *Controller) SweepInstructionCache() {
	c.sweeps.Add(1)
}

// Sweeps returns how many instruction cache sweeps were requested.
func (c *Controller) Sweeps() uint64 {
	return c.sweeps.Load()
}

// Storms returns how many level-triggered interrupts were abandoned because
// nobody cleared their line.
func (c *Controller) Storms() uint64 {
	return c.storms.Load()
}

// EnableLine routes vector's IO-APIC pin to processor with the given trigger
// mode and unmasks it. It fails when the vector has no pin or the processor
// does not exist.
func (c *Controller) EnableLine(processor int, vector uint32, level irql.Level, mode Mode) bool {
	pin := int(vector) - PrimaryVectorBase
	if pin < 0 || pin >= c.ioapic.Pins() {
		c.log.Debug("enable line: no pin", "vector", vector)
		return false
	}
	if c.procs.Prcb(processor) == nil {
		c.log.Debug("enable line: no processor", "vector", vector, "processor", processor)
		return false
	}
	if level < irql.DeviceLow || !level.Valid() {
		c.log.Debug("enable line: bad level", "vector", vector, "irql", level)
		return false
	}
	if !c.ioapic.Program(pin, uint8(vector), uint8(processor), mode == LevelSensitive) {
		return false
	}
	c.log.Debug("enable line", "vector", vector, "pin", pin, "processor", processor, "irql", level, "mode", mode)

	// The caller may own the destination processor right now, so anything
	// already pending arrives once it lets go.
	if pending := c.ioapic.Unmask(pin); len(pending) > 0 {
		go c.route(pending)
	}
	return true
}

// DisableLine masks vector's IO-APIC pin.
func (c *Controller) DisableLine(vector uint32, level irql.Level) {
	pin := int(vector) - PrimaryVectorBase
	if pin < 0 || pin >= c.ioapic.Pins() {
		return
	}
	c.ioapic.Mask(pin)
	c.log.Debug("disable line", "vector", vector, "pin", pin, "irql", level)
}

// Interrupt delivers vector to processor as a latched interrupt. It must
// not be called while the caller owns that processor; nested interrupts go
// through TrapFrame.Interrupt.
func (c *Controller) Interrupt(processor int, vector uint32) error {
	if vector >= NumVectors {
		return fmt.Errorf("hal: interrupt %#x: %w", vector, ErrBadVector)
	}
	prcb := c.procs.Prcb(processor)
	if prcb == nil {
		return fmt.Errorf("hal: interrupt on %d: %w", processor, ErrNoProcessor)
	}
	prcb.Enter()
	defer prcb.Exit()
	c.deliver(prcb, vector, false, 0)
	return nil
}

func (c *Controller) setIRQ(pin int, high bool) {
	c.route(c.ioapic.SetIRQ(pin, high))
}

func (c *Controller) route(pending []delivery) {
	for rounds := 0; len(pending) > 0; rounds++ {
		if rounds == maxRedeliveries {
			c.storms.Add(1)
			c.log.Warn("interrupt storm, dropping redelivery", "vector", pending[0].vector)
			return
		}
		d := pending[0]
		pending = pending[1:]

		prcb := c.procs.Prcb(int(d.dest))
		if prcb == nil {
			c.log.Warn("interrupt routed to missing processor", "vector", d.vector, "processor", d.dest)
			continue
		}
		prcb.Enter()
		c.deliver(prcb, uint32(d.vector), d.level, 0)
		prcb.Exit()

		if d.level {
			pending = append(pending, c.ioapic.HandleEOI(d.vector)...)
		}
	}
}

func (c *Controller) deliver(prcb *processor.Prcb, vector uint32, level bool, depth int) {
	prcb.CountInterrupt()
	var target Target
	if vector < NumVectors {
		if ref := c.slots[vector].target.Load(); ref != nil {
			target = ref.t
		}
	}
	if target == nil {
		if c.limiter.Allow() {
			c.log.Warn("interrupt on vector with no handler", "vector", vector, "processor", prcb.Number)
		}
		return
	}
	frame := &TrapFrame{
		Vector: vector,
		Prcb:   prcb,
		Level:  level,
		ctrl:   c,
		depth:  depth,
	}
	current := &c.current[prcb.Number]
	outer := current.Swap(frame)
	target.Enter(frame)
	current.Store(outer)
}

// CurrentFrame returns the innermost interrupt being serviced on processor,
// or nil. A service routine uses it to reach its own trap frame.
func (c *Controller) CurrentFrame(processor int) *TrapFrame {
	if processor < 0 || processor >= len(c.current) {
		return nil
	}
	return c.current[processor].Load()
}

// Unexpected is the default target of a device vector. It counts and
// reports interrupts nobody connected to.
type Unexpected struct {
	vector uint32
	count  atomic.Uint64
	ctrl   *Controller
}

// Enter implements Target.
func (u *Unexpected) Enter(f *TrapFrame) {
	n := u.count.Add(1)
	if u.ctrl.limiter.Allow() {
		u.ctrl.log.Warn("unexpected interrupt", "vector", u.vector, "processor", f.Prcb.Number, "count", n)
	}
}

// Vector returns the vector this stub is the default for.
func (u *Unexpected) Vector() uint32 {
	return u.vector
}

// Count returns how many interrupts the stub absorbed.
func (u *Unexpected) Count() uint64 {
	return u.count.Load()
}

// Unexpected returns the count of unexpected interrupts on vector.
func (c *Controller) Unexpected(vector uint32) uint64 {
	if vector >= NumVectors || c.unexpected[vector] == nil {
		return 0
	}
	return c.unexpected[vector].Count()
}
