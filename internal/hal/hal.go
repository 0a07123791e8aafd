// Package hal is the platform vector layer: it owns the vector table the
// processor dispatches hardware interrupts through, the default handlers for
// vectors nobody claimed, and the interrupt controller lines behind them.
package hal

import (
	"fmt"

	"github.com/tinyrange/kintr/internal/processor"
)

const (
	// NumVectors is the size of the vector table.
	NumVectors = 256

	// PrimaryVectorBase is the first vector available to device
	// interrupts. Lower vectors belong to processor exceptions.
	PrimaryVectorBase = 0x30
)

// Style is how a vector's current dispatch target is addressed.
type Style uint32

const (
	// StyleDirect vectors have one table entry per vector that points at
	// the handler's primary entry.
	StyleDirect Style = 0

	// StyleFlat vectors go through an indirection slot that points at the
	// handler's second-level entry.
	StyleFlat Style = 1
)

func (s Style) String() string {
	switch s {
	case StyleDirect:
		return "direct"
	case StyleFlat:
		return "flat"
	}
	return fmt.Sprintf("style(%d)", uint32(s))
}

// Mode is the trigger mode of an interrupt line.
type Mode uint8

const (
	LevelSensitive Mode = 0
	Latched        Mode = 1
)

func (m Mode) String() string {
	switch m {
	case LevelSensitive:
		return "level"
	case Latched:
		return "latched"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Target is something a vector table entry can point at. Targets are
// compared by identity, so implementations should be pointers.
type Target interface {
	Enter(f *TrapFrame)
}

// VectorDispatch describes how a vector is currently dispatched.
type VectorDispatch struct {
	Style Style

	// Current is the installed target.
	Current Target

	// Default is the target the vector has when nothing is connected.
	Default Target
}

// TrapFrame describes one interrupt being delivered to a processor.
type TrapFrame struct {
	Vector uint32
	Prcb   *processor.Prcb

	// Level is set when the interrupt came from a level-triggered line and
	// will be acknowledged with an EOI once the target returns.
	Level bool

	ctrl  *Controller
	depth int
}

// Depth returns how many interrupts are nested below this one on the
// processor.
func (f *TrapFrame) Depth() int {
	return f.depth
}

// Interrupt delivers vector to the same processor while this interrupt is
// still being serviced, as a higher priority source preempting it would.
func (f *TrapFrame) Interrupt(vector uint32) {
	f.ctrl.deliver(f.Prcb, vector, false, f.depth+1)
}
