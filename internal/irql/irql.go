// Package irql defines the interrupt request levels used to order execution
// on a processor. A processor running at a given level can only be preempted
// by work at a strictly higher level.
package irql

import "fmt"

// Level is an interrupt request level.
type Level uint8

const (
	Passive  Level = 0
	APC      Level = 1
	Dispatch Level = 2

	// Device interrupts occupy the levels between Dispatch and Profile.
	DeviceLow  Level = 3
	DeviceHigh Level = 26

	Profile Level = 27
	Clock   Level = 28
	IPI     Level = 29
	Power   Level = 30
	High    Level = 31

	// Synch is the level the dispatcher database and shared interrupt
	// chains are synchronized at on a multiprocessor system.
	Synch = IPI - 2
)

// Valid reports whether l is a level a processor can run at.
func (l Level) Valid() bool {
	return l <= High
}

func (l Level) String() string {
	switch l {
	case Passive:
		return "PASSIVE_LEVEL"
	case APC:
		return "APC_LEVEL"
	case Dispatch:
		return "DISPATCH_LEVEL"
	case Profile:
		return "PROFILE_LEVEL"
	case Clock:
		return "CLOCK_LEVEL"
	case IPI:
		return "IPI_LEVEL"
	case Power:
		return "POWER_LEVEL"
	case High:
		return "HIGH_LEVEL"
	}
	if l >= DeviceLow && l <= DeviceHigh {
		return fmt.Sprintf("DIRQL(%d)", uint8(l))
	}
	return fmt.Sprintf("IRQL(%d)", uint8(l))
}
