package main

import (
	"sync/atomic"
	"time"

	"github.com/tinyrange/kintr/internal/config"
	"github.com/tinyrange/kintr/internal/hal"
	"github.com/tinyrange/kintr/internal/interrupt"
)

// cyclesPerNanosecond is the frequency of the simulated cycle counter.
const cyclesPerNanosecond = 3

// simCounter is the platform cycle counter: simulated time at a fixed
// frequency plus whatever service routines burnt.
type simCounter struct {
	clock func() time.Duration
	burnt atomic.Uint64
}

func (c *simCounter) Cycles() uint64 {
	return uint64(c.clock().Nanoseconds())*cyclesPerNanosecond + c.burnt.Load()
}

func (c *simCounter) burn(cycles uint64) {
	if c != nil && cycles != 0 {
		c.burnt.Add(cycles)
	}
}

// pinLine is the wired-OR of the level-sensitive devices on one IO-APIC pin.
// All raising and clearing on a pin happens on the goroutine firing it.
type pinLine struct {
	line     hal.Line
	asserted int
}

func (p *pinLine) assert() {
	p.asserted++
	if p.asserted == 1 {
		p.line.SetLevel(true)
	}
}

func (p *pinLine) deassert() {
	p.asserted--
	if p.asserted == 0 {
		p.line.SetLevel(false)
	}
}

// device is a simulated device with an interrupt object connected for it.
type device struct {
	cfg     config.Device
	obj     *interrupt.Object
	pin     *pinLine
	counter *simCounter

	connected bool
	pending   atomic.Int64
	armed     atomic.Bool

	raised  atomic.Uint64
	calls   atomic.Uint64
	claimed atomic.Uint64
}

func (d *device) mode() hal.Mode {
	if d.cfg.Mode == config.ModeLevel {
		return hal.LevelSensitive
	}
	return hal.Latched
}

// raise signals one device event on the line.
func (d *device) raise() {
	if d.cfg.Claim == config.ClaimNever {
		return
	}
	d.raised.Add(1)

	switch d.cfg.Claim {
	case config.ClaimOnce:
		if d.armed.Swap(true) && d.mode() == hal.LevelSensitive {
			return
		}
	default:
		if d.pending.Add(1) > 1 && d.mode() == hal.LevelSensitive {
			return
		}
	}

	if d.mode() == hal.LevelSensitive {
		d.pin.assert()
	} else {
		d.pin.line.Pulse()
	}
}

// service is the device's interrupt service routine.
func service(_ *interrupt.Object, ctx any) bool {
	d := ctx.(*device)
	d.calls.Add(1)
	d.counter.burn(d.cfg.BusyCycles)

	claimed := false
	switch d.cfg.Claim {
	case config.ClaimAlways:
		if d.pending.Load() > 0 {
			claimed = true
			if d.pending.Add(-1) == 0 && d.mode() == hal.LevelSensitive {
				d.pin.deassert()
			}
		}
	case config.ClaimOnce:
		if d.armed.Swap(false) {
			claimed = true
			if d.mode() == hal.LevelSensitive {
				d.pin.deassert()
			}
		}
	}

	if claimed {
		d.claimed.Add(1)
	}
	return claimed
}
