package interrupt

import (
	"math/bits"
	"sync"
	"time"

	"github.com/tinyrange/kintr/internal/hal"
	"github.com/tinyrange/kintr/internal/ktimer"
	"github.com/tinyrange/kintr/internal/timeslice"
)

const (
	// ThresholdDisabled is the ISR budget before calibration starts. No
	// routine can exceed it.
	ThresholdDisabled = ^uint64(0)

	// ThresholdCalibrating is the ISR budget while calibration is sampling.
	ThresholdCalibrating = ^uint64(0) - 1

	// CalibrationWindow is both the delay before the first calibration
	// sample and the interval to the second.
	CalibrationWindow = 10 * time.Second

	// windowHundredNanoseconds is CalibrationWindow in 100ns units, the
	// divisor turning cycles per window times microseconds into cycles.
	windowHundredNanoseconds = 10_000_000
)

// account charges one timed routine call to the processor and checks it
// against the ISR budget. Time spent in interrupts that nested inside the
// call is already on the processor's ISR time and is subtracted.
func (k *Kernel) account(obj *Object, f *hal.TrapFrame, kind timeslice.KindID, claimed bool, start, startIsr uint64) {
	end := k.cycles.Cycles()
	prcb := f.Prcb

	var elapsed uint64
	if end > start {
		elapsed = end - start
	}
	if nested := prcb.IsrTime() - startIsr; nested < elapsed {
		elapsed -= nested
	} else {
		elapsed = 0
	}

	var flags timeslice.Flags
	if claimed {
		flags |= timeslice.FlagClaimed
	}
	if f.Depth() > 0 {
		flags |= timeslice.FlagNested
	}

	if elapsed > k.isrLimit.Load() {
		flags |= timeslice.FlagOverLimit
		k.metrics.overLimit(obj.vector)
		if k.dbg != nil && k.dbg.Enabled() {
			k.dbg.Print("KE: ISR time limit exceeded (vector %#x, processor %d, %d cycles)\n",
				obj.vector, prcb.Number, elapsed)
			k.dbg.Break()
		} else if k.overLog.Allow() {
			k.log.Debug("ISR time limit exceeded", "vector", obj.vector, "processor", prcb.Number, "cycles", elapsed)
		}
	}

	prcb.AddIsrTime(elapsed)
	k.metrics.observeCycles(elapsed)

	if k.trace != nil {
		k.trace.Record(timeslice.Record{
			Kind:      kind,
			Vector:    obj.vector,
			Processor: uint32(prcb.Number),
			Flags:     flags,
			Cycles:    elapsed,
		})
	}
}

// CyclesForMicroseconds converts a budget of us microseconds into cycles
// given the cycles counted over one CalibrationWindow. Results too large
// to represent saturate just below the sentinels.
func CyclesForMicroseconds(windowCycles, us uint64) uint64 {
	hi, lo := bits.Mul64(windowCycles, us)
	if hi >= windowHundredNanoseconds {
		return ThresholdCalibrating - 1
	}
	q, _ := bits.Div64(hi, lo, windowHundredNanoseconds)
	if q >= ThresholdCalibrating {
		return ThresholdCalibrating - 1
	}
	return q
}

type calibrationState int

const (
	calibrationNotStarted calibrationState = iota
	calibrationSamplingStart
	calibrationDone
)

// calibration measures the cycle counter over one window and publishes the
// ISR budget. It lives from StartIsrTimingCalibration until its second
// firing.
type calibration struct {
	k     *Kernel
	mu    sync.Mutex
	state calibrationState
	start uint64
	timer ktimer.Timer
}

// StartIsrTimingCalibration schedules the one-time measurement that turns
// the configured microsecond budget into cycles. It returns false when ISR
// timing is off or calibration was already started.
func (k *Kernel) StartIsrTimingCalibration(timers ktimer.Service) bool {
	if !k.timed {
		return false
	}

	k.calMu.Lock()
	if k.calibration != nil || k.isrLimit.Load() != ThresholdDisabled {
		k.calMu.Unlock()
		return false
	}
	c := &calibration{k: k}
	k.calibration = c
	k.calMu.Unlock()

	c.mu.Lock()
	c.timer = timers.SetTimer(CalibrationWindow, CalibrationWindow, c.fire)
	c.mu.Unlock()

	k.log.Debug("ISR time limit calibration started", "limit_us", k.limitMicroseconds)
	return true
}

// Calibrating reports whether calibration is in progress.
func (k *Kernel) Calibrating() bool {
	k.calMu.Lock()
	defer k.calMu.Unlock()
	return k.calibration != nil
}

func (c *calibration) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.k
	switch c.state {
	case calibrationNotStarted:
		c.start = k.cycles.Cycles()
		k.isrLimit.Store(ThresholdCalibrating)
		c.state = calibrationSamplingStart

	case calibrationSamplingStart:
		delta := k.cycles.Cycles() - c.start
		limit := CyclesForMicroseconds(delta, k.limitMicroseconds)
		k.isrLimit.Store(limit)
		c.timer.Cancel()
		c.state = calibrationDone

		k.calMu.Lock()
		k.calibration = nil
		k.calMu.Unlock()

		k.log.Info("ISR time limit calibrated",
			"limit_us", k.limitMicroseconds,
			"window_cycles", delta,
			"limit_cycles", limit)
	}
}
