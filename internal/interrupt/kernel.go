// Package interrupt binds interrupt service routines to hardware vectors.
//
// An Object describes one service routine and the vector, IRQL, trigger
// mode and processor it wants. Connect installs it on its vector, either
// alone or appended to a chain of objects sharing the vector, and enables
// the line. Disconnect reverses that. When the vector fires the object's
// dispatch code runs the routine, or walks the chain, at the right IRQL
// under the right lock, optionally timing each routine against a calibrated
// cycle budget.
package interrupt

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/kintr/internal/hal"
	"github.com/tinyrange/kintr/internal/irql"
	"github.com/tinyrange/kintr/internal/processor"
	"github.com/tinyrange/kintr/internal/timeslice"
)

// Platform is the vector layer interrupt objects are installed into.
type Platform interface {
	QueryVectorDispatch(vector uint32) hal.VectorDispatch
	EnableLine(processor int, vector uint32, level irql.Level, mode hal.Mode) bool
	DisableLine(vector uint32, level irql.Level)
	InstallTarget(vector uint32, style hal.Style, target hal.Target)
	SweepInstructionCache()
}

// Debugger is the kernel debugger as seen by the ISR timing check.
type Debugger interface {
	Enabled() bool
	Print(format string, args ...any)
	Break()
}

// CycleCounter reads the processor's free-running cycle counter.
type CycleCounter interface {
	Cycles() uint64
}

// CycleCounterFunc adapts a function to CycleCounter.
type CycleCounterFunc func() uint64

func (f CycleCounterFunc) Cycles() uint64 { return f() }

// TraceSink receives one record per timed service routine call.
type TraceSink interface {
	Record(rec timeslice.Record)
}

// tickInterval is the length of one clock tick for storm accounting.
const tickInterval = 15625 * time.Microsecond

// Options configures a Kernel.
type Options struct {
	Platform  Platform
	Scheduler *processor.Scheduler

	// Debugger is optional. Without one ISR time limit violations are only
	// counted.
	Debugger Debugger

	// CycleCounter and a non-zero IsrTimeLimitMicroseconds enable ISR
	// timing.
	CycleCounter             CycleCounter
	IsrTimeLimitMicroseconds uint64

	Metrics *Metrics
	Trace   TraceSink

	// Ticks returns the current clock tick. It defaults to ticks of
	// 15.625ms since the kernel was created.
	Ticks func() uint32

	Logger *slog.Logger
}

// Kernel owns the interrupt objects connected to one platform.
type Kernel struct {
	platform Platform
	sched    *processor.Scheduler
	procs    *processor.Set
	dbg      Debugger
	cycles   CycleCounter
	metrics  *Metrics
	trace    TraceSink
	ticks    func() uint32
	log      *slog.Logger

	// limitMicroseconds is the configured ISR budget; timed is set when it
	// can be enforced.
	limitMicroseconds uint64
	timed             bool
	isrLimit          atomic.Uint64

	calMu       sync.Mutex
	calibration *calibration

	chains chainArena

	unknownLog *rate.Limiter
	overLog    *rate.Limiter
}

// New creates a kernel.
func New(opts Options) (*Kernel, error) {
	if opts.Platform == nil {
		return nil, errors.New("interrupt: no platform")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("interrupt: no scheduler")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ticks := opts.Ticks
	if ticks == nil {
		start := time.Now()
		ticks = func() uint32 {
			return uint32(time.Since(start) / tickInterval)
		}
	}

	k := &Kernel{
		platform:          opts.Platform,
		sched:             opts.Scheduler,
		procs:             opts.Scheduler.Processors(),
		dbg:               opts.Debugger,
		cycles:            opts.CycleCounter,
		metrics:           opts.Metrics,
		trace:             opts.Trace,
		ticks:             ticks,
		log:               log,
		limitMicroseconds: opts.IsrTimeLimitMicroseconds,
		timed:             opts.IsrTimeLimitMicroseconds != 0 && opts.CycleCounter != nil,
		unknownLog:        rate.NewLimiter(rate.Every(time.Second), 5),
		overLog:           rate.NewLimiter(rate.Every(time.Second), 5),
	}
	k.isrLimit.Store(ThresholdDisabled)
	return k, nil
}

// Timed reports whether service routines are being timed.
func (k *Kernel) Timed() bool {
	return k.timed
}

// IsrTimeLimit returns the current ISR budget in cycles, or one of the
// threshold sentinels.
func (k *Kernel) IsrTimeLimit() uint64 {
	return k.isrLimit.Load()
}
