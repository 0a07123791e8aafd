package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/kintr/internal/config"
	"github.com/tinyrange/kintr/internal/debug"
	"github.com/tinyrange/kintr/internal/hal"
	"github.com/tinyrange/kintr/internal/interrupt"
	"github.com/tinyrange/kintr/internal/irql"
	"github.com/tinyrange/kintr/internal/ktimer"
	"github.com/tinyrange/kintr/internal/processor"
)

type simOptions struct {
	// FastCalibration runs calibration on a virtual clock instead of
	// waiting for the window to pass.
	FastCalibration bool

	// Fires is the number of events each device raises unless its
	// configuration says otherwise.
	Fires int

	// Trace receives ISR timing records when set.
	Trace interrupt.TraceSink

	// Progress shows a progress bar on Out while calibrating.
	Progress bool
	Out      io.Writer

	Logger *slog.Logger
}

// scaledTimers runs timers faster than their nominal due times so a short
// calibration window on the host stands for the kernel's full window.
type scaledTimers struct {
	timers ktimer.Service
	scale  float64
}

func (s scaledTimers) SetTimer(due, period time.Duration, fn func()) ktimer.Timer {
	return s.timers.SetTimer(s.shrink(due), s.shrink(period), fn)
}

func (s scaledTimers) shrink(d time.Duration) time.Duration {
	return time.Duration(float64(d) / s.scale)
}

type machine struct {
	cfg  *config.Config
	opts simOptions
	log  *slog.Logger

	procs    *processor.Set
	sched    *processor.Scheduler
	hal      *hal.Controller
	kernel   *interrupt.Kernel
	registry *prometheus.Registry
	dbg      *debug.Debugger
	counter  *simCounter

	timers ktimer.Service
	manual *ktimer.Manual

	devices []*device
	pins    map[uint32]*pinLine
}

func boot(cfg *config.Config, opts simOptions) (*machine, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &machine{
		cfg:  cfg,
		opts: opts,
		log:  log,
		pins: make(map[uint32]*pinLine),
	}

	procs, err := processor.NewSet(cfg.Processors)
	if err != nil {
		return nil, err
	}
	m.procs = procs
	m.sched = processor.NewScheduler(procs, processor.SchedulerOptions{
		HostAffinity: cfg.HostAffinity,
		Logger:       log,
	})

	m.hal, err = hal.NewController(hal.Options{
		Processors:  procs,
		IOAPICPins:  cfg.IOAPICPins,
		FlatVectors: cfg.FlatVectors,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	if opts.FastCalibration {
		m.manual = ktimer.NewManual()
		m.timers = m.manual
	} else {
		scale := float64(interrupt.CalibrationWindow) / float64(cfg.CalibrationWindow.Duration())
		m.timers = scaledTimers{timers: ktimer.System{}, scale: scale}
	}

	m.registry = prometheus.NewRegistry()
	metrics, err := interrupt.NewMetrics(m.registry)
	if err != nil {
		return nil, err
	}

	m.dbg = debug.New(debug.Options{
		Attached: cfg.DebuggerAttached,
		Source:   "intsim",
		OnBreak: func() {
			log.Warn("debugger break-in")
		},
		Logger: log,
	})

	kopts := interrupt.Options{
		Platform:                 m.hal,
		Scheduler:                m.sched,
		Debugger:                 m.dbg,
		IsrTimeLimitMicroseconds: cfg.IsrTimeLimitMicroseconds,
		Metrics:                  metrics,
		Trace:                    opts.Trace,
		Logger:                   log,
	}
	if cfg.HasCycleCounter() {
		m.counter = &simCounter{clock: m.clock()}
		kopts.CycleCounter = m.counter
	}
	m.kernel, err = interrupt.New(kopts)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// clock returns simulated time for the cycle counter.
func (m *machine) clock() func() time.Duration {
	if m.manual != nil {
		return m.manual.Now
	}
	scale := m.timers.(scaledTimers).scale
	start := time.Now()
	return func() time.Duration {
		return time.Duration(float64(time.Since(start)) * scale)
	}
}

// calibrate measures the ISR time budget. It is a no-op when ISR timing is
// off.
func (m *machine) calibrate(ctx context.Context) error {
	if !m.kernel.StartIsrTimingCalibration(m.timers) {
		m.log.Debug("ISR timing disabled", "limit_us", m.cfg.IsrTimeLimitMicroseconds)
		return nil
	}

	var bar *progressbar.ProgressBar
	if m.opts.Progress {
		bar = progressbar.NewOptions(2,
			progressbar.OptionSetWriter(m.opts.Out),
			progressbar.OptionSetDescription("calibrating ISR time limit"),
			progressbar.OptionClearOnFinish(),
		)
	}

	if m.manual != nil {
		for i := 0; i < 2; i++ {
			m.manual.Advance(interrupt.CalibrationWindow)
			if bar != nil {
				bar.Add(1)
			}
		}
	} else {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		sampled := false
		for m.kernel.Calibrating() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if !sampled && m.kernel.IsrTimeLimit() == interrupt.ThresholdCalibrating {
				sampled = true
				if bar != nil {
					bar.Add(1)
				}
			}
		}
		if bar != nil {
			bar.Set(2)
		}
	}
	if bar != nil {
		bar.Finish()
	}

	m.log.Info("ISR time limit", "cycles", m.kernel.IsrTimeLimit())
	return nil
}

// connect initializes and connects an interrupt object for every device.
// A device the kernel refuses stays in the list unconnected.
func (m *machine) connect() int {
	connected := 0
	for _, cfg := range m.cfg.Devices {
		d := &device{cfg: cfg, obj: &interrupt.Object{}, counter: m.counter}
		m.kernel.Initialize(d.obj, interrupt.Params{
			ServiceRoutine:  service,
			ServiceContext:  d,
			Vector:          cfg.Vector,
			Irql:            irql.Level(cfg.Irql),
			SynchronizeIrql: irql.Level(cfg.SynchronizeIrql),
			Mode:            d.mode(),
			ShareVector:     cfg.Shareable,
			ProcessorNumber: cfg.Processor,
		})
		m.devices = append(m.devices, d)

		if !m.kernel.Connect(d.obj) {
			m.log.Warn("device not connected", "device", cfg.Name, "vector", cfg.Vector, "processor", cfg.Processor)
			continue
		}
		d.connected = true
		connected++

		pin, ok := m.pins[cfg.Vector]
		if !ok {
			pin = &pinLine{line: m.hal.Lines().AllocateLine(int(cfg.Vector) - hal.PrimaryVectorBase)}
			m.pins[cfg.Vector] = pin
		}
		d.pin = pin
		m.log.Debug("device connected", "device", cfg.Name, "vector", cfg.Vector, "binding", m.kernel.Resolve(cfg.Vector).Type)
	}
	return connected
}

// vectors returns the distinct vectors of the configured devices in order.
func (m *machine) vectors() []uint32 {
	seen := make(map[uint32]bool)
	var out []uint32
	for _, d := range m.devices {
		if !seen[d.cfg.Vector] {
			seen[d.cfg.Vector] = true
			out = append(out, d.cfg.Vector)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fire raises every connected device's events. Each line is driven by its
// own goroutine; lines routed to the same processor contend for it.
func (m *machine) fire(ctx context.Context) error {
	byVector := make(map[uint32][]*device)
	for _, d := range m.devices {
		if d.connected {
			byVector[d.cfg.Vector] = append(byVector[d.cfg.Vector], d)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for vector, devices := range byVector {
		g.Go(func() error {
			most := 0
			for _, d := range devices {
				most = max(most, m.firesFor(d))
			}
			for i := 0; i < most; i++ {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("vector %#x: %w", vector, err)
				}
				for _, d := range devices {
					if i < m.firesFor(d) {
						d.raise()
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *machine) firesFor(d *device) int {
	if d.cfg.Fires > 0 {
		return d.cfg.Fires
	}
	return m.opts.Fires
}

// disconnect disconnects every connected device and returns the vectors
// still bound afterwards.
func (m *machine) disconnect() []interrupt.VectorBinding {
	for _, d := range m.devices {
		if !d.connected {
			continue
		}
		if !m.kernel.Disconnect(d.obj) {
			m.log.Warn("disconnect failed", "device", d.cfg.Name)
			continue
		}
		d.connected = false
	}

	var leftover []interrupt.VectorBinding
	for _, v := range m.vectors() {
		if v < hal.PrimaryVectorBase || v >= hal.NumVectors {
			continue
		}
		if b := m.kernel.Resolve(v); b.Type != interrupt.Unbound {
			leftover = append(leftover, b)
		}
	}
	return leftover
}
