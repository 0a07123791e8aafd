package interrupt

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/kintr/internal/debug"
	"github.com/tinyrange/kintr/internal/hal"
	"github.com/tinyrange/kintr/internal/irql"
	"github.com/tinyrange/kintr/internal/processor"
)

const deviceIrql = irql.DeviceLow + 2

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type testSystem struct {
	procs   *processor.Set
	sched   *processor.Scheduler
	hal     *hal.Controller
	kernel  *Kernel
	metrics *Metrics
}

type testConfig struct {
	hal    hal.Options
	kernel Options
}

func newTestSystem(t *testing.T, configure ...func(*testConfig)) *testSystem {
	t.Helper()

	cfg := &testConfig{
		hal: hal.Options{IOAPICPins: 24, Logger: discard},
	}
	for _, fn := range configure {
		fn(cfg)
	}

	procs, err := processor.NewSet(2)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	cfg.hal.Processors = procs
	h, err := hal.NewController(cfg.hal)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sched := processor.NewScheduler(procs, processor.SchedulerOptions{Logger: discard})
	opts := cfg.kernel
	opts.Platform = h
	opts.Scheduler = sched
	opts.Metrics = metrics
	opts.Logger = discard
	k, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testSystem{procs: procs, sched: sched, hal: h, kernel: k, metrics: metrics}
}

// calls records service routine invocations in order.
type calls struct {
	mu    sync.Mutex
	names []string
}

func (c *calls) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func (c *calls) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.names
	c.names = nil
	return out
}

// routine returns a service routine logging name and claiming according to
// claim, which sees how many times it was called before.
func (c *calls) routine(name string, claim func(n int) bool) ServiceRoutine {
	var n atomic.Int32
	return func(*Object, any) bool {
		c.add(name)
		return claim(int(n.Add(1) - 1))
	}
}

func never(int) bool  { return false }
func always(int) bool { return true }
func firstOnly(n int) bool {
	return n == 0
}

func (s *testSystem) object(vector uint32, mode hal.Mode, share bool, routine ServiceRoutine) *Object {
	obj := &Object{}
	s.kernel.Initialize(obj, Params{
		ServiceRoutine:  routine,
		Vector:          vector,
		Irql:            deviceIrql,
		SynchronizeIrql: deviceIrql,
		Mode:            mode,
		ShareVector:     share,
	})
	return obj
}

func (s *testSystem) fire(t *testing.T, processor int, vector uint32) {
	t.Helper()
	if err := s.hal.Interrupt(processor, vector); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
}

func (s *testSystem) checkQuiescent(t *testing.T) {
	t.Helper()
	if n := s.sched.ActivePins(); n != 0 {
		t.Fatalf("active pins = %d, want 0", n)
	}
	if s.sched.DispatcherLockHeld() {
		t.Fatalf("dispatcher lock still held")
	}
	for i := 0; i < s.procs.Count(); i++ {
		if l := s.procs.Prcb(i).Irql(); l != irql.Passive {
			t.Fatalf("processor %d at %s, want PASSIVE_LEVEL", i, l)
		}
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// fakeCounter is a cycle counter tests move by hand.
type fakeCounter struct {
	now atomic.Uint64
}

func (c *fakeCounter) Cycles() uint64 { return c.now.Load() }

func newDebugger() *debug.Debugger {
	return debug.New(debug.Options{Attached: true, Logger: discard})
}
