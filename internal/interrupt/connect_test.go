package interrupt

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tinyrange/kintr/internal/bugcheck"
	"github.com/tinyrange/kintr/internal/hal"
	"github.com/tinyrange/kintr/internal/irql"
	"github.com/tinyrange/kintr/internal/processor"
	"github.com/tinyrange/kintr/internal/spinlock"
)

func TestInitialize(t *testing.T) {
	s := newTestSystem(t)
	sweeps := s.hal.Sweeps()

	obj := s.object(0x31, hal.Latched, false, nil)
	if obj.Connected() {
		t.Fatalf("initialized object is connected")
	}
	if obj.TickCount() != neverDispatched || obj.DispatchCount() != neverDispatched {
		t.Fatalf("storm counters = %#x/%#x, want sentinel", obj.TickCount(), obj.DispatchCount())
	}
	if obj.Lock() != &obj.spinLock {
		t.Fatalf("object without a lock does not use its own")
	}
	if obj.DispatchCode().Object() != obj {
		t.Fatalf("dispatch code does not lead back to its object")
	}
	if s.hal.Sweeps() != sweeps+1 {
		t.Fatalf("sweeps = %d, want %d", s.hal.Sweeps(), sweeps+1)
	}

	var shared spinlock.Lock
	other := &Object{}
	s.kernel.Initialize(other, Params{SpinLock: &shared, Vector: 0x31})
	if other.Lock() != &shared {
		t.Fatalf("supplied lock not used")
	}
}

func TestConnectDisconnect(t *testing.T) {
	s := newTestSystem(t)
	var c calls
	obj := s.object(0x31, hal.Latched, false, c.routine("a", always))

	if !s.kernel.Connect(obj) {
		t.Fatalf("Connect failed")
	}
	if !obj.Connected() {
		t.Fatalf("connected = false after Connect")
	}
	b := s.kernel.Resolve(0x31)
	if b.Type != Single || b.Interrupt != obj {
		t.Fatalf("binding = %v/%p, want single/%p", b.Type, b.Interrupt, obj)
	}
	if s.hal.IOAPIC().Masked(1) {
		t.Fatalf("line not enabled")
	}
	if got := testutil.ToFloat64(s.metrics.connected); got != 1 {
		t.Fatalf("connected gauge = %v, want 1", got)
	}
	s.checkQuiescent(t)

	s.fire(t, 0, 0x31)
	if got := c.take(); !equal(got, []string{"a"}) {
		t.Fatalf("calls = %v, want [a]", got)
	}

	if !s.kernel.Disconnect(obj) {
		t.Fatalf("first Disconnect failed")
	}
	if s.kernel.Disconnect(obj) {
		t.Fatalf("second Disconnect succeeded")
	}
	if obj.Connected() {
		t.Fatalf("connected = true after Disconnect")
	}
	if b := s.kernel.Resolve(0x31); b.Type != Unbound {
		t.Fatalf("binding after disconnect = %v, want unbound", b.Type)
	}
	if !s.hal.IOAPIC().Masked(1) {
		t.Fatalf("line still enabled")
	}
	if got := testutil.ToFloat64(s.metrics.connected); got != 0 {
		t.Fatalf("connected gauge = %v, want 0", got)
	}
	s.checkQuiescent(t)

	s.fire(t, 0, 0x31)
	if got := c.take(); len(got) != 0 {
		t.Fatalf("disconnected routine called: %v", got)
	}
	if s.hal.Unexpected(0x31) != 1 {
		t.Fatalf("unexpected count = %d, want 1", s.hal.Unexpected(0x31))
	}

	if !s.kernel.Connect(obj) {
		t.Fatalf("reconnect failed")
	}
}

func TestConnectTwice(t *testing.T) {
	s := newTestSystem(t)
	obj := s.object(0x31, hal.Latched, true, nil)
	if !s.kernel.Connect(obj) {
		t.Fatalf("Connect failed")
	}
	before := s.hal.QueryVectorDispatch(0x31).Current

	if s.kernel.Connect(obj) {
		t.Fatalf("second Connect succeeded")
	}
	if s.hal.QueryVectorDispatch(0x31).Current != before {
		t.Fatalf("second Connect changed the vector")
	}
	if b := s.kernel.Resolve(0x31); b.Type != Single {
		t.Fatalf("binding = %v, want single", b.Type)
	}
	if got := testutil.ToFloat64(s.metrics.connectFailures.WithLabelValues(reasonConnected)); got != 1 {
		t.Fatalf("already connected failures = %v, want 1", got)
	}
	s.checkQuiescent(t)
}

func TestConnectRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		edit func(p *Params)
	}{
		{"irql above high", func(p *Params) { p.Irql = irql.High + 1; p.SynchronizeIrql = irql.High + 1 }},
		{"processor out of range", func(p *Params) { p.ProcessorNumber = 2 }},
		{"negative processor", func(p *Params) { p.ProcessorNumber = -1 }},
		{"synchronize below irql", func(p *Params) { p.SynchronizeIrql = p.Irql - 1 }},
		{"floating save", func(p *Params) { p.FloatingSave = true }},
		{"exception vector", func(p *Params) { p.Vector = 0x0e }},
		{"vector out of range", func(p *Params) { p.Vector = hal.NumVectors }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSystem(t)
			p := Params{
				Vector:          0x31,
				Irql:            deviceIrql,
				SynchronizeIrql: deviceIrql,
				Mode:            hal.Latched,
			}
			tt.edit(&p)
			obj := &Object{}
			s.kernel.Initialize(obj, p)

			if s.kernel.Connect(obj) {
				t.Fatalf("Connect succeeded")
			}
			if obj.Connected() {
				t.Fatalf("rejected object is connected")
			}
			if p.Vector < hal.NumVectors {
				if b := s.kernel.Resolve(p.Vector); b.Type != Unbound {
					t.Fatalf("binding = %v, want unbound", b.Type)
				}
			}
			if got := testutil.ToFloat64(s.metrics.connectFailures.WithLabelValues(reasonInvalid)); got != 1 {
				t.Fatalf("invalid failures = %v, want 1", got)
			}
			if s.kernel.Disconnect(obj) {
				t.Fatalf("Disconnect of rejected object succeeded")
			}
			s.checkQuiescent(t)
		})
	}
}

func TestChainOrder(t *testing.T) {
	s := newTestSystem(t)
	var c calls
	a := s.object(0x32, hal.Latched, true, c.routine("a", never))
	b := s.object(0x32, hal.Latched, true, c.routine("b", never))
	d := s.object(0x32, hal.Latched, true, c.routine("c", never))
	for _, obj := range []*Object{a, b, d} {
		if !s.kernel.Connect(obj) {
			t.Fatalf("Connect failed")
		}
	}

	binding := s.kernel.Resolve(0x32)
	if binding.Type != Chained || binding.Interrupt != a {
		t.Fatalf("binding = %v head %p, want chained head %p", binding.Type, binding.Interrupt, a)
	}

	s.fire(t, 0, 0x32)
	if got := c.take(); !equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("calls = %v, want [a b c]", got)
	}

	if !s.kernel.Disconnect(b) {
		t.Fatalf("Disconnect(b) failed")
	}
	s.fire(t, 1, 0x32)
	if got := c.take(); !equal(got, []string{"a", "c"}) {
		t.Fatalf("calls = %v, want [a c]", got)
	}
	if b.Connected() {
		t.Fatalf("b still connected")
	}
	s.checkQuiescent(t)
}

func TestChainHeadPromotion(t *testing.T) {
	s := newTestSystem(t)
	var c calls
	a := s.object(0x33, hal.Latched, true, c.routine("a", never))
	b := s.object(0x33, hal.Latched, true, c.routine("b", never))
	d := s.object(0x33, hal.Latched, true, c.routine("c", never))
	for _, obj := range []*Object{a, b, d} {
		if !s.kernel.Connect(obj) {
			t.Fatalf("Connect failed")
		}
	}

	if !s.kernel.Disconnect(a) {
		t.Fatalf("Disconnect(a) failed")
	}
	binding := s.kernel.Resolve(0x33)
	if binding.Type != Chained || binding.Interrupt != b {
		t.Fatalf("binding = %v head %p, want chained head %p", binding.Type, binding.Interrupt, b)
	}
	s.fire(t, 0, 0x33)
	if got := c.take(); !equal(got, []string{"b", "c"}) {
		t.Fatalf("calls = %v, want [b c]", got)
	}
}

func TestChainCollapse(t *testing.T) {
	s := newTestSystem(t)
	var c calls
	a := s.object(0x34, hal.Latched, true, c.routine("a", never))
	b := s.object(0x34, hal.Latched, true, c.routine("b", never))
	if !s.kernel.Connect(a) || !s.kernel.Connect(b) {
		t.Fatalf("Connect failed")
	}

	if !s.kernel.Disconnect(a) {
		t.Fatalf("Disconnect(a) failed")
	}
	binding := s.kernel.Resolve(0x34)
	if binding.Type != Single || binding.Interrupt != b {
		t.Fatalf("binding = %v/%p, want single/%p", binding.Type, binding.Interrupt, b)
	}
	if s.hal.IOAPIC().Masked(4) {
		t.Fatalf("line disabled while b is still connected")
	}

	s.fire(t, 0, 0x34)
	if got := c.take(); !equal(got, []string{"b"}) {
		t.Fatalf("calls = %v, want [b]", got)
	}

	if !s.kernel.Disconnect(b) {
		t.Fatalf("Disconnect(b) failed")
	}
	if binding := s.kernel.Resolve(0x34); binding.Type != Unbound {
		t.Fatalf("binding = %v, want unbound", binding.Type)
	}
	if !s.hal.IOAPIC().Masked(4) {
		t.Fatalf("line still enabled")
	}
}

func TestConnectIncompatible(t *testing.T) {
	tests := []struct {
		name          string
		existingMode  hal.Mode
		existingShare bool
		newMode       hal.Mode
		newShare      bool
	}{
		{"level unshared onto edge shared", hal.Latched, true, hal.LevelSensitive, false},
		{"mode mismatch", hal.Latched, true, hal.LevelSensitive, true},
		{"existing not shareable", hal.Latched, false, hal.Latched, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSystem(t)
			a := s.object(0x35, tt.existingMode, tt.existingShare, nil)
			b := s.object(0x35, tt.newMode, tt.newShare, nil)
			if !s.kernel.Connect(a) {
				t.Fatalf("Connect(a) failed")
			}
			if s.kernel.Connect(b) {
				t.Fatalf("Connect(b) succeeded")
			}
			if !a.Connected() || b.Connected() {
				t.Fatalf("connected = %v/%v, want true/false", a.Connected(), b.Connected())
			}
			if binding := s.kernel.Resolve(0x35); binding.Type != Single || binding.Interrupt != a {
				t.Fatalf("binding = %v/%p, want single/%p", binding.Type, binding.Interrupt, a)
			}
			if got := testutil.ToFloat64(s.metrics.connectFailures.WithLabelValues(reasonIncompatible)); got != 1 {
				t.Fatalf("incompatible failures = %v, want 1", got)
			}
			s.checkQuiescent(t)
		})
	}
}

func TestConnectEnableFailureRollsBack(t *testing.T) {
	s := newTestSystem(t, func(c *testConfig) { c.hal.IOAPICPins = 4 })
	obj := s.object(0x40, hal.Latched, false, nil)

	if s.kernel.Connect(obj) {
		t.Fatalf("Connect succeeded without a line")
	}
	if obj.Connected() {
		t.Fatalf("connected after failed enable")
	}
	if b := s.kernel.Resolve(0x40); b.Type != Unbound {
		t.Fatalf("binding = %v, want unbound", b.Type)
	}
	if got := testutil.ToFloat64(s.metrics.connectFailures.WithLabelValues(reasonEnable)); got != 1 {
		t.Fatalf("enable failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.metrics.connected); got != 0 {
		t.Fatalf("connected gauge = %v, want 0", got)
	}
	s.checkQuiescent(t)
}

// lineFailPlatform refuses every line and records whether each vector
// table write happened under the dispatcher lock.
type lineFailPlatform struct {
	*hal.Controller
	sched *processor.Scheduler

	mu       sync.Mutex
	unlocked []string
	writes   int
}

func (p *lineFailPlatform) EnableLine(int, uint32, irql.Level, hal.Mode) bool { return false }

func (p *lineFailPlatform) note(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	if !p.sched.DispatcherLockHeld() {
		p.unlocked = append(p.unlocked, op)
	}
}

func (p *lineFailPlatform) InstallTarget(vector uint32, style hal.Style, target hal.Target) {
	p.note("install")
	p.Controller.InstallTarget(vector, style, target)
}

func (p *lineFailPlatform) DisableLine(vector uint32, level irql.Level) {
	p.note("disable")
	p.Controller.DisableLine(vector, level)
}

func TestConnectEnableFailureUndoneUnderLock(t *testing.T) {
	s := newTestSystem(t)
	p := &lineFailPlatform{Controller: s.hal, sched: s.sched}
	k, err := New(Options{Platform: p, Scheduler: s.sched, Logger: discard})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	obj := &Object{}
	k.Initialize(obj, Params{
		Vector:          0x31,
		Irql:            deviceIrql,
		SynchronizeIrql: deviceIrql,
		Mode:            hal.Latched,
		ShareVector:     true,
	})
	if k.Connect(obj) {
		t.Fatalf("Connect succeeded without a line")
	}
	if obj.Connected() {
		t.Fatalf("connected after failed enable")
	}
	if b := k.Resolve(0x31); b.Type != Unbound {
		t.Fatalf("binding = %v, want unbound", b.Type)
	}
	if p.writes != 3 {
		t.Fatalf("vector table writes = %d, want 3", p.writes)
	}
	if len(p.unlocked) != 0 {
		t.Fatalf("writes without the dispatcher lock: %v", p.unlocked)
	}
	s.checkQuiescent(t)
}

type foreignTarget struct {
	hits int
}

func (f *foreignTarget) Enter(*hal.TrapFrame) { f.hits++ }

func TestUnknownBindingRejectsConnect(t *testing.T) {
	s := newTestSystem(t)
	foreign := &foreignTarget{}
	s.hal.InstallTarget(0x36, hal.StyleDirect, foreign)

	if b := s.kernel.Resolve(0x36); b.Type != Unknown {
		t.Fatalf("binding = %v, want unknown", b.Type)
	}

	obj := s.object(0x36, hal.Latched, true, nil)
	if s.kernel.Connect(obj) {
		t.Fatalf("Connect over a foreign handler succeeded")
	}
	if s.hal.QueryVectorDispatch(0x36).Current != hal.Target(foreign) {
		t.Fatalf("foreign handler replaced")
	}
	if got := testutil.ToFloat64(s.metrics.unknownTotal); got != 2 {
		t.Fatalf("unknown bindings = %v, want 2", got)
	}
	s.checkQuiescent(t)
}

func TestDisconnectAfterForeignTakeover(t *testing.T) {
	s := newTestSystem(t)
	obj := s.object(0x37, hal.Latched, false, nil)
	if !s.kernel.Connect(obj) {
		t.Fatalf("Connect failed")
	}
	foreign := &foreignTarget{}
	s.hal.InstallTarget(0x37, hal.StyleDirect, foreign)

	if !s.kernel.Disconnect(obj) {
		t.Fatalf("Disconnect failed")
	}
	if obj.Connected() {
		t.Fatalf("still connected")
	}
	if s.hal.QueryVectorDispatch(0x37).Current != hal.Target(foreign) {
		t.Fatalf("foreign handler removed")
	}
	s.checkQuiescent(t)
}

func TestWrongStyleDispatchCodeIsUnknown(t *testing.T) {
	s := newTestSystem(t, func(c *testConfig) { c.hal.FlatVectors = []uint32{0x38} })
	obj := s.object(0x31, hal.Latched, false, nil)
	if !s.kernel.Connect(obj) {
		t.Fatalf("Connect failed")
	}

	// A flat slot pointing at a direct-style dispatcher is not ours.
	s.hal.InstallTarget(0x38, hal.StyleFlat, obj.DispatchCode().SecondLevel())
	if b := s.kernel.Resolve(0x38); b.Type != Unknown {
		t.Fatalf("binding = %v, want unknown", b.Type)
	}
}

// oddPlatform reports an addressing style nobody knows.
type oddPlatform struct {
	*hal.Controller
}

func (p oddPlatform) QueryVectorDispatch(vector uint32) hal.VectorDispatch {
	d := p.Controller.QueryVectorDispatch(vector)
	d.Style = hal.Style(7)
	return d
}

func TestMismatchedHal(t *testing.T) {
	s := newTestSystem(t)
	k, err := New(Options{
		Platform:  oddPlatform{s.hal},
		Scheduler: s.sched,
		Logger:    discard,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bc := bugcheck.Catch(func() { k.Resolve(0x31) })
	if bc == nil || bc.Code != bugcheck.MismatchedHal {
		t.Fatalf("bugcheck = %v, want MISMATCHED_HAL", bc)
	}

	obj := &Object{}
	k.Initialize(obj, Params{Vector: 0x31, Irql: deviceIrql, SynchronizeIrql: deviceIrql})
	bc = bugcheck.Catch(func() { k.Connect(obj) })
	if bc == nil || bc.Code != bugcheck.MismatchedHal {
		t.Fatalf("bugcheck = %v, want MISMATCHED_HAL", bc)
	}
	if obj.Connected() {
		t.Fatalf("connected after bug check")
	}
	s.checkQuiescent(t)
}

func TestFlatStyleChain(t *testing.T) {
	s := newTestSystem(t, func(c *testConfig) { c.hal.FlatVectors = []uint32{0x39} })
	var c calls
	a := s.object(0x39, hal.Latched, true, c.routine("a", never))
	b := s.object(0x39, hal.Latched, true, c.routine("b", never))

	if !s.kernel.Connect(a) {
		t.Fatalf("Connect(a) failed")
	}
	d := s.hal.QueryVectorDispatch(0x39)
	if entry, ok := d.Current.(*SecondLevelEntry); !ok || entry != a.DispatchCode().SecondLevel() {
		t.Fatalf("flat slot = %#v, want a's second-level entry", d.Current)
	}
	if binding := s.kernel.Resolve(0x39); binding.Type != Single || binding.Style != hal.StyleFlat {
		t.Fatalf("binding = %v/%v, want single/flat", binding.Type, binding.Style)
	}

	if !s.kernel.Connect(b) {
		t.Fatalf("Connect(b) failed")
	}
	if binding := s.kernel.Resolve(0x39); binding.Type != Chained || binding.Interrupt != a {
		t.Fatalf("binding = %v, want chained", binding.Type)
	}
	s.fire(t, 0, 0x39)
	if got := c.take(); !equal(got, []string{"a", "b"}) {
		t.Fatalf("calls = %v, want [a b]", got)
	}

	if !s.kernel.Disconnect(a) || !s.kernel.Disconnect(b) {
		t.Fatalf("Disconnect failed")
	}
	if binding := s.kernel.Resolve(0x39); binding.Type != Unbound {
		t.Fatalf("binding = %v, want unbound", binding.Type)
	}
}

func TestSynchronizeExecution(t *testing.T) {
	s := newTestSystem(t)
	obj := &Object{}
	s.kernel.Initialize(obj, Params{
		Vector:          0x31,
		Irql:            deviceIrql,
		SynchronizeIrql: deviceIrql + 1,
		ProcessorNumber: 1,
	})

	ran := false
	got := s.kernel.SynchronizeExecution(obj, func(ctx any) bool {
		ran = true
		if !obj.Lock().Held() {
			t.Errorf("object lock not held")
		}
		if l := s.procs.Prcb(1).Irql(); l != deviceIrql+1 {
			t.Errorf("irql = %s, want %s", l, deviceIrql+1)
		}
		return ctx.(string) == "ctx"
	}, "ctx")
	if !ran || !got {
		t.Fatalf("ran = %v, result = %v", ran, got)
	}
	if obj.Lock().Held() {
		t.Fatalf("lock held after SynchronizeExecution")
	}
	s.checkQuiescent(t)
}
