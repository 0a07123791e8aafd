package hal

import "sync"

// Line is a device's handle on one interrupt controller input.
type Line interface {
	// SetLevel drives the line. Only changes reach the controller.
	SetLevel(high bool)

	// Pulse raises and drops the line. It is meant for latched lines; a
	// level-sensitive line must stay high until its service routine clears
	// the device condition.
	Pulse()
}

type irqSink interface {
	setIRQ(pin int, high bool)
}

// LineSet hands out Lines and remembers their levels.
type LineSet struct {
	mu    sync.Mutex
	sink  irqSink
	lines map[int]*lineState
}

func newLineSet(sink irqSink) *LineSet {
	return &LineSet{
		sink:  sink,
		lines: make(map[int]*lineState),
	}
}

// AllocateLine returns the Line for pin.
func (l *LineSet) AllocateLine(pin int) Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[pin]; !ok {
		l.lines[pin] = &lineState{}
	}
	return &lineHandle{owner: l, pin: pin}
}

// Level returns the last level driven on pin.
func (l *LineSet) Level(pin int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[pin]
	return state != nil && state.level
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	pin   int
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.pin, high)
}

func (h *lineHandle) Pulse() {
	h.owner.pulse(h.pin)
}

func (l *LineSet) setLevel(pin int, high bool) {
	l.mu.Lock()
	state := l.lines[pin]
	if state == nil {
		state = &lineState{}
		l.lines[pin] = state
	}
	changed := state.level != high
	state.level = high
	l.mu.Unlock()

	if changed {
		l.sink.setIRQ(pin, high)
	}
}

func (l *LineSet) pulse(pin int) {
	l.setLevel(pin, true)
	l.setLevel(pin, false)
}
