package ktimer

import (
	"sync"
	"time"
)

// Manual is a virtual clock. Timers only fire when Advance moves time past
// their due time, so callers control exactly when callbacks run.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

var _ Service = (*Manual)(nil)

// NewManual returns a virtual clock at time zero.
func NewManual() *Manual {
	return &Manual{}
}

type manualTimer struct {
	owner  *Manual
	next   time.Duration
	period time.Duration
	fn     func()
	active bool
}

// SetTimer implements Service.
func (m *Manual) SetTimer(due, period time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{
		owner:  m,
		next:   m.now + due,
		period: period,
		fn:     fn,
		active: fn != nil,
	}
	if t.active {
		m.timers = append(m.timers, t)
	}
	return t
}

func (t *manualTimer) Cancel() bool {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if !t.active {
		return false
	}
	t.active = false
	m.removeLocked(t)
	return true
}

func (m *Manual) removeLocked(t *manualTimer) {
	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// Now returns the virtual time elapsed since the clock was created.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of timers that have not expired or been
// cancelled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock forward by d, running every callback that falls
// due on the way in time order. Callbacks run without the clock locked and
// may set or cancel timers.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	for {
		var due *manualTimer
		for _, t := range m.timers {
			if t.next <= target && (due == nil || t.next < due.next) {
				due = t
			}
		}
		if due == nil {
			break
		}

		m.now = due.next
		if due.period > 0 {
			due.next += due.period
		} else {
			due.active = false
			m.removeLocked(due)
		}

		m.mu.Unlock()
		due.fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}
