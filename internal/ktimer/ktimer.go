// Package ktimer provides kernel timers that run a deferred callback once
// after a due time and then periodically until cancelled.
package ktimer

import (
	"sync"
	"time"
)

// Timer is a scheduled callback.
type Timer interface {
	// Cancel stops the timer and reports whether it was still pending.
	Cancel() bool
}

// Service schedules timers. A zero period makes a one-shot timer.
type Service interface {
	SetTimer(due, period time.Duration, fn func()) Timer
}

// System schedules timers on the host clock.
type System struct{}

var _ Service = System{}

// SetTimer implements Service.
func (System) SetTimer(due, period time.Duration, fn func()) Timer {
	t := &systemTimer{stop: make(chan struct{})}
	if fn == nil {
		t.once.Do(func() { close(t.stop) })
		return t
	}

	go func() {
		first := time.NewTimer(due)
		defer first.Stop()
		select {
		case <-first.C:
		case <-t.stop:
			return
		}
		fn()
		if period <= 0 {
			t.once.Do(func() { close(t.stop) })
			return
		}

		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-t.stop:
				return
			}
		}
	}()

	return t
}

type systemTimer struct {
	stop chan struct{}
	once sync.Once
}

func (t *systemTimer) Cancel() bool {
	cancelled := false
	t.once.Do(func() {
		cancelled = true
		close(t.stop)
	})
	return cancelled
}
