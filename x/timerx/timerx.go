// Package timerx holds stop/drain/reset helpers for clock timers.
package timerx

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Reset re-arms t for d, draining a pending fire first.
func Reset(t *clock.Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	Stop(t)
	t.Reset(d)
}

// Stop stops t and drains its channel if it had already fired.
func Stop(t *clock.Timer) {
	if !t.Stop() {
		Drain(t)
	}
}

// Drain empties t.C without blocking.
func Drain(t *clock.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// Idle returns a timer that is stopped and drained, ready for Reset.
func Idle(clk clock.Clock) *clock.Timer {
	t := clk.Timer(time.Hour)
	Stop(t)
	return t
}
