// Package schedule wraps deferred callback execution so components that delay
// work (debounced fetches, settled publishes) can cancel what they scheduled
// without reaching for timers directly.
package schedule

import "time"

// Pending is a scheduled callback that has not necessarily fired yet.
type Pending interface {
	// Cancel stops the callback from firing. Returns false if it already
	// fired or was cancelled before.
	Cancel() bool
}

// Scheduler defers callbacks. Implementations must run fn at most once.
type Scheduler interface {
	After(d time.Duration, fn func()) Pending
}

// Timers is the clock-backed Scheduler used outside tests.
type Timers struct{}

func New() Timers { return Timers{} }

func (Timers) After(d time.Duration, fn func()) Pending {
	return timerPending{t: time.AfterFunc(d, fn)}
}

type timerPending struct {
	t *time.Timer
}

func (p timerPending) Cancel() bool { return p.t.Stop() }

// Immediate runs callbacks synchronously, ignoring the delay. Useful in
// tests that exercise delayed paths without waiting on the clock.
type Immediate struct{}

func (Immediate) After(_ time.Duration, fn func()) Pending {
	fn()
	return firedPending{}
}

type firedPending struct{}

func (firedPending) Cancel() bool { return false }
