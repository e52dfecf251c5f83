// Package clock wraps the handful of time operations the scheduler and the
// request workflow depend on, so tests can drive them deterministically.
package clock

import "time"

// Clock is the time source used by services.
type Clock interface {
	// AfterFunc runs f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop reports whether the callback was prevented from running.
	Stop() bool
}

// RealClock is backed by the time package.
type RealClock struct{}

func NewRealClock() *RealClock {
	return &RealClock{}
}

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (RealClock) Now() time.Time {
	return time.Now()
}

// DaysAgo returns the instant n whole days before c.Now(), used for retention cutoffs.
func DaysAgo(c Clock, n int) time.Time {
	return c.Now().AddDate(0, 0, -n)
}
