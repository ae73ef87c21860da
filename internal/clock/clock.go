// Package clock provides an abstraction over time operations for testability.
// Production code uses RealClock, tests inject testutil.MockClock.
package clock

import "time"

// Clock provides the time operations used by the scheduler, the activity log
// and the console countdowns.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After waits for the duration to elapse and then sends the current time
	// on the returned channel.
	After(d time.Duration) <-chan time.Time
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// NewRealClock creates a new RealClock.
func NewRealClock() *RealClock {
	return &RealClock{}
}

// Now implements Clock.Now using time.Now.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// After implements Clock.After using time.After.
func (c *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
