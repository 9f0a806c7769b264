// ABOUTME: Clock abstraction so timers and expiry math can be driven by tests
// ABOUTME: Production code uses Real(); tests use Fake() and advance time explicitly

package clock

import "time"

// Clock abstracts the time operations used by the scheduler, the expiry
// sweep and the resume coordinator.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels the
	// pending call. If d <= 0, f runs immediately (in a new goroutine for
	// the real clock, synchronously for the fake one).
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns false if the timer already
// fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }
