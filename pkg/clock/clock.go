// Package clock abstracts time so activations can be evaluated against a
// deterministic "now" in tests.
//
// In production, use Real() which wraps the standard time package.
// In tests, use NewFake() and move time forward explicitly.
package clock

import "time"

// Clock provides the time operations an activation needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real returns a Clock backed by the standard time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
