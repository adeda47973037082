// Package clock supplies the time source used for lease expiry, status
// timestamps and storage retry backoff.
package clock

import "time"

// Clock abstracts time so lease expiry can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the wall clock.
type Real struct{}

// Now returns the current time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns c when non-nil, otherwise Real.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
