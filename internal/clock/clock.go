// Package clock lets time-driven loops run against either the wall clock or a
// manually advanced clock.
package clock

import "time"

// Clock is the subset of the time package the renewal and retry loops use.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time {
	return time.Now()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
