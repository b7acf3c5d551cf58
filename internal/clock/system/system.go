// Package system provides the wall clock used for discovery and archive timestamps.
package system

import "time"

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time at millisecond precision, the resolution
// stored in archive timestamps.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
