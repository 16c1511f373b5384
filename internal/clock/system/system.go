// Package system provides a real clock implementation.
package system

import "time"

// Clock implements harvest.Clock using time.Now. Timestamps are UTC so
// that store rows compare cleanly regardless of host timezone.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
