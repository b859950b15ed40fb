// Package system provides the wall-clock implementation of harvest.Clock.
package system

import "time"

// Clock implements harvest.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time at microsecond precision, matching what a
// Postgres timestamptz round-trips.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
