// Package system provides a real clock implementation.
package system

import "time"

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since reports the time elapsed since t using the same UTC source as Now.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
