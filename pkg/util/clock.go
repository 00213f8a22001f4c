package util

import (
	"time"

	"github.com/benbjohnson/clock"
)

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// NewMockClock returns a clock frozen at start. It moves only on Add or Set,
// and After channels fire once it passes their deadline.
func NewMockClock(start time.Time) *clock.Mock {
	c := clock.NewMock()
	c.Set(start)
	return c
}
