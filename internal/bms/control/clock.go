package control

import (
	"time"

	"bmscode-go/x/timex"
)

// Clock supplies time to the loop. After must return a channel that
// receives once d has elapsed; only one After is outstanding at a time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct {
	t *time.Timer
}

// SystemClock returns a Clock backed by one reusable timer.
func SystemClock() Clock {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		timex.DrainTimer(t)
	}
	return &systemClock{t: t}
}

func (c *systemClock) Now() time.Time { return time.Now() }

func (c *systemClock) After(d time.Duration) <-chan time.Time {
	timex.ResetTimer(c.t, d)
	return c.t.C
}

// nextDeadline returns the first slot after now on the grid prev+k*period
// and how many slots were skipped to get there.
func nextDeadline(prev time.Time, period time.Duration, now time.Time) (time.Time, int) {
	next := prev.Add(period)
	if next.After(now) {
		return next, 0
	}
	skipped := int(now.Sub(next)/period) + 1
	return next.Add(time.Duration(skipped) * period), skipped
}
