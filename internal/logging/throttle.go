package logging

import (
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits how often a hot-path message is emitted: the first few
// occurrences pass, then at most one per interval.
type Throttle struct {
	s rate.Sometimes
}

// NewThrottle lets first messages through, then one every interval.
func NewThrottle(first int, interval time.Duration) *Throttle {
	return &Throttle{s: rate.Sometimes{First: first, Interval: interval}}
}

// Warn logs to category at warn level when the throttle allows it.
func (t *Throttle) Warn(category Category, format string, args ...interface{}) {
	t.s.Do(func() { Get(category).Warn(format, args...) })
}
