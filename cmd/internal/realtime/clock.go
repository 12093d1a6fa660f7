package realtime

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing UTC timestamps at microsecond
// precision, the resolution Postgres stores. Two messages stamped by the same
// Clock never share a created_at value.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock wraps now, or time.Now when nil.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	t := c.now().UTC().Truncate(time.Microsecond)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
