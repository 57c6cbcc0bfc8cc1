package schema

import (
	"sync"
	"time"
)

// Clock issues strictly increasing millisecond timestamps.
//
// It follows wall-clock time while the wall clock advances, and falls
// back to last+1 when two captures land in the same millisecond or the
// wall clock steps backward. This keeps per-node timestamps totally
// ordered without coordination; cross-node ties are broken by origin
// server id (see ChangeRecord.Supersedes).
type Clock struct {
	mu   sync.Mutex
	last int64

	// now is swappable for tests.
	now func() time.Time
}

// NewClock creates a Clock backed by the system wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns the next timestamp, strictly greater than any previously
// returned value.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Observe advances the clock past a timestamp seen from a remote peer.
// Calling this on receipt ensures local writes that follow a remote
// apply are stamped newer than the change they reacted to.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts > c.last {
		c.last = ts
	}
}
