package testutil

import (
	"sync"
	"time"
)

// SteppingClock returns a time that advances by a fixed step on every call.
//
// It stands in for time.Now wherever timestamps end up in persisted or
// printed output, so that output is byte-identical across test runs.
//
// Thread-safety: safe for concurrent use.
type SteppingClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewSteppingClock creates a clock whose first reading is start.
func NewSteppingClock(start time.Time, step time.Duration) *SteppingClock {
	return &SteppingClock{next: start, step: step}
}

// Now returns the current reading and advances the clock.
func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	return now
}
