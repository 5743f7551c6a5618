// Package ratelimit keeps hot-path warnings from flooding the log.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter counts events and admits at most one log line per interval.
// The zero value admits every event. Safe for concurrent use.
type Counter struct {
	interval time.Duration
	lastLog  atomic.Int64
	total    atomic.Uint64
	admitted atomic.Uint64
}

// NewCounter builds a Counter admitting one log line per interval.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval}
}

// Inc records one event. It returns the running total and whether the caller
// may log it now.
func (c *Counter) Inc() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		c.admitted.Add(1)
		return total, true
	}
	now := time.Now().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		return total, false
	}
	if !c.lastLog.CompareAndSwap(last, now) {
		return total, false
	}
	c.admitted.Add(1)
	return total, true
}

// Total returns the number of recorded events.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}

// Suppressed returns how many events were counted without being admitted.
func (c *Counter) Suppressed() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load() - c.admitted.Load()
}
