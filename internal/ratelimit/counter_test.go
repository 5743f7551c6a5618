package ratelimit

import (
	"testing"
	"time"
)

func TestCounterAdmitsFirstThenThrottles(t *testing.T) {
	c := NewCounter(time.Hour)
	if total, ok := c.Inc(); !ok || total != 1 {
		t.Fatalf("expected first event admitted, got total=%d ok=%v", total, ok)
	}
	for i := 0; i < 4; i++ {
		if _, ok := c.Inc(); ok {
			t.Fatalf("expected event %d to be throttled", i+2)
		}
	}
	if c.Total() != 5 {
		t.Fatalf("expected total 5, got %d", c.Total())
	}
	if c.Suppressed() != 4 {
		t.Fatalf("expected 4 suppressed, got %d", c.Suppressed())
	}
}

func TestCounterZeroIntervalAlwaysAdmits(t *testing.T) {
	var c Counter
	for i := 0; i < 3; i++ {
		if _, ok := c.Inc(); !ok {
			t.Fatalf("expected zero-interval counter to admit event %d", i+1)
		}
	}
	if c.Suppressed() != 0 {
		t.Fatalf("expected nothing suppressed, got %d", c.Suppressed())
	}
}

func TestNilCounter(t *testing.T) {
	var c *Counter
	if total, ok := c.Inc(); ok || total != 0 {
		t.Fatalf("expected nil counter to be inert")
	}
}
