package main

import (
	"strings"
	"testing"
	"time"

	"teststand/station"
)

// Purpose: Verify the health monitor logs only on state transitions.
// Key aspects: Initial snapshot logs both links; unchanged snapshot logs nothing;
// a stale telemetry link logs once as idle.
// Upstream: go test.
// Downstream: linkHealthMonitor.check.
func TestLinkHealthLogsOnTransitions(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	st := station.Status{
		Telemetry: station.LinkStatus{State: "connected", Connected: true, Path: "/dev/ttyACM0", Baud: 230400, LastReceived: now.Add(-time.Second)},
		Actuator:  station.LinkStatus{State: "disconnected"},
	}
	m := newLinkHealthMonitor(func() station.Status { return st })
	m.now = func() time.Time { return now }
	var logged []string
	m.logf = func(format string, args ...any) { logged = append(logged, format) }

	lines := m.check()
	if len(lines) != 2 {
		t.Fatalf("expected 2 initial lines, got %v", lines)
	}
	if !strings.HasPrefix(lines[0], "telemetry connected port=/dev/ttyACM0@230400") {
		t.Fatalf("unexpected telemetry line %q", lines[0])
	}
	if lines[1] != "actuator disconnected state=disconnected" {
		t.Fatalf("unexpected actuator line %q", lines[1])
	}
	if got := m.check(); len(got) != 0 {
		t.Fatalf("expected no lines for an unchanged snapshot, got %v", got)
	}

	now = now.Add(10 * time.Second)
	lines = m.check()
	if len(lines) != 1 || !strings.Contains(lines[0], "telemetry connected idle") {
		t.Fatalf("expected a single idle transition, got %v", lines)
	}
	if !strings.Contains(lines[0], "last_rx=11s ago") {
		t.Fatalf("expected age in line, got %q", lines[0])
	}
	if len(logged) != 3 {
		t.Fatalf("expected 3 log calls, got %d", len(logged))
	}
}

func TestActuatorSilenceIsNotIdle(t *testing.T) {
	now := time.Now()
	ls := station.LinkStatus{Connected: true, LastReceived: now.Add(-time.Hour)}
	m := newLinkHealthMonitor(func() station.Status { return station.Status{Actuator: ls} })
	m.logf = func(string, ...any) {}
	lines := m.check()
	if len(lines) != 2 || strings.Contains(lines[1], "idle") {
		t.Fatalf("unexpected lines %v", lines)
	}
}

func TestAgeString(t *testing.T) {
	now := time.Unix(100, 0)
	if got := ageString(now, time.Time{}); got != "never" {
		t.Fatalf("expected never, got %q", got)
	}
	if got := ageString(now, now.Add(-1500*time.Millisecond)); got != "1.5s ago" {
		t.Fatalf("unexpected age %q", got)
	}
	if got := ageString(now, now.Add(time.Second)); got != "0s ago" {
		t.Fatalf("unexpected future age %q", got)
	}
}
