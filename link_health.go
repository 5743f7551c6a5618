package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"teststand/config"
	"teststand/station"
)

const (
	linkHealthInterval  = 15 * time.Second
	linkIdleThreshold   = 5 * time.Second
	linkHealthLogPrefix = "Link Health: "
)

type linkHealthState struct {
	connected   bool
	idle        bool
	initialized bool
}

// linkHealthMonitor logs a line per link only when its connected or idle
// state changes, so a quiet bench produces a quiet log.
type linkHealthMonitor struct {
	status func() station.Status
	now    func() time.Time
	logf   func(format string, args ...any)
	states map[string]linkHealthState
}

func newLinkHealthMonitor(status func() station.Status) *linkHealthMonitor {
	return &linkHealthMonitor{
		status: status,
		now:    time.Now,
		logf:   log.Printf,
		states: make(map[string]linkHealthState, 2),
	}
}

func (m *linkHealthMonitor) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = linkHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check compares the current snapshot against the last logged state and
// returns the lines it logged.
func (m *linkHealthMonitor) check() []string {
	st := m.status()
	now := m.now().UTC()
	var out []string
	for _, item := range []struct {
		role string
		ls   station.LinkStatus
	}{
		{config.RoleTelemetry, st.Telemetry},
		{config.RoleActuator, st.Actuator},
	} {
		// The actuator only speaks when spoken to, so silence there is normal.
		idle := item.role == config.RoleTelemetry && linkIsIdle(item.ls, now)
		prev := m.states[item.role]
		if prev.initialized && prev.connected == item.ls.Connected && prev.idle == idle {
			continue
		}
		m.states[item.role] = linkHealthState{connected: item.ls.Connected, idle: idle, initialized: true}
		line := formatLinkHealthLine(item.role, item.ls, idle, now)
		m.logf("%s%s", linkHealthLogPrefix, line)
		out = append(out, line)
	}
	return out
}

func linkIsIdle(ls station.LinkStatus, now time.Time) bool {
	if !ls.Connected || ls.LastReceived.IsZero() {
		return ls.Connected
	}
	return now.Sub(ls.LastReceived) > linkIdleThreshold
}

func formatLinkHealthLine(role string, ls station.LinkStatus, idle bool, now time.Time) string {
	status := "disconnected"
	if ls.Connected {
		status = "connected"
	}
	var b strings.Builder
	b.WriteString(role)
	b.WriteString(" ")
	b.WriteString(status)
	if idle {
		b.WriteString(" idle")
	}
	if ls.Path != "" {
		fmt.Fprintf(&b, " port=%s@%d", ls.Path, ls.Baud)
	}
	if ls.State != "" {
		b.WriteString(" state=")
		b.WriteString(ls.State)
	}
	if !ls.LastReceived.IsZero() {
		b.WriteString(" last_rx=")
		b.WriteString(ageString(now, ls.LastReceived))
	}
	return b.String()
}

func ageString(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := now.Sub(t)
	if age < 0 {
		age = 0
	}
	return age.Truncate(100*time.Millisecond).String() + " ago"
}
