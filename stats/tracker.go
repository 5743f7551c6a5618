// Package stats tracks pipeline counters (frames, saves, broadcasts, commands
// by channel) for the periodic console summary.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker holds cumulative counters. Keyed counters live in sync.Map +
// atomic.Uint64 so the ingest path never takes a mutex.
type Tracker struct {
	commands   sync.Map // "channel|ok" -> *atomic.Uint64
	start      atomic.Int64
	frames     atomic.Uint64
	broadcasts atomic.Uint64
	saves      atomic.Uint64
	saveErrors atomic.Uint64
	savedRows  atomic.Uint64
	backups    atomic.Uint64
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementFrames counts an accepted telemetry frame.
func (t *Tracker) IncrementFrames() {
	t.frames.Add(1)
}

// IncrementBroadcasts counts a throttled sensor broadcast.
func (t *Tracker) IncrementBroadcasts() {
	t.broadcasts.Add(1)
}

// RecordSave counts a scheduled save and the rows it wrote.
func (t *Tracker) RecordSave(rows int, err error) {
	if err != nil {
		t.saveErrors.Add(1)
		return
	}
	t.saves.Add(1)
	t.savedRows.Add(uint64(rows))
}

// IncrementBackups counts a crash backup.
func (t *Tracker) IncrementBackups() {
	t.backups.Add(1)
}

// IncrementCommand counts a command outcome per channel.
func (t *Tracker) IncrementCommand(channel string, success bool) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return
	}
	key := channel + "|fail"
	if success {
		key = channel + "|ok"
	}
	incrementCounter(&t.commands, key)
}

// GetCommandCounts returns a copy of command counts keyed "channel|ok" or
// "channel|fail".
func (t *Tracker) GetCommandCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	t.commands.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// Frames returns the cumulative frame count.
func (t *Tracker) Frames() uint64 {
	return t.frames.Load()
}

// Saves returns successful and failed save counts.
func (t *Tracker) Saves() (ok, failed uint64) {
	return t.saves.Load(), t.saveErrors.Load()
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	lines := make([]string, 0, 3)
	lines = append(lines, fmt.Sprintf("Frames: %s | Broadcasts: %s | Uptime: %s",
		humanize.Comma(int64(t.frames.Load())),
		humanize.Comma(int64(t.broadcasts.Load())),
		t.GetUptime().Truncate(time.Second)))
	lines = append(lines, fmt.Sprintf("Saves: %d ok / %d failed (%s rows) | Backups: %d",
		t.saves.Load(), t.saveErrors.Load(),
		humanize.Comma(int64(t.savedRows.Load())),
		t.backups.Load()))
	lines = append(lines, formatMapCounts("Commands", &t.commands))
	return lines
}

func formatMapCounts(label string, counts *sync.Map) string {
	keys := make([]string, 0, 8)
	values := make(map[string]uint64)
	counts.Range(func(key, value any) bool {
		k := key.(string)
		keys = append(keys, k)
		values[k] = value.(*atomic.Uint64).Load()
		return true
	})
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(keys) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%d", k, values[k])
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
