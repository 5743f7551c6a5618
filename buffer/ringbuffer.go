// Package buffer holds telemetry rows between saves. The buffer fills once:
// rows are appended until capacity is reached, after which new rows are
// dropped (and counted) until a successful save consumes the saved prefix.
// There is no wraparound; old rows are never overwritten.
package buffer

import (
	"log"
	"sync"
	"time"

	"teststand/internal/ratelimit"
	"teststand/telemetry"
)

// Snapshot is a point-in-time copy of the valid rows.
type Snapshot struct {
	Timestamps []float64
	Rows       []telemetry.Row
}

// Len returns the number of rows in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Timestamps)
}

// Stats describes the buffer fill level.
type Stats struct {
	Index    int
	Capacity int
	Dropped  uint64
	Appended uint64
}

// Utilization returns the fill ratio in [0,1].
func (s Stats) Utilization() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Index) / float64(s.Capacity)
}

// RingBuffer stores timestamps at full precision and sensor rows at reduced
// precision in two parallel arrays guarded by one mutex.
type RingBuffer struct {
	mu         sync.Mutex
	timestamps []float64
	rows       []telemetry.Row
	w          int

	warnAt   int
	warned   bool
	appended uint64
	dropped  uint64
	dropLog  *ratelimit.Counter
}

// NewRingBuffer allocates a buffer of the given capacity. A warning is logged
// once when the fill level crosses warnRatio.
func NewRingBuffer(capacity int, warnRatio float64) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if warnRatio <= 0 || warnRatio > 1 {
		warnRatio = 0.9
	}
	warnAt := int(float64(capacity) * warnRatio)
	if warnAt < 1 {
		warnAt = 1
	}
	return &RingBuffer{
		timestamps: make([]float64, capacity),
		rows:       make([]telemetry.Row, capacity),
		warnAt:     warnAt,
		dropLog:    ratelimit.NewCounter(10 * time.Second),
	}
}

// Capacity returns the fixed row capacity.
func (rb *RingBuffer) Capacity() int {
	return len(rb.rows)
}

// Append stores one frame. It returns false when the buffer is full and the
// frame was dropped.
func (rb *RingBuffer) Append(frame *telemetry.Frame) bool {
	return rb.AppendRow(frame.UnixSeconds(), frame.Row())
}

// AppendRow stores one row.
func (rb *RingBuffer) AppendRow(ts float64, row telemetry.Row) bool {
	rb.mu.Lock()
	if rb.w >= len(rb.rows) {
		rb.dropped++
		rb.mu.Unlock()
		if total, ok := rb.dropLog.Inc(); ok {
			log.Printf("Buffer: full (%d rows), dropping frames (%d dropped)", len(rb.rows), total)
		}
		return false
	}
	rb.timestamps[rb.w] = ts
	rb.rows[rb.w] = row
	rb.w++
	rb.appended++
	warn := !rb.warned && rb.w >= rb.warnAt
	if warn {
		rb.warned = true
	}
	w, capacity := rb.w, len(rb.rows)
	rb.mu.Unlock()

	if warn {
		log.Printf("Buffer: %d%% full (%d/%d rows)", w*100/capacity, w, capacity)
	}
	return true
}

// Snapshot copies rows [0, w).
func (rb *RingBuffer) Snapshot() Snapshot {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	snap := Snapshot{
		Timestamps: make([]float64, rb.w),
		Rows:       make([]telemetry.Row, rb.w),
	}
	copy(snap.Timestamps, rb.timestamps[:rb.w])
	copy(snap.Rows, rb.rows[:rb.w])
	return snap
}

// Reset discards every row.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	rb.w = 0
	rb.warned = false
	rb.mu.Unlock()
}

// Consume discards the first n rows, typically the rows of a snapshot that was
// just persisted. Rows appended after that snapshot move to the front. With no
// appends in between this is equivalent to Reset.
func (rb *RingBuffer) Consume(n int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if n <= 0 {
		return
	}
	if n >= rb.w {
		rb.w = 0
	} else {
		copy(rb.timestamps, rb.timestamps[n:rb.w])
		copy(rb.rows, rb.rows[n:rb.w])
		rb.w -= n
	}
	if rb.w < rb.warnAt {
		rb.warned = false
	}
}

// Restore replaces the buffer contents with recovered rows. When there are
// more rows than capacity the newest rows are kept. It returns the number of
// rows restored.
func (rb *RingBuffer) Restore(snap Snapshot) int {
	n := snap.Len()
	if len(snap.Rows) < n {
		n = len(snap.Rows)
	}
	start := 0
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if n > len(rb.rows) {
		start = n - len(rb.rows)
	}
	copy(rb.timestamps, snap.Timestamps[start:n])
	copy(rb.rows, snap.Rows[start:n])
	rb.w = n - start
	rb.warned = rb.w >= rb.warnAt
	return rb.w
}

// Len returns the current write index.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.w
}

// Stats returns the current fill level and counters.
func (rb *RingBuffer) Stats() Stats {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return Stats{Index: rb.w, Capacity: len(rb.rows), Dropped: rb.dropped, Appended: rb.appended}
}
