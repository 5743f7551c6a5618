package buffer

import (
	"testing"

	"teststand/telemetry"
)

func rowOf(v float32) telemetry.Row {
	var r telemetry.Row
	for i := range r {
		r[i] = v
	}
	return r
}

// Purpose: Verify the buffer fills once and then drops.
// Key aspects: Index grows by one per accepted row and stops at capacity.
// Upstream: go test.
// Downstream: RingBuffer.AppendRow, Stats.
func TestAppendFillsOnceThenDrops(t *testing.T) {
	rb := NewRingBuffer(3, 0.9)
	for i := 0; i < 3; i++ {
		if !rb.AppendRow(float64(i), rowOf(float32(i))) {
			t.Fatalf("append %d rejected below capacity", i)
		}
		if rb.Len() != i+1 {
			t.Fatalf("expected index %d, got %d", i+1, rb.Len())
		}
	}
	for i := 0; i < 2; i++ {
		if rb.AppendRow(99, rowOf(99)) {
			t.Fatalf("expected append to be dropped at capacity")
		}
	}
	st := rb.Stats()
	if st.Index != 3 || st.Dropped != 2 || st.Appended != 3 {
		t.Fatalf("unexpected stats %+v", st)
	}
	snap := rb.Snapshot()
	if snap.Rows[2][0] != 2 || snap.Timestamps[2] != 2 {
		t.Fatalf("overflow overwrote stored rows: %+v", snap.Rows[2])
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	rb := NewRingBuffer(4, 0.9)
	rb.AppendRow(1, rowOf(1))
	snap := rb.Snapshot()
	snap.Rows[0][0] = 42
	if again := rb.Snapshot(); again.Rows[0][0] != 1 {
		t.Fatalf("snapshot aliases buffer storage")
	}
	if snap.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", snap.Len())
	}
}

// Purpose: Verify Consume keeps rows appended after a snapshot.
// Key aspects: Rows shift to the front in order.
// Upstream: go test.
// Downstream: RingBuffer.Consume.
func TestConsumeKeepsLaterRows(t *testing.T) {
	rb := NewRingBuffer(5, 0.9)
	rb.AppendRow(1, rowOf(1))
	rb.AppendRow(2, rowOf(2))
	snap := rb.Snapshot()
	rb.AppendRow(3, rowOf(3))

	rb.Consume(snap.Len())
	after := rb.Snapshot()
	if after.Len() != 1 || after.Timestamps[0] != 3 || after.Rows[0][5] != 3 {
		t.Fatalf("unexpected rows after consume: %+v", after)
	}

	rb.Consume(10)
	if rb.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d", rb.Len())
	}
}

func TestResetClearsIndex(t *testing.T) {
	rb := NewRingBuffer(2, 0.5)
	rb.AppendRow(1, rowOf(1))
	rb.AppendRow(2, rowOf(2))
	rb.Reset()
	if rb.Len() != 0 {
		t.Fatalf("expected reset index 0, got %d", rb.Len())
	}
	if !rb.AppendRow(3, rowOf(3)) {
		t.Fatalf("expected append after reset")
	}
}

func TestRestoreKeepsTail(t *testing.T) {
	rb := NewRingBuffer(2, 0.9)
	snap := Snapshot{
		Timestamps: []float64{1, 2, 3},
		Rows:       []telemetry.Row{rowOf(1), rowOf(2), rowOf(3)},
	}
	if n := rb.Restore(snap); n != 2 {
		t.Fatalf("expected 2 restored rows, got %d", n)
	}
	got := rb.Snapshot()
	if got.Timestamps[0] != 2 || got.Timestamps[1] != 3 {
		t.Fatalf("expected newest rows kept, got %v", got.Timestamps)
	}
}

func TestAppendFrame(t *testing.T) {
	rb := NewRingBuffer(1, 0.9)
	frame := telemetry.FromRow(12.5, rowOf(7))
	if !rb.Append(&frame) {
		t.Fatalf("expected append")
	}
	snap := rb.Snapshot()
	if snap.Timestamps[0] != 12.5 || snap.Rows[0] != rowOf(7) {
		t.Fatalf("unexpected stored row %v @ %v", snap.Rows[0], snap.Timestamps[0])
	}
	if u := rb.Stats().Utilization(); u != 1 {
		t.Fatalf("expected utilization 1, got %v", u)
	}
}
