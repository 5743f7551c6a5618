package stats

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestIncrementCommandConcurrent(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.IncrementCommand("Valve", true)
			}
		}()
	}
	wg.Wait()
	tr.IncrementCommand("actuator", false)
	tr.IncrementCommand("  ", true)

	counts := tr.GetCommandCounts()
	if counts["valve|ok"] != 800 {
		t.Fatalf("expected 800 valve commands, got %d", counts["valve|ok"])
	}
	if counts["actuator|fail"] != 1 {
		t.Fatalf("expected 1 failed actuator command, got %d", counts["actuator|fail"])
	}
	if len(counts) != 2 {
		t.Fatalf("expected blank channel to be ignored, got %v", counts)
	}
}

func TestSnapshotLines(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 1500; i++ {
		tr.IncrementFrames()
	}
	tr.RecordSave(1200, nil)
	tr.RecordSave(0, errors.New("disk full"))
	tr.IncrementCommand("valve", true)
	tr.IncrementCommand("actuator", true)

	lines := tr.SnapshotLines()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "Frames: 1,500") {
		t.Fatalf("unexpected frames line %q", lines[0])
	}
	if !strings.Contains(lines[1], "1 ok / 1 failed (1,200 rows)") {
		t.Fatalf("unexpected saves line %q", lines[1])
	}
	if lines[2] != "Commands: actuator|ok=1, valve|ok=1" {
		t.Fatalf("unexpected commands line %q", lines[2])
	}
}

func TestSnapshotLinesEmpty(t *testing.T) {
	lines := NewTracker().SnapshotLines()
	if lines[2] != "Commands: (none)" {
		t.Fatalf("unexpected commands line %q", lines[2])
	}
}
