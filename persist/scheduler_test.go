package persist

import (
	"sync"
	"testing"

	"teststand/buffer"
)

// Purpose: Verify row-count triggers fire backups and saves.
// Key aspects: Backups leave rows in place; saves consume them.
// Upstream: go test.
// Downstream: Scheduler.Accepted.
func TestSchedulerRowTriggers(t *testing.T) {
	store := testStore(t, CompressionZstd, 10)
	buf := buffer.NewRingBuffer(100, 0.9)

	var (
		mu      sync.Mutex
		saves   []SaveResult
		backups []string
	)
	sched := NewScheduler(store, buf, SchedulerOptions{
		SaveEvery:   10,
		BackupEvery: 4,
		OnSave: func(res SaveResult, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				saves = append(saves, res)
			}
		},
		OnBackup: func(name string, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err == nil && name != "" {
				backups = append(backups, name)
			}
		},
	})

	for i := 0; i < 4; i++ {
		fill(buf, 1)
		sched.Accepted()
	}
	sched.Wait()
	if buf.Len() != 4 {
		t.Fatalf("backup must not consume rows, got %d", buf.Len())
	}
	for i := 0; i < 6; i++ {
		fill(buf, 1)
		sched.Accepted()
		sched.Wait()
	}

	mu.Lock()
	defer mu.Unlock()
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups, got %d", len(backups))
	}
	if len(saves) != 1 || saves[0].Rows != 10 {
		t.Fatalf("expected one save of 10 rows, got %+v", saves)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected buffer consumed by save, got %d", buf.Len())
	}
}

func TestSaveNowReportsEmpty(t *testing.T) {
	store := testStore(t, CompressionZstd, 10)
	called := false
	sched := NewScheduler(store, buffer.NewRingBuffer(10, 0.9), SchedulerOptions{
		OnSave: func(SaveResult, error) { called = true },
	})
	if _, err := sched.SaveNow(); err != ErrEmptyBuffer {
		t.Fatalf("expected ErrEmptyBuffer, got %v", err)
	}
	if called {
		t.Fatalf("empty saves should not be reported")
	}
}

func TestSchedulerBackupsDoNotAccumulate(t *testing.T) {
	store := testStore(t, CompressionNone, 10)
	buf := buffer.NewRingBuffer(5000, 0.9)
	sched := NewScheduler(store, buf, SchedulerOptions{SaveEvery: 1_000_000, BackupEvery: 100})
	for i := 0; i < 2000; i++ {
		fill(buf, 1)
		sched.Accepted()
		if i%100 == 99 {
			sched.Wait()
		}
	}
	sched.Wait()
	if files := backupFiles(t, store.Dir()); len(files) != 1 {
		t.Fatalf("expected one crash backup on disk, got %d", len(files))
	}
}
