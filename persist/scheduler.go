package persist

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"teststand/buffer"
)

// SchedulerOptions configures the save and backup triggers.
type SchedulerOptions struct {
	// SaveEvery triggers a snapshot save after this many accepted rows.
	SaveEvery uint64
	// BackupEvery triggers a crash backup after this many accepted rows.
	BackupEvery uint64
	// Interval triggers a snapshot save on the wall clock.
	Interval time.Duration
	// OnSave observes every save attempt except empty-buffer skips.
	OnSave func(SaveResult, error)
	// OnBackup observes every backup attempt.
	OnBackup func(name string, err error)
}

// Scheduler drives saves and backups from the ingestion path. Row-count
// triggers run in their own goroutine so the ingestion loop never waits on
// disk; a trigger that fires while the previous task of the same kind is
// still running is skipped.
type Scheduler struct {
	store *Store
	buf   *buffer.RingBuffer
	opts  SchedulerOptions

	accepted  atomic.Uint64
	saving    atomic.Bool
	backingUp atomic.Bool
	skipped   atomic.Uint64
	inFlight  sync.WaitGroup
}

// NewScheduler binds a store to a buffer.
func NewScheduler(store *Store, buf *buffer.RingBuffer, opts SchedulerOptions) *Scheduler {
	if opts.SaveEvery == 0 {
		opts.SaveEvery = 10_000
	}
	if opts.BackupEvery == 0 {
		opts.BackupEvery = 1_000
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Minute
	}
	return &Scheduler{store: store, buf: buf, opts: opts}
}

// Accepted records one appended row and fires row-count triggers.
func (s *Scheduler) Accepted() {
	n := s.accepted.Add(1)
	if n%s.opts.BackupEvery == 0 {
		s.spawn(&s.backingUp, s.backup)
	}
	if n%s.opts.SaveEvery == 0 {
		s.spawn(&s.saving, func() { s.save() })
	}
}

func (s *Scheduler) spawn(busy *atomic.Bool, task func()) {
	if !busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return
	}
	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer busy.Store(false)
		task()
	}()
}

// Run saves on the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.saving.CompareAndSwap(false, true) {
				continue
			}
			s.save()
			s.saving.Store(false)
		}
	}
}

// SaveNow saves immediately on the caller's goroutine.
func (s *Scheduler) SaveNow() (SaveResult, error) {
	return s.save()
}

func (s *Scheduler) save() (SaveResult, error) {
	res, err := s.store.Save(s.buf)
	if errors.Is(err, ErrEmptyBuffer) {
		return res, err
	}
	if s.opts.OnSave != nil {
		s.opts.OnSave(res, err)
	}
	return res, err
}

func (s *Scheduler) backup() {
	name, err := s.store.Backup(s.buf)
	if err != nil {
		log.Printf("Persist: crash backup failed: %v", err)
	}
	if s.opts.OnBackup != nil {
		s.opts.OnBackup(name, err)
	}
}

// Wait blocks until triggered tasks have finished.
func (s *Scheduler) Wait() {
	s.inFlight.Wait()
}

// Skipped returns how many triggers were dropped because a task was running.
func (s *Scheduler) Skipped() uint64 {
	return s.skipped.Load()
}
