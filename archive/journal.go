// Package archive keeps a durable journal of operator commands in SQLite.
// Writes are queued and inserted in batches off the command path; when the
// queue is full the entry is dropped and counted rather than delaying a
// command. Old entries are removed on a retention schedule.
package archive

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"teststand/config"
	"teststand/sqliteutil"

	_ "modernc.org/sqlite"
)

// Entry is one journaled command outcome.
type Entry struct {
	At        time.Time
	RequestID string
	Channel   string
	Command   string
	Success   bool
	Response  string
	Error     string
	Latency   time.Duration
}

// Journal persists entries asynchronously.
type Journal struct {
	cfg   config.ArchiveConfig
	db    *sql.DB
	queue chan Entry
	stop  chan struct{}
	wg    sync.WaitGroup

	stopOnce sync.Once
	dropped  atomic.Uint64
	written  atomic.Uint64
}

// Open checks the database file, opens it and ensures the schema. Call
// Start to begin processing.
func Open(cfg config.ArchiveConfig) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}
	busy := time.Duration(cfg.BusyTimeoutMS) * time.Millisecond
	if _, err := sqliteutil.Verify(cfg.DBPath, "journal", busy, log.Printf); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(fmt.Sprintf(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=%d`, cfg.BusyTimeoutMS)); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	qsize := cfg.QueueSize
	if qsize <= 0 {
		qsize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchIntervalMS <= 0 {
		cfg.BatchIntervalMS = 500
	}
	return &Journal{
		cfg:   cfg,
		db:    db,
		queue: make(chan Entry, qsize),
		stop:  make(chan struct{}),
	}, nil
}

// Start launches the insert and cleanup loops.
func (j *Journal) Start() {
	j.wg.Add(2)
	go j.insertLoop()
	go j.cleanupLoop()
}

// Stop flushes queued entries and closes the database.
func (j *Journal) Stop() {
	if j == nil {
		return
	}
	j.stopOnce.Do(func() {
		close(j.stop)
		j.wg.Wait()
		_ = j.db.Close()
	})
}

// Record queues an entry without blocking. It returns false if the entry
// was dropped.
func (j *Journal) Record(e Entry) bool {
	if j == nil {
		return false
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case j.queue <- e:
		return true
	default:
		j.dropped.Add(1)
		return false
	}
}

// Dropped returns how many entries were discarded on a full queue.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Written returns how many entries were inserted.
func (j *Journal) Written() uint64 {
	return j.written.Load()
}

func (j *Journal) insertLoop() {
	defer j.wg.Done()
	interval := time.Duration(j.cfg.BatchIntervalMS) * time.Millisecond
	batch := make([]Entry, 0, j.cfg.BatchSize)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-j.stop:
			for {
				select {
				case e := <-j.queue:
					batch = append(batch, e)
				default:
					j.flush(batch)
					return
				}
			}
		case e := <-j.queue:
			batch = append(batch, e)
			if len(batch) >= j.cfg.BatchSize {
				j.flush(batch)
				batch = batch[:0]
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(interval)
			}
		case <-timer.C:
			if len(batch) > 0 {
				j.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(interval)
		}
	}
}

func (j *Journal) flush(batch []Entry) {
	if len(batch) == 0 {
		return
	}
	tx, err := j.db.Begin()
	if err != nil {
		log.Printf("Archive: begin tx: %v", err)
		return
	}
	stmt, err := tx.Prepare(`insert into commands(ts_ms, request_id, channel, command, success, response, error, latency_ms) values(?,?,?,?,?,?,?,?)`)
	if err != nil {
		log.Printf("Archive: prepare: %v", err)
		_ = tx.Rollback()
		return
	}
	inserted := 0
	for _, e := range batch {
		if _, err := stmt.Exec(
			e.At.UTC().UnixMilli(),
			e.RequestID,
			e.Channel,
			e.Command,
			boolToInt(e.Success),
			e.Response,
			e.Error,
			e.Latency.Milliseconds(),
		); err != nil {
			log.Printf("Archive: insert failed: %v", err)
			continue
		}
		inserted++
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		log.Printf("Archive: commit: %v", err)
		return
	}
	j.written.Add(uint64(inserted))
}

func (j *Journal) cleanupLoop() {
	defer j.wg.Done()
	interval := time.Duration(j.cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			j.cleanupOnce(time.Now().UTC())
		}
	}
}

// cleanupOnce deletes entries older than the retention window.
func (j *Journal) cleanupOnce(now time.Time) int64 {
	days := j.cfg.RetentionDays
	if days <= 0 {
		return 0
	}
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	res, err := j.db.Exec(`delete from commands where ts_ms < ?`, cutoff)
	if err != nil {
		log.Printf("Archive: cleanup: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	return n
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists commands (
		id integer primary key autoincrement,
		ts_ms integer not null,
		request_id text,
		channel text not null,
		command text,
		success integer,
		response text,
		error text,
		latency_ms integer
	);
	create index if not exists idx_commands_ts on commands(ts_ms);
	create index if not exists idx_commands_channel_ts on commands(channel, ts_ms);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("archive: schema: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Recent returns the newest entries, optionally limited to one channel.
func (j *Journal) Recent(limit int, channel string) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("archive: journal is nil")
	}
	if limit <= 0 {
		return []Entry{}, nil
	}
	query := `select ts_ms, request_id, channel, command, success, response, error, latency_ms from commands`
	args := []any{}
	if channel != "" {
		query += ` where channel = ?`
		args = append(args, channel)
	}
	query += ` order by ts_ms desc, id desc limit ?`
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			ts        int64
			requestID sql.NullString
			e         Entry
			success   int
			response  sql.NullString
			errText   sql.NullString
			latencyMS int64
		)
		if err := rows.Scan(&ts, &requestID, &e.Channel, &e.Command, &success, &response, &errText, &latencyMS); err != nil {
			return nil, fmt.Errorf("archive: scan recent: %w", err)
		}
		e.At = time.UnixMilli(ts).UTC()
		e.RequestID = requestID.String
		e.Success = success > 0
		e.Response = response.String
		e.Error = errText.String
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate recent: %w", err)
	}
	return out, nil
}
