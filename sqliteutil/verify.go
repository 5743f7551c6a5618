// Package sqliteutil holds helpers shared by SQLite-backed stores.
package sqliteutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Report describes a Verify run.
type Report struct {
	Healthy     bool
	Quarantined string // main file destination when the database was moved aside
	Elapsed     time.Duration
	Cause       error
}

var sidecars = []string{"", "-wal", "-shm", "-journal"}

// Verify checkpoints the WAL and runs quick_check on path within timeout.
// A database that fails either step is renamed with a .bad-<ts> suffix, along
// with its sidecar files, so the caller can start with a fresh file. A
// missing file is created empty and reported healthy.
func Verify(path, role string, timeout time.Duration, logf func(string, ...any)) (Report, error) {
	var rep Report
	if strings.TrimSpace(path) == "" {
		return rep, errors.New("verify: empty path")
	}
	if logf == nil {
		logf = log.Printf
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cause, err := check(ctx, path, timeout)
	rep.Elapsed = time.Since(start)
	if err != nil {
		return rep, fmt.Errorf("verify %s db: %w", role, err)
	}
	if cause == nil {
		rep.Healthy = true
		return rep, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return rep, fmt.Errorf("verify %s db: timed out after %s", role, timeout)
	}
	rep.Cause = cause
	dest, err := quarantine(path, time.Now().UTC())
	if err != nil {
		return rep, fmt.Errorf("verify %s db: quarantine: %w (cause: %v)", role, err, cause)
	}
	rep.Quarantined = dest
	logf("SQLite: %s db failed check (%v); moved to %s", role, cause, dest)
	return rep, nil
}

// check returns a non-nil cause for an unhealthy database, and err only when
// the file could not be examined at all.
func check(ctx context.Context, path string, timeout time.Duration) (cause error, err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return err, nil
	}
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err), nil
	}
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return fmt.Errorf("quick_check: %w", err), nil
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return fmt.Errorf("quick_check: %w", err), nil
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status), nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("quick_check: %w", err), nil
	}
	return nil, nil
}

func quarantine(path string, now time.Time) (string, error) {
	suffix := ".bad-" + now.Format("20060102T150405Z")
	for _, ext := range sidecars {
		src := path + ext
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, src+suffix); err != nil {
			return "", err
		}
	}
	return path + suffix, nil
}
