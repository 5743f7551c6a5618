package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"teststand/config"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05.000"
	logFileDateLayout  = "2006-01-02"
	logFilePrefix      = "teststand-"
	maxPartialLogBytes = 16 * 1024
)

// lineSink receives complete log lines.
type lineSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

type consoleSink struct {
	w          io.Writer
	timestamps bool
}

func (s *consoleSink) WriteLine(line string, now time.Time) {
	if s.timestamps {
		line = now.UTC().Format(logTimestampLayout) + " " + line
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

func (s *consoleSink) Close() error { return nil }

// dailySink appends to one file per UTC day and prunes files older than the
// retention window whenever it opens a new day.
type dailySink struct {
	mu        sync.Mutex
	dir       string
	retention int
	day       string
	file      *os.File
	lastErrAt time.Time
}

func newDailySink(dir string, retentionDays int) (*dailySink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	return &dailySink{dir: dir, retention: retentionDays}, nil
}

func (s *dailySink) WriteLine(line string, now time.Time) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if day := now.Format(logFileDateLayout); s.file == nil || s.day != day {
		s.openLocked(day, now)
	}
	if s.file == nil {
		return
	}
	if _, err := s.file.WriteString(now.Format(logTimestampLayout) + " " + line + "\n"); err != nil {
		s.reportLocked(now, fmt.Errorf("write: %w", err))
	}
}

func (s *dailySink) openLocked(day string, now time.Time) {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, logFilePrefix+day+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.reportLocked(now, fmt.Errorf("open %s: %w", path, err))
		return
	}
	s.file = f
	s.day = day
	if err := pruneLogs(s.dir, now, s.retention); err != nil {
		s.reportLocked(now, fmt.Errorf("prune: %w", err))
	}
}

// reportLocked writes sink failures to stderr at most once a minute; the
// logger itself cannot be used here.
func (s *dailySink) reportLocked(now time.Time, err error) {
	if !s.lastErrAt.IsZero() && now.Sub(s.lastErrAt) < time.Minute {
		return
	}
	s.lastErrAt = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

func (s *dailySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.day = ""
	return err
}

// logFanout is the log.Logger output: it splits writes into lines and
// hands each line to the console and file sinks.
type logFanout struct {
	mu    sync.Mutex
	buf   []byte
	sinks []lineSink
}

func setupLogging(cfg config.LoggingConfig, console io.Writer, timestamps bool) (*logFanout, error) {
	f := &logFanout{sinks: []lineSink{&consoleSink{w: console, timestamps: timestamps}}}
	if !cfg.Enabled {
		return f, nil
	}
	sink, err := newDailySink(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return f, err
	}
	f.sinks = append(f.sinks, sink)
	return f, nil
}

func (f *logFanout) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.buf = append(f.buf, p...)
	var lines []string
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(f.buf[:idx], "\r")))
		f.buf = f.buf[idx+1:]
	}
	if len(f.buf) > maxPartialLogBytes {
		lines = append(lines, string(f.buf))
		f.buf = nil
	}
	sinks := f.sinks
	f.mu.Unlock()

	now := time.Now()
	for _, line := range lines {
		for _, s := range sinks {
			s.WriteLine(line, now)
		}
	}
	return len(p), nil
}

func (f *logFanout) Close() error {
	f.mu.Lock()
	sinks := f.sinks
	f.mu.Unlock()
	var firstErr error
	for _, s := range sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func parseLogFileDate(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, logFilePrefix) || filepath.Ext(name) != ".log" {
		return time.Time{}, false
	}
	day := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), ".log")
	t, err := time.ParseInLocation(logFileDateLayout, day, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// pruneLogs keeps the newest retentionDays days of log files, today included.
func pruneLogs(dir string, now time.Time, retentionDays int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	y, m, d := now.UTC().Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(retentionDays - 1))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if day, ok := parseLogFileDate(e.Name()); ok && day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
