// Package persist writes buffered telemetry to disk. It owns three mechanisms
// that all work from a buffer snapshot: compressed columnar snapshot files
// written on a schedule (followed by rotation), raw crash backups written
// without touching the live buffer, and startup recovery from the newest
// crash backup.
package persist

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"teststand/buffer"
	"teststand/telemetry"
)

const (
	snapshotPrefix = "sensor_log_"
	snapshotSuffix = ".tlm"
	backupPrefix   = "buffer_backup_"
	backupSuffix   = ".bin"

	nameLayout = "20060102_150405.000"

	// maxNameAttempts bounds the millisecond bump when names collide.
	maxNameAttempts = 1000

	// DefaultReadRows bounds Read when the caller does not.
	DefaultReadRows = 1000
)

var (
	// ErrEmptyBuffer is returned by Save when there is nothing to write.
	ErrEmptyBuffer = errors.New("persist: buffer is empty")
	// ErrInvalidName is returned by Read for names outside the snapshot namespace.
	ErrInvalidName = errors.New("persist: invalid file name")
)

// Options configures a Store.
type Options struct {
	Dir         string
	Compression Compression
	MaxFiles    int
	Now         func() time.Time
}

// Store manages the snapshot directory.
type Store struct {
	dir      string
	codec    Compression
	maxFiles int
	now      func() time.Time

	// nameMu serializes name allocation; last holds the newest name per prefix
	// so a name freed by rotation is never handed out again.
	nameMu sync.Mutex
	last   map[string]string
	// saveMu serializes snapshot saves; snapshot+consume must not interleave.
	saveMu sync.Mutex
}

// SaveResult describes a written snapshot file.
type SaveResult struct {
	Name  string
	Rows  int
	Bytes int64
	Codec Compression
}

// RecoverResult describes a startup recovery attempt.
type RecoverResult struct {
	Name    string
	Rows    int
	Deleted int
}

// FileInfo describes one snapshot file for listing.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	SizeText string    `json:"size_human"`
	Modified time.Time `json:"modified"`
}

// FileData is the bounded content of one snapshot file.
type FileData struct {
	Name      string               `json:"name"`
	Columns   []string             `json:"columns"`
	TotalRows int                  `json:"total_rows"`
	Data      map[string][]float64 `json:"data"`
}

// New creates the directory if needed and returns a Store.
func New(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("persist: directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create dir: %w", err)
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		dir:      opts.Dir,
		codec:    opts.Compression,
		maxFiles: opts.MaxFiles,
		now:      opts.Now,
		last:     make(map[string]string),
	}, nil
}

// Dir returns the snapshot directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the current buffer contents to a new snapshot file and, only
// after the write succeeded, removes the saved rows from the buffer. A failed
// write leaves the buffer untouched so the next cycle retries with more data.
func (s *Store) Save(buf *buffer.RingBuffer) (SaveResult, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	snap := buf.Snapshot()
	if snap.Len() == 0 {
		return SaveResult{}, ErrEmptyBuffer
	}
	// Backups named up to here hold only rows this snapshot covers.
	backupCutoff := s.lastName(backupPrefix)
	data, err := encodeColumnar(snap, s.codec)
	if err != nil {
		log.Printf("Persist: encode snapshot failed: %v", err)
		return SaveResult{}, fmt.Errorf("persist: encode snapshot: %w", err)
	}
	name, err := s.writeUnique(snapshotPrefix, snapshotSuffix, data)
	if err != nil {
		log.Printf("Persist: snapshot write failed, keeping %d buffered rows: %v", snap.Len(), err)
		return SaveResult{}, fmt.Errorf("persist: write snapshot: %w", err)
	}
	buf.Consume(snap.Len())

	res := SaveResult{Name: name, Rows: snap.Len(), Bytes: int64(len(data)), Codec: Compression(data[5])}
	log.Printf("Persist: saved %s rows to %s (%s, %s)",
		humanize.Comma(int64(res.Rows)), name, humanize.IBytes(uint64(res.Bytes)), res.Codec)
	if removed, err := s.Rotate(); err != nil {
		log.Printf("Persist: rotation failed: %v", err)
	} else if removed > 0 {
		log.Printf("Persist: rotation removed %d old snapshot(s)", removed)
	}
	if backupCutoff != "" {
		s.removeBackups(func(name string) bool { return name <= backupCutoff })
	}
	return res, nil
}

// Backup writes the current buffer contents to a raw crash-backup file
// without modifying the buffer. An empty buffer writes nothing.
func (s *Store) Backup(buf *buffer.RingBuffer) (string, error) {
	snap := buf.Snapshot()
	if snap.Len() == 0 {
		return "", nil
	}
	name, err := s.writeUnique(backupPrefix, backupSuffix, encodeBackup(snap))
	if err != nil {
		return "", fmt.Errorf("persist: write backup: %w", err)
	}
	// Recovery only ever loads the newest backup.
	s.removeBackups(func(old string) bool { return old < name })
	return name, nil
}

// removeBackups deletes the backup files selected by match and returns how
// many were removed.
func (s *Store) removeBackups(match func(name string) bool) int {
	names, err := s.names(backupPrefix, backupSuffix)
	if err != nil {
		log.Printf("Persist: backup cleanup failed: %v", err)
		return 0
	}
	removed := 0
	for _, name := range names {
		if !match(name) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("Persist: failed to remove backup %s: %v", name, err)
			continue
		}
		removed++
	}
	return removed
}

func (s *Store) lastName(prefix string) string {
	s.nameMu.Lock()
	defer s.nameMu.Unlock()
	return s.last[prefix]
}

// Recover loads the newest crash backup into buf and then deletes every
// backup file, whether or not the load worked.
func (s *Store) Recover(buf *buffer.RingBuffer) (RecoverResult, error) {
	names, err := s.names(backupPrefix, backupSuffix)
	if err != nil {
		return RecoverResult{}, err
	}
	if len(names) == 0 {
		return RecoverResult{}, nil
	}

	res := RecoverResult{Name: names[len(names)-1]}
	var loadErr error
	data, err := os.ReadFile(filepath.Join(s.dir, res.Name))
	if err != nil {
		loadErr = fmt.Errorf("persist: read backup %s: %w", res.Name, err)
	} else if snap, err := decodeBackup(data); err != nil {
		loadErr = fmt.Errorf("persist: decode backup %s: %w", res.Name, err)
	} else {
		res.Rows = buf.Restore(snap)
	}

	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("Persist: failed to remove backup %s: %v", name, err)
			continue
		}
		res.Deleted++
	}
	return res, loadErr
}

// Rotate deletes the oldest snapshot files until at most MaxFiles remain.
func (s *Store) Rotate() (int, error) {
	names, err := s.names(snapshotPrefix, snapshotSuffix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for len(names)-removed > s.maxFiles {
		if err := os.Remove(filepath.Join(s.dir, names[removed])); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("persist: remove %s: %w", names[removed], err)
		}
		removed++
	}
	return removed, nil
}

// List returns snapshot files, newest first.
func (s *Store) List() ([]FileInfo, error) {
	names, err := s.names(snapshotPrefix, snapshotSuffix)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		info, err := os.Stat(filepath.Join(s.dir, names[i]))
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:     names[i],
			Size:     info.Size(),
			SizeText: humanize.Bytes(uint64(info.Size())),
			Modified: info.ModTime(),
		})
	}
	return out, nil
}

// Read returns up to maxRows rows of every column of a snapshot file, plus
// the file's total row count. maxRows <= 0 means DefaultReadRows.
func (s *Store) Read(name string, maxRows int) (FileData, error) {
	if !validSnapshotName(name) {
		return FileData{}, ErrInvalidName
	}
	if maxRows <= 0 {
		maxRows = DefaultReadRows
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return FileData{}, fmt.Errorf("persist: read %s: %w", name, err)
	}
	file, err := decodeColumnar(data)
	if err != nil {
		return FileData{}, fmt.Errorf("persist: decode %s: %w", name, err)
	}
	return file.bounded(name, maxRows), nil
}

func (f columnarFile) bounded(name string, maxRows int) FileData {
	total := f.snap.Len()
	n := total
	if n > maxRows {
		n = maxRows
	}
	out := FileData{Name: name, Columns: f.columns, TotalRows: total, Data: make(map[string][]float64, len(f.columns))}
	ts := make([]float64, n)
	copy(ts, f.snap.Timestamps[:n])
	out.Data[f.columns[0]] = ts
	for c := 0; c < telemetry.NumColumns; c++ {
		col := make([]float64, n)
		for i := 0; i < n; i++ {
			col[i] = float64(f.snap.Rows[i][c])
		}
		out.Data[f.columns[c+1]] = col
	}
	return out
}

// Load decodes a snapshot file in full.
func (s *Store) Load(name string) (buffer.Snapshot, error) {
	if !validSnapshotName(name) {
		return buffer.Snapshot{}, ErrInvalidName
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return buffer.Snapshot{}, fmt.Errorf("persist: read %s: %w", name, err)
	}
	file, err := decodeColumnar(data)
	if err != nil {
		return buffer.Snapshot{}, fmt.Errorf("persist: decode %s: %w", name, err)
	}
	return file.snap, nil
}

func validSnapshotName(name string) bool {
	if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return filepath.Base(name) == name
}

// names returns matching file names in ascending (chronological) order.
func (s *Store) names(prefix, suffix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("persist: list %s: %w", s.dir, err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// writeUnique writes data under a capture-time name that has not been used,
// going through a temp file so readers never see a partial file.
func (s *Store) writeUnique(prefix, suffix string, data []byte) (string, error) {
	s.nameMu.Lock()
	defer s.nameMu.Unlock()

	at := s.now().UTC()
	name := ""
	for i := 0; i < maxNameAttempts; i++ {
		candidate := prefix + at.Format(nameLayout) + suffix
		at = at.Add(time.Millisecond)
		if candidate <= s.last[prefix] {
			continue
		}
		_, err := os.Stat(filepath.Join(s.dir, candidate))
		if errors.Is(err, os.ErrNotExist) {
			name = candidate
			break
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}
	if name == "" {
		return "", fmt.Errorf("no free %s name after %d attempts", prefix, maxNameAttempts)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+prefix+"*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	s.last[prefix] = name
	return name, nil
}
