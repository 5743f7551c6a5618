// Package statestore persists operator state (valve vector and system mode)
// in a small Pebble database so a restart resumes with the last commanded
// positions instead of all-closed.
package statestore

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	keyValves  = "state|valves"
	keyMode    = "state|mode"
	keyUpdated = "meta|updated"

	defaultCacheSizeBytes = int64(1 << 20)
)

var errStoreClosed = errors.New("statestore: store is closed")

// State is the persisted operator state.
type State struct {
	Valves  []int
	Mode    string
	Updated time.Time
}

// Store wraps the Pebble database.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the store in dir.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("statestore: directory is empty")
	}
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("statestore: %s exists and is not a directory", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: ensure directory: %w", err)
	}
	cache := pebble.NewCache(defaultCacheSizeBytes)
	db, err := pebble.Open(dir, &pebble.Options{Cache: cache})
	if err != nil {
		cache.Unref()
		return nil, fmt.Errorf("statestore: open: %w", err)
	}
	return &Store{db: db, cache: cache}, nil
}

// Load returns the stored state. ok is false when nothing has been saved.
func (s *Store) Load() (State, bool, error) {
	var st State
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return st, false, errStoreClosed
	}
	valves, found, err := s.get(keyValves)
	if err != nil {
		return st, false, err
	}
	mode, modeFound, err := s.get(keyMode)
	if err != nil {
		return st, false, err
	}
	if !found && !modeFound {
		return st, false, nil
	}
	st.Valves = decodeValves(valves)
	st.Mode = mode
	if raw, ok, err := s.get(keyUpdated); err == nil && ok {
		if ts, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			st.Updated = ts
		}
	}
	return st, true, nil
}

// SaveValves stores the valve vector durably.
func (s *Store) SaveValves(valves []int) error {
	return s.set(keyValves, encodeValves(valves))
}

// SaveMode stores the system mode durably.
func (s *Store) SaveMode(mode string) error {
	return s.set(keyMode, mode)
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.db.Close()
	s.cache.Unref()
	if err != nil {
		return fmt.Errorf("statestore: close: %w", err)
	}
	return nil
}

func (s *Store) set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(key), []byte(value), pebble.NoSync); err != nil {
		return fmt.Errorf("statestore: set %s: %w", key, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := batch.Set([]byte(keyUpdated), []byte(now), pebble.NoSync); err != nil {
		return fmt.Errorf("statestore: set %s: %w", keyUpdated, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("statestore: commit: %w", err)
	}
	return nil
}

func (s *Store) get(key string) (string, bool, error) {
	data, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("statestore: get %s: %w", key, err)
	}
	defer closer.Close()
	return string(data), true, nil
}

func encodeValves(valves []int) string {
	var b strings.Builder
	for _, v := range valves {
		if v != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

func decodeValves(raw string) []int {
	if raw == "" {
		return nil
	}
	out := make([]int, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] == '1' {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	}
	return out
}
