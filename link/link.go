package link

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned for operations on a closed link.
	ErrClosed = errors.New("link: closed")
	// ErrNoResponse is returned when a request gets no reply in time.
	ErrNoResponse = errors.New("link: no response")
)

const (
	readChunk     = 4096
	maxPendingLen = 64 * 1024
)

// ResultKind classifies a read attempt.
type ResultKind int

const (
	ResultData ResultKind = iota
	ResultTimeout
	ResultClosed
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultData:
		return "data"
	case ResultTimeout:
		return "timeout"
	case ResultClosed:
		return "closed"
	default:
		return "error"
	}
}

// ReadResult is the outcome of one ReadLine call. Link I/O failures are
// reported here instead of as Go errors so the caller can drive its state
// machine from a single value.
type ReadResult struct {
	Kind ResultKind
	Line string
	Err  error
}

// Link is an open serial device bound to a role. One mutex covers reads and
// writes so command writes never interleave with a partial read.
type Link struct {
	role string
	path string
	mode Mode

	mu      sync.Mutex
	port    Port
	pending []byte
	chunk   []byte

	closed   atomic.Bool
	lastRx   atomic.Int64
	rxLines  atomic.Uint64
	txWrites atomic.Uint64
}

// NewLink wraps an open port.
func NewLink(role, path string, mode Mode, port Port) *Link {
	l := &Link{role: role, path: path, mode: mode, port: port, chunk: make([]byte, readChunk)}
	l.lastRx.Store(time.Now().UnixNano())
	return l
}

// Role returns the link role.
func (l *Link) Role() string { return l.role }

// Path returns the device path.
func (l *Link) Path() string { return l.path }

// Mode returns the link framing.
func (l *Link) Mode() Mode { return l.mode }

// Closed reports whether Close has been called.
func (l *Link) Closed() bool { return l.closed.Load() }

// LastReceived returns the time of the last received line.
func (l *Link) LastReceived() time.Time {
	return time.Unix(0, l.lastRx.Load())
}

// Counters returns received lines and completed writes.
func (l *Link) Counters() (rx, tx uint64) {
	return l.rxLines.Load(), l.txWrites.Load()
}

// ReadLine returns the next complete line, waiting at most one port read
// timeout for more bytes.
func (l *Link) ReadLine() ReadResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked()
}

func (l *Link) readLocked() ReadResult {
	if l.closed.Load() {
		return ReadResult{Kind: ResultClosed}
	}
	if line, ok := l.takeLine(); ok {
		return ReadResult{Kind: ResultData, Line: line}
	}
	n, err := l.port.Read(l.chunk)
	if err != nil {
		if l.closed.Load() {
			return ReadResult{Kind: ResultClosed}
		}
		return ReadResult{Kind: ResultError, Err: fmt.Errorf("link: read %s: %w", l.path, err)}
	}
	if n == 0 {
		return ReadResult{Kind: ResultTimeout}
	}
	l.pending = append(l.pending, l.chunk[:n]...)
	if line, ok := l.takeLine(); ok {
		return ReadResult{Kind: ResultData, Line: line}
	}
	if len(l.pending) > maxPendingLen {
		l.pending = l.pending[:0]
	}
	return ReadResult{Kind: ResultTimeout}
}

// takeLine pops one non-empty line from the pending bytes.
func (l *Link) takeLine() (string, bool) {
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			return "", false
		}
		raw := l.pending[:i]
		line := strings.TrimSpace(strings.ToValidUTF8(string(raw), ""))
		l.pending = append(l.pending[:0], l.pending[i+1:]...)
		if line == "" {
			continue
		}
		l.lastRx.Store(time.Now().UnixNano())
		l.rxLines.Add(1)
		return line, true
	}
}

// Write sends raw bytes.
func (l *Link) Write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLocked(p)
}

// WriteLine sends s followed by a newline.
func (l *Link) WriteLine(s string) error {
	return l.Write([]byte(s + "\n"))
}

func (l *Link) writeLocked(p []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if _, err := l.port.Write(p); err != nil {
		return fmt.Errorf("link: write %s: %w", l.path, err)
	}
	l.txWrites.Add(1)
	return nil
}

// Request clears stale input, writes p and, when expect is set, returns the
// first line received within timeout.
func (l *Link) Request(p []byte, expect bool, timeout time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return "", ErrClosed
	}
	if err := l.port.ResetInputBuffer(); err != nil {
		return "", fmt.Errorf("link: reset input %s: %w", l.path, err)
	}
	l.pending = l.pending[:0]
	if err := l.writeLocked(p); err != nil {
		return "", err
	}
	if !expect {
		return "", nil
	}
	deadline := time.Now().Add(timeout)
	for {
		res := l.readLocked()
		switch res.Kind {
		case ResultData:
			return res.Line, nil
		case ResultClosed:
			return "", ErrClosed
		case ResultError:
			return "", res.Err
		}
		if !time.Now().Before(deadline) {
			return "", ErrNoResponse
		}
	}
}

// Close closes the port. It is safe to call more than once.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Close without the mutex so a blocked read returns promptly.
	return l.port.Close()
}
