// Package linktest provides in-memory serial ports for exercising links
// without hardware.
package linktest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"teststand/link"
)

// ErrPortClosed is returned by reads and writes on a closed fake port.
var ErrPortClosed = errors.New("linktest: port closed")

// Port is an in-memory link.Port. Reads return queued chunks, or (0, nil)
// after a short pause when nothing is queued, like a serial read timeout.
type Port struct {
	// Respond, when set, is called for every write; the returned lines are
	// queued as device output.
	Respond func(written string) []string
	// Idle is the pause of an empty read.
	Idle time.Duration

	mu      sync.Mutex
	chunks  [][]byte
	writes  []string
	closed  bool
	readErr error
	resets  int
	mode    link.Mode
}

// NewPort returns an open, empty port.
func NewPort() *Port {
	return &Port{Idle: time.Millisecond}
}

// Feed queues lines as device output, each terminated by a newline.
func (p *Port) Feed(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range lines {
		p.chunks = append(p.chunks, []byte(line+"\n"))
	}
}

// FeedRaw queues raw bytes as device output.
func (p *Port) FeedRaw(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, append([]byte(nil), b...))
}

// FailReads makes every later read return err.
func (p *Port) FailReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
}

// Read implements io.Reader.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.chunks) == 0 {
		idle := p.Idle
		p.mu.Unlock()
		time.Sleep(idle)
		return 0, nil
	}
	chunk := p.chunks[0]
	n := copy(b, chunk)
	if n < len(chunk) {
		p.chunks[0] = chunk[n:]
	} else {
		p.chunks = p.chunks[1:]
	}
	p.mu.Unlock()
	return n, nil
}

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	s := string(b)
	p.writes = append(p.writes, s)
	respond := p.Respond
	p.mu.Unlock()
	if respond != nil {
		p.Feed(respond(s)...)
	}
	return len(b), nil
}

// Close implements io.Closer.
func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// SetReadTimeout implements link.Port.
func (p *Port) SetReadTimeout(time.Duration) error { return nil }

// ResetInputBuffer discards queued device output.
func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	p.chunks = nil
	p.resets++
	p.mu.Unlock()
	return nil
}

// Writes returns everything written so far.
func (p *Port) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// IsClosed reports whether Close was called since the last open.
func (p *Port) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Resets returns how many times the input buffer was cleared.
func (p *Port) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// Mode returns the framing of the last open.
func (p *Port) Mode() link.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Bench is a fake host with a fixed set of devices.
type Bench struct {
	mu      sync.Mutex
	devices []link.Device
	ports   map[string]*Port
	opens   []string
	listErr error
}

// NewBench returns an empty bench.
func NewBench() *Bench {
	return &Bench{ports: make(map[string]*Port)}
}

// Attach plugs a device in and returns its port.
func (b *Bench) Attach(dev link.Device) *Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := NewPort()
	b.devices = append(b.devices, dev)
	b.ports[dev.Path] = p
	return p
}

// Detach unplugs every device.
func (b *Bench) Detach() {
	b.mu.Lock()
	b.devices = nil
	b.mu.Unlock()
}

// Port returns the port of path.
func (b *Bench) Port(path string) *Port {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ports[path]
}

// Opens returns "path@baud" for every open call.
func (b *Bench) Opens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.opens...)
}

// Enumerate implements link.Enumerator.
func (b *Bench) Enumerate() ([]link.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]link.Device(nil), b.devices...), nil
}

// Open implements link.Opener. Reopening a path reuses its port.
func (b *Bench) Open(path string, mode link.Mode) (link.Port, error) {
	b.mu.Lock()
	p, ok := b.ports[path]
	b.opens = append(b.opens, fmt.Sprintf("%s@%d", path, mode.Baud))
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("linktest: no device at %s", path)
	}
	p.mu.Lock()
	p.closed = false
	p.mode = mode
	p.mu.Unlock()
	return p, nil
}
