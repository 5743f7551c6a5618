package link

import (
	"bytes"
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"teststand/config"
)

// Options configures a Manager.
type Options struct {
	Enumerate  Enumerator
	Open       Opener
	Classifier *Classifier

	Telemetry Mode
	Actuator  Mode
	Probe     Mode

	ReadTimeout time.Duration
	ProbeDelay  time.Duration
	Retries     int
	RetryDelay  time.Duration

	// OnState observes every state transition.
	OnState func(role string, s State)
}

// OptionsFromConfig builds manager options for the host serial ports.
func OptionsFromConfig(cfg *config.Config) Options {
	l := cfg.Links
	return Options{
		Enumerate:   SystemEnumerator,
		Open:        SystemOpener,
		Classifier:  NewClassifier(l.Rules),
		Telemetry:   ModeFromConfig(l.Telemetry),
		Actuator:    ModeFromConfig(l.Actuator),
		Probe:       Mode{Baud: l.ProbeBaud, DataBits: 8, Parity: "none", StopBits: 1},
		ReadTimeout: cfg.ReadTimeout(),
		ProbeDelay:  time.Duration(l.ProbeDelayMS) * time.Millisecond,
		Retries:     l.DiscoveryRetries,
		RetryDelay:  time.Duration(l.DiscoveryDelayMS) * time.Millisecond,
	}
}

// Found lists the links installed by one discovery pass.
type Found struct {
	Telemetry *Link
	Actuator  *Link
}

// Any reports whether the pass found anything.
func (f Found) Any() bool {
	return f.Telemetry != nil || f.Actuator != nil
}

// Manager owns the links of both roles and the rediscovery supervisor.
type Manager struct {
	opts Options

	mu     sync.RWMutex
	links  map[string]*Link
	states map[string]State

	// discoverMu serializes discovery passes so a pass never opens a
	// device another pass is installing.
	discoverMu  sync.Mutex
	rediscover  chan struct{}
	discovering atomic.Bool
	requests    atomic.Uint64
	passes      atomic.Uint64
}

// NewManager builds a manager with no open links.
func NewManager(opts Options) *Manager {
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier(nil)
	}
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	return &Manager{
		opts:       opts,
		links:      make(map[string]*Link),
		states:     map[string]State{config.RoleTelemetry: StateDisconnected, config.RoleActuator: StateDisconnected},
		rediscover: make(chan struct{}, 1),
	}
}

// Link returns the live link for role, or nil.
func (m *Manager) Link(role string) *Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l := m.links[role]
	if l == nil || l.Closed() {
		return nil
	}
	return l
}

// State returns the supervision state of role.
func (m *Manager) State(role string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[role]
}

// RediscoveryRequests returns how many rediscovery passes were scheduled.
func (m *Manager) RediscoveryRequests() uint64 {
	return m.requests.Load()
}

// Passes returns how many discovery passes have run.
func (m *Manager) Passes() uint64 {
	return m.passes.Load()
}

func (m *Manager) setState(role string, s State) {
	m.mu.Lock()
	prev := m.states[role]
	m.states[role] = s
	m.mu.Unlock()
	if prev != s && m.opts.OnState != nil {
		m.opts.OnState(role, s)
	}
}

func (m *Manager) modeFor(role string) Mode {
	if role == config.RoleActuator {
		return m.opts.Actuator
	}
	return m.opts.Telemetry
}

// Discover runs one pass over the host devices and installs a link for every
// role that is not already connected. Devices held by live links are skipped;
// unclassified devices and later matches for a filled role are closed.
// Concurrent calls run one after another; each pass reads the links installed
// by the previous one.
func (m *Manager) Discover(ctx context.Context) (Found, error) {
	m.discoverMu.Lock()
	defer m.discoverMu.Unlock()
	m.passes.Add(1)
	var found Found

	devices, err := m.opts.Enumerate()
	if err != nil {
		return found, err
	}

	held := make(map[string]bool)
	taken := make(map[string]bool)
	m.mu.RLock()
	for role, l := range m.links {
		if l != nil && !l.Closed() {
			held[l.Path()] = true
			taken[role] = true
		}
	}
	m.mu.RUnlock()
	for _, role := range []string{config.RoleTelemetry, config.RoleActuator} {
		if !taken[role] {
			m.setState(role, StateProbing)
		}
	}

	for _, dev := range devices {
		if ctx.Err() != nil {
			break
		}
		if held[dev.Path] {
			continue
		}
		l := m.probe(ctx, dev, taken)
		if l == nil {
			continue
		}
		taken[l.Role()] = true
		m.mu.Lock()
		m.links[l.Role()] = l
		m.mu.Unlock()
		m.setState(l.Role(), StateConnected)
		if l.Role() == config.RoleTelemetry {
			found.Telemetry = l
		} else {
			found.Actuator = l
		}
		log.Printf("Link: %s found on %s (%s)", l.Role(), l.Path(), l.Mode())
	}

	for _, role := range []string{config.RoleTelemetry, config.RoleActuator} {
		if !taken[role] {
			m.setState(role, StateDisconnected)
		}
	}
	return found, ctx.Err()
}

func (m *Manager) probe(ctx context.Context, dev Device, taken map[string]bool) *Link {
	port, err := m.opts.Open(dev.Path, m.opts.Probe)
	if err != nil {
		log.Printf("Link: %s: probe open failed: %v", dev.Path, err)
		return nil
	}
	if err := port.SetReadTimeout(m.opts.ReadTimeout); err != nil {
		log.Printf("Link: %s: set read timeout failed: %v", dev.Path, err)
		_ = port.Close()
		return nil
	}
	if !sleepCtx(ctx, m.opts.ProbeDelay) {
		_ = port.Close()
		return nil
	}
	line := readProbeLine(port, 3)
	role, ok := m.opts.Classifier.Classify(dev, line)
	if !ok || taken[role] {
		_ = port.Close()
		return nil
	}

	mode := m.modeFor(role)
	if mode != m.opts.Probe {
		_ = port.Close()
		port, err = m.opts.Open(dev.Path, mode)
		if err != nil {
			log.Printf("Link: %s: reopen as %s failed: %v", dev.Path, role, err)
			return nil
		}
		if err := port.SetReadTimeout(m.opts.ReadTimeout); err != nil {
			log.Printf("Link: %s: set read timeout failed: %v", dev.Path, err)
			_ = port.Close()
			return nil
		}
	}
	return NewLink(role, dev.Path, mode, port)
}

// readProbeLine returns the first line a freshly opened device sends, or
// whatever partial text arrived within a few read timeouts.
func readProbeLine(port Port, attempts int) string {
	var buf []byte
	chunk := make([]byte, 256)
	for i := 0; i < attempts; i++ {
		n, err := port.Read(chunk)
		if err != nil {
			break
		}
		buf = append(buf, chunk[:n]...)
		if end := bytes.LastIndexByte(buf, '\n'); end >= 0 {
			for _, line := range strings.Split(string(buf[:end]), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					return line
				}
			}
		}
	}
	return strings.TrimSpace(string(buf))
}

// DiscoverWithRetry repeats Discover until some link is connected or the
// attempts run out. Exhaustion is logged, never fatal.
func (m *Manager) DiscoverWithRetry(ctx context.Context, retries int, delay time.Duration) bool {
	if retries <= 0 {
		retries = m.opts.Retries
	}
	for attempt := 1; attempt <= retries; attempt++ {
		if _, err := m.Discover(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Link: discovery attempt %d/%d failed: %v", attempt, retries, err)
		}
		if m.Link(config.RoleTelemetry) != nil || m.Link(config.RoleActuator) != nil {
			return true
		}
		if attempt < retries {
			log.Printf("Link: no devices found (attempt %d/%d), retrying in %s", attempt, retries, delay)
			if !sleepCtx(ctx, delay) {
				return false
			}
		}
	}
	log.Printf("Link: no devices found after %d attempts, giving up until next check", retries)
	return false
}

// RequestRediscovery schedules one background discovery pass. It returns
// false when a pass is already scheduled or running.
func (m *Manager) RequestRediscovery(reason string) bool {
	if !m.discovering.CompareAndSwap(false, true) {
		return false
	}
	m.requests.Add(1)
	if reason != "" {
		log.Printf("Link: scheduling rediscovery: %s", reason)
	}
	select {
	case m.rediscover <- struct{}{}:
	default:
	}
	return true
}

// Run services rediscovery requests until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.rediscover:
			m.DiscoverWithRetry(ctx, m.opts.Retries, m.opts.RetryDelay)
			m.discovering.Store(false)
		}
	}
}

// Drop closes the link of role and marks it disconnected.
func (m *Manager) Drop(role, reason string) {
	m.mu.Lock()
	l := m.links[role]
	delete(m.links, role)
	m.mu.Unlock()
	if l != nil {
		_ = l.Close()
		log.Printf("Link: %s on %s closed: %s", role, l.Path(), reason)
	}
	m.setState(role, StateDisconnected)
}

// Pump reads the link of role until ctx is cancelled, handing every line to
// handle. Silence longer than stale, a closed port or an I/O error closes the
// link and schedules one rediscovery. While no link is present the loop polls
// for a new one and asks for another pass every idle interval.
func (m *Manager) Pump(ctx context.Context, role string, stale, idle time.Duration, handle func(line string)) {
	wd := NewWatchdog(stale)
	poll := idle
	if poll <= 0 || poll > 250*time.Millisecond {
		poll = 250 * time.Millisecond
	}
	var current *Link
	lastRequest := time.Now()
	for ctx.Err() == nil {
		l := m.Link(role)
		if l == nil {
			current = nil
			if time.Since(lastRequest) >= idle {
				m.RequestRediscovery(role + " link not connected")
				lastRequest = time.Now()
			}
			sleepCtx(ctx, poll)
			continue
		}
		if l != current {
			current = l
			wd.Reset()
		}
		res := l.ReadLine()
		switch wd.Observe(res) {
		case VerdictData:
			handle(res.Line)
		case VerdictStale:
			m.setState(role, StateStale)
			m.Drop(role, "no data for "+stale.String())
			m.RequestRediscovery(role + " link stale")
			lastRequest = time.Now()
		case VerdictFailed:
			reason := res.Kind.String()
			if res.Err != nil {
				reason = res.Err.Error()
			}
			m.Drop(role, reason)
			m.RequestRediscovery(role + " link failed")
			lastRequest = time.Now()
		}
	}
}

// Close closes every link.
func (m *Manager) Close() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*Link)
	m.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
