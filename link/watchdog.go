package link

import "time"

// State is the supervision state of one link role.
type State int

const (
	StateDisconnected State = iota
	StateProbing
	StateConnected
	StateStale
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	default:
		return "disconnected"
	}
}

// Verdict is the watchdog's reading of one ReadResult.
type Verdict int

const (
	// VerdictIdle means nothing arrived but the link is still within its window.
	VerdictIdle Verdict = iota
	// VerdictData means a line arrived.
	VerdictData
	// VerdictStale means the silence window was exceeded.
	VerdictStale
	// VerdictFailed means the link reported closed or an I/O error.
	VerdictFailed
)

// Watchdog tracks the last time a link delivered data.
type Watchdog struct {
	timeout  time.Duration
	now      func() time.Time
	last     time.Time
	breaches uint64
}

// NewWatchdog builds a watchdog with the given silence window.
func NewWatchdog(timeout time.Duration) *Watchdog {
	return &Watchdog{timeout: timeout, now: time.Now, last: time.Now()}
}

// Reset restarts the silence window, typically on a fresh connection.
func (w *Watchdog) Reset() {
	w.last = w.now()
}

// Observe folds one read result into the watchdog.
func (w *Watchdog) Observe(res ReadResult) Verdict {
	switch res.Kind {
	case ResultData:
		w.last = w.now()
		return VerdictData
	case ResultClosed, ResultError:
		return VerdictFailed
	}
	if w.timeout > 0 && w.now().Sub(w.last) >= w.timeout {
		w.breaches++
		w.last = w.now()
		return VerdictStale
	}
	return VerdictIdle
}

// Breaches returns how many times the silence window was exceeded.
func (w *Watchdog) Breaches() uint64 {
	return w.breaches
}
