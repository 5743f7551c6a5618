// Package command relays operator commands to the hardware.
//
// Two channels exist. Valve, scenario and mode commands are written directly
// to the telemetry link under its lock and never wait for a reply (except the
// emergency scenario, which watches the telemetry feed for an acknowledgement).
// Actuator commands go through a bounded FIFO queue served by one worker that
// owns the actuator link; every request carries its own id and reply channel,
// so a late or missing reply can never be handed to a different caller.
package command

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"teststand/config"
	"teststand/link"
)

// ValveSlots is the fixed width of the valve vector.
const ValveSlots = 9

// Command channels, used for journaling and metrics.
const (
	ChannelValve    = "valve"
	ChannelScenario = "scenario"
	ChannelMode     = "mode"
	ChannelActuator = "actuator"
)

var (
	// ErrNoLink is returned when the target link is not connected.
	ErrNoLink = errors.New("command: link not connected")
	// ErrTimeout is returned when a reply did not arrive in time.
	ErrTimeout = errors.New("command: timed out")
	// ErrUnknownScenario is returned for scenario names the flight computer does not know.
	ErrUnknownScenario = errors.New("command: unknown scenario")
	// ErrQueueFull is returned when the actuator queue cannot take another request.
	ErrQueueFull = errors.New("command: actuator queue full")
)

// Links is the part of the link manager the dispatcher needs.
type Links interface {
	Link(role string) *link.Link
	Drop(role, reason string)
	RequestRediscovery(reason string) bool
}

// Outcome describes one finished command.
type Outcome struct {
	ID       string
	At       time.Time
	Channel  string
	Command  string
	Success  bool
	Response string
	Err      error
	Latency  time.Duration
}

// Options configures a Dispatcher.
type Options struct {
	QueueSize           int
	ResponseTimeout     time.Duration
	CallerTimeout       time.Duration
	EmergencyDelay      time.Duration
	EmergencyAckTimeout time.Duration
	Scenarios           []string
	SuccessMarkers      []string
	AckPrefixes         []string
	AckContains         []string

	// OnOutcome observes every finished command.
	OnOutcome func(Outcome)
}

// OptionsFromConfig maps the commands config section.
func OptionsFromConfig(c config.CommandsConfig) Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Options{
		QueueSize:           c.ActuatorQueueSize,
		ResponseTimeout:     ms(c.ResponseTimeoutMS),
		CallerTimeout:       ms(c.CallerTimeoutMS),
		EmergencyDelay:      ms(c.EmergencyDelayMS),
		EmergencyAckTimeout: ms(c.EmergencyAckTimeoutMS),
		Scenarios:           c.Scenarios,
		SuccessMarkers:      c.SuccessMarkers,
		AckPrefixes:         c.AckPrefixes,
		AckContains:         c.AckContains,
	}
}

type request struct {
	id       string
	payload  string
	expect   bool
	enqueued time.Time
	reply    chan reply
}

type reply struct {
	id       string
	response string
	err      error
}

// Dispatcher owns the valve vector, the system mode and the actuator worker.
type Dispatcher struct {
	links Links
	opts  Options

	mu     sync.Mutex
	valves [ValveSlots]int
	mode   string

	queue chan *request

	tapMu sync.Mutex
	tap   chan string
}

// New builds a dispatcher. Run must be started for actuator commands.
func New(links Links, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 500 * time.Millisecond
	}
	if opts.CallerTimeout <= 0 {
		opts.CallerTimeout = 2 * time.Second
	}
	if opts.EmergencyAckTimeout <= 0 {
		opts.EmergencyAckTimeout = 2 * time.Second
	}
	if len(opts.Scenarios) == 0 {
		opts.Scenarios = config.DefaultScenarios()
	}
	return &Dispatcher{
		links: links,
		opts:  opts,
		mode:  "idle",
		queue: make(chan *request, opts.QueueSize),
	}
}

func (d *Dispatcher) finish(o Outcome) {
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}
	if d.opts.OnOutcome != nil {
		d.opts.OnOutcome(o)
	}
}

// NormalizeValves pads or truncates to ValveSlots entries and maps any
// non-zero entry to 1.
func NormalizeValves(in []int) [ValveSlots]int {
	var out [ValveSlots]int
	for i := 0; i < ValveSlots && i < len(in); i++ {
		if in[i] != 0 {
			out[i] = 1
		}
	}
	return out
}

// ValveLine renders the wire command for a valve vector.
func ValveLine(v [ValveSlots]int) string {
	var b strings.Builder
	b.WriteString("Valves:")
	for _, x := range v {
		b.WriteByte(byte('0' + x))
	}
	b.WriteByte('\n')
	return b.String()
}

// Valves returns the last requested valve vector.
func (d *Dispatcher) Valves() [ValveSlots]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.valves
}

// Mode returns the current system mode.
func (d *Dispatcher) Mode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Restore seeds the valve vector and mode, typically from durable state.
func (d *Dispatcher) Restore(valves [ValveSlots]int, mode string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.valves = valves
	if mode != "" {
		d.mode = mode
	}
}

// SetValves records the requested vector and writes it to the telemetry
// link. The vector is recorded even when the write fails, so observers see
// what the operator asked for; the error tells whether the hardware got it.
func (d *Dispatcher) SetValves(in []int) ([ValveSlots]int, error) {
	v := NormalizeValves(in)
	d.mu.Lock()
	d.valves = v
	d.mu.Unlock()

	line := ValveLine(v)
	err := d.writeTelemetry(line)
	d.finish(Outcome{Channel: ChannelValve, Command: strings.TrimSpace(line), Success: err == nil, Err: err})
	if err != nil {
		log.Printf("Command: valve write failed: %v", err)
		return v, err
	}
	log.Printf("Command: sent %s", strings.TrimSpace(line))
	return v, nil
}

// SetMode records mode locally and forwards it to the flight computer when
// the telemetry link is up. It reports whether the mode was forwarded.
func (d *Dispatcher) SetMode(mode string) (bool, error) {
	mode = strings.TrimSpace(mode)
	if mode == "" {
		return false, errors.New("command: empty mode")
	}
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()

	err := d.writeTelemetry(mode + "\n")
	d.finish(Outcome{Channel: ChannelMode, Command: mode, Success: err == nil, Err: err})
	if errors.Is(err, ErrNoLink) {
		log.Printf("Command: mode set to %s (telemetry link down, not forwarded)", mode)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Printf("Command: mode set to %s", mode)
	return true, nil
}

func (d *Dispatcher) writeTelemetry(line string) error {
	l := d.links.Link(config.RoleTelemetry)
	if l == nil {
		return ErrNoLink
	}
	if err := l.WriteLine(strings.TrimSuffix(line, "\n")); err != nil {
		if errors.Is(err, link.ErrClosed) {
			return ErrNoLink
		}
		d.links.Drop(config.RoleTelemetry, err.Error())
		d.links.RequestRediscovery("telemetry write failed")
		return err
	}
	return nil
}

// SuggestScenario returns the known scenario closest to name.
func (d *Dispatcher) SuggestScenario(name string) string {
	best, bestDist := "", -1
	for _, s := range d.opts.Scenarios {
		dist := levenshtein.ComputeDistance(strings.ToLower(name), s)
		if bestDist < 0 || dist < bestDist {
			best, bestDist = s, dist
		}
	}
	return best
}

// ScenarioResult is the outcome of RunScenario.
type ScenarioResult struct {
	Name     string
	Feedback string
}

// RunScenario sends a named sequence to the flight computer. The emergency
// scenario waits a short pre-delay, then watches the telemetry feed for an
// acknowledgement line; missing feedback is reported, not treated as failure.
func (d *Dispatcher) RunScenario(ctx context.Context, name string) (ScenarioResult, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	known := false
	for _, s := range d.opts.Scenarios {
		if s == name {
			known = true
			break
		}
	}
	if !known {
		return ScenarioResult{}, fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownScenario, name, d.SuggestScenario(name))
	}
	if name != "emergency" {
		err := d.writeTelemetry(name + "\n")
		d.finish(Outcome{Channel: ChannelScenario, Command: name, Success: err == nil, Err: err})
		if err != nil {
			return ScenarioResult{Name: name}, err
		}
		log.Printf("Command: scenario %s sent", name)
		return ScenarioResult{Name: name}, nil
	}
	return d.emergency(ctx)
}

func (d *Dispatcher) emergency(ctx context.Context) (ScenarioResult, error) {
	start := time.Now()
	res := ScenarioResult{Name: "emergency"}
	if d.links.Link(config.RoleTelemetry) == nil {
		d.finish(Outcome{Channel: ChannelScenario, Command: res.Name, Err: ErrNoLink})
		return res, ErrNoLink
	}
	if d.opts.EmergencyDelay > 0 {
		select {
		case <-ctx.Done():
			d.finish(Outcome{Channel: ChannelScenario, Command: res.Name, Err: ctx.Err(), Latency: time.Since(start)})
			return res, ctx.Err()
		case <-time.After(d.opts.EmergencyDelay):
		}
	}

	tap := d.openTap()
	defer d.closeTap()
	if err := d.writeTelemetry(res.Name + "\n"); err != nil {
		d.finish(Outcome{Channel: ChannelScenario, Command: res.Name, Err: err, Latency: time.Since(start)})
		return res, err
	}
	log.Printf("Command: emergency sent, waiting up to %s for feedback", d.opts.EmergencyAckTimeout)

	timer := time.NewTimer(d.opts.EmergencyAckTimeout)
	defer timer.Stop()
wait:
	for {
		select {
		case <-ctx.Done():
			d.finish(Outcome{Channel: ChannelScenario, Command: res.Name, Err: ctx.Err(), Latency: time.Since(start)})
			return res, ctx.Err()
		case <-timer.C:
			break wait
		case line := <-tap:
			if d.isAck(line) {
				res.Feedback = line
				break wait
			}
		}
	}
	if res.Feedback == "" {
		res.Feedback = "No feedback"
	}
	log.Printf("Command: emergency feedback: %s", res.Feedback)
	d.finish(Outcome{Channel: ChannelScenario, Command: res.Name, Success: true, Response: res.Feedback, Latency: time.Since(start)})
	return res, nil
}

func (d *Dispatcher) isAck(line string) bool {
	lower := strings.ToLower(strings.TrimSpace(line))
	if lower == "" {
		return false
	}
	for _, p := range d.opts.AckPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	for _, c := range d.opts.AckContains {
		if strings.Contains(lower, strings.ToLower(c)) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) openTap() <-chan string {
	d.tapMu.Lock()
	defer d.tapMu.Unlock()
	d.tap = make(chan string, 32)
	return d.tap
}

func (d *Dispatcher) closeTap() {
	d.tapMu.Lock()
	d.tap = nil
	d.tapMu.Unlock()
}

// Feed offers a non-telemetry line from the telemetry link to a pending
// acknowledgement wait. It never blocks.
func (d *Dispatcher) Feed(line string) {
	d.tapMu.Lock()
	defer d.tapMu.Unlock()
	if d.tap == nil {
		return
	}
	select {
	case d.tap <- line:
	default:
	}
}

// FormatAngle renders an angle the way the actuator firmware parses it,
// always with a fractional part.
func FormatAngle(angle float64) string {
	s := strconv.FormatFloat(angle, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// StepResult is the outcome of a step motor command.
type StepResult struct {
	ID       string
	MotorID  int
	Angle    float64
	Success  bool
	Response string
}

// StepMotor queues "<motor>:<angle>" for the actuator and waits for its
// reply. Success requires one of the configured success markers.
func (d *Dispatcher) StepMotor(ctx context.Context, motorID int, angle float64) (StepResult, error) {
	res := StepResult{MotorID: motorID, Angle: angle}
	id, resp, err := d.Submit(ctx, fmt.Sprintf("%d:%s\n", motorID, FormatAngle(angle)), true)
	res.ID = id
	res.Response = resp
	if err != nil {
		return res, err
	}
	for _, marker := range d.opts.SuccessMarkers {
		if strings.Contains(resp, marker) {
			res.Success = true
			break
		}
	}
	return res, nil
}

// Submit queues a raw actuator command and waits for its own reply. It
// returns the request id with the response.
func (d *Dispatcher) Submit(ctx context.Context, payload string, expect bool) (string, string, error) {
	req := &request{
		id:       uuid.NewString(),
		payload:  payload,
		expect:   expect,
		enqueued: time.Now(),
		reply:    make(chan reply, 1),
	}
	select {
	case d.queue <- req:
	default:
		d.finish(Outcome{ID: req.id, Channel: ChannelActuator, Command: strings.TrimSpace(payload), Err: ErrQueueFull})
		return req.id, "", ErrQueueFull
	}

	timer := time.NewTimer(d.opts.CallerTimeout)
	defer timer.Stop()
	select {
	case r := <-req.reply:
		return r.id, r.response, r.err
	case <-timer.C:
		return req.id, "", ErrTimeout
	case <-ctx.Done():
		return req.id, "", ctx.Err()
	}
}

// Pending returns the number of queued actuator requests.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run serves the actuator queue in FIFO order until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			d.serve(req)
		}
	}
}

func (d *Dispatcher) serve(req *request) {
	start := time.Now()
	cmd := strings.TrimSpace(req.payload)
	r := reply{id: req.id}

	l := d.links.Link(config.RoleActuator)
	if l == nil {
		r.err = ErrNoLink
	} else {
		r.response, r.err = l.Request([]byte(req.payload), req.expect, d.opts.ResponseTimeout)
		switch {
		case errors.Is(r.err, link.ErrNoResponse):
			r.err = ErrTimeout
		case errors.Is(r.err, link.ErrClosed):
			r.err = ErrNoLink
		case r.err != nil:
			log.Printf("Command: actuator I/O failed: %v", r.err)
			d.links.Drop(config.RoleActuator, r.err.Error())
			d.links.RequestRediscovery("actuator write failed")
		}
	}
	req.reply <- r

	o := Outcome{
		ID:       req.id,
		Channel:  ChannelActuator,
		Command:  cmd,
		Success:  r.err == nil,
		Response: r.response,
		Err:      r.err,
		Latency:  time.Since(start),
	}
	if r.err != nil {
		log.Printf("Command: actuator %s failed after %s: %v", cmd, o.Latency.Round(time.Millisecond), r.err)
	} else {
		log.Printf("Command: actuator %s -> %q (queued %s)", cmd, r.response, start.Sub(req.enqueued).Round(time.Millisecond))
	}
	d.finish(o)
}
