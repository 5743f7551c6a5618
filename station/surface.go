package station

import (
	"context"
	"fmt"
	"log"
	"time"

	"teststand/archive"
	"teststand/broadcast"
	"teststand/buffer"
	"teststand/command"
	"teststand/config"
	"teststand/persist"
	"teststand/telemetry"
)

// LinkStatus describes one physical link.
type LinkStatus struct {
	State        string    `json:"state"`
	Connected    bool      `json:"connected"`
	Path         string    `json:"path,omitempty"`
	Baud         int       `json:"baud,omitempty"`
	LastReceived time.Time `json:"last_received,omitempty"`
}

// Status is the snapshot served to the command/status surface.
type Status struct {
	Telemetry LinkStatus       `json:"telemetry"`
	Actuator  LinkStatus       `json:"actuator"`
	Mode      string           `json:"mode"`
	Valves    []int            `json:"valves"`
	Buffer    buffer.Stats     `json:"buffer"`
	Parser    telemetry.Counts `json:"parser"`
	Observers int              `json:"observers"`
	Pending   int              `json:"pending_actuator_commands"`
	Uptime    time.Duration    `json:"uptime"`
}

// CurrentFrame returns a copy of the latest decoded frame.
func (s *Station) CurrentFrame() telemetry.Frame {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	f := s.frame
	f.Errors = append([]string(nil), s.frame.Errors...)
	return f
}

// Status reports links, buffer and command state.
func (s *Station) Status() Status {
	valves := s.disp.Valves()
	return Status{
		Telemetry: s.linkStatus(config.RoleTelemetry),
		Actuator:  s.linkStatus(config.RoleActuator),
		Mode:      s.disp.Mode(),
		Valves:    valves[:],
		Buffer:    s.buf.Stats(),
		Parser:    s.parser.Counts(),
		Observers: s.hub.Count(),
		Pending:   s.disp.Pending(),
		Uptime:    time.Since(s.started).Truncate(time.Second),
	}
}

func (s *Station) linkStatus(role string) LinkStatus {
	ls := LinkStatus{State: s.links.State(role).String()}
	if l := s.links.Link(role); l != nil {
		ls.Connected = true
		ls.Path = l.Path()
		ls.Baud = l.Mode().Baud
		ls.LastReceived = l.LastReceived()
	}
	return ls
}

// SetValves writes the valve vector and broadcasts the new state to every
// observer, whether or not the hardware write succeeded.
func (s *Station) SetValves(valves []int) ([command.ValveSlots]int, error) {
	applied, err := s.disp.SetValves(valves)
	if s.state != nil {
		if serr := s.state.SaveValves(applied[:]); serr != nil {
			log.Printf("Station: persist valves: %v", serr)
		}
	}
	if perr := s.hub.Publish(broadcast.ValveState(applied[:])); perr != nil {
		log.Printf("Broadcast: valve state: %v", perr)
	}
	return applied, err
}

// SendStepMotor queues an actuator move and waits for its own reply.
func (s *Station) SendStepMotor(ctx context.Context, motorID int, angle float64) (command.StepResult, error) {
	return s.disp.StepMotor(ctx, motorID, angle)
}

// RunScenario sends a named scenario to the flight computer.
func (s *Station) RunScenario(ctx context.Context, name string) (command.ScenarioResult, error) {
	return s.disp.RunScenario(ctx, name)
}

// SetMode records the system mode and forwards it when the link is up.
func (s *Station) SetMode(mode string) (bool, error) {
	forwarded, err := s.disp.SetMode(mode)
	if err == nil && s.state != nil {
		if serr := s.state.SaveMode(s.disp.Mode()); serr != nil {
			log.Printf("Station: persist mode: %v", serr)
		}
	}
	return forwarded, err
}

// SaveNow writes the buffer to a snapshot file immediately.
func (s *Station) SaveNow() (persist.SaveResult, error) {
	return s.sched.SaveNow()
}

// ListFiles lists snapshot files, newest first.
func (s *Station) ListFiles() ([]persist.FileInfo, error) {
	return s.store.List()
}

// ReadFile returns a bounded view of one snapshot file.
func (s *Station) ReadFile(name string) (persist.FileData, error) {
	return s.store.Read(name, persist.DefaultReadRows)
}

// BufferStatus reports the buffer fill level.
func (s *Station) BufferStatus() buffer.Stats {
	return s.buf.Stats()
}

// RecentCommands returns journaled commands, newest first.
func (s *Station) RecentCommands(limit int, channel string) ([]archive.Entry, error) {
	if s.journal == nil {
		return nil, fmt.Errorf("station: command journal disabled")
	}
	return s.journal.Recent(limit, channel)
}

// Hub returns the observer hub.
func (s *Station) Hub() *broadcast.Hub {
	return s.hub
}

// ObserverHandler adapts the station to inbound observer commands.
func (s *Station) ObserverHandler() broadcast.Handler {
	return observerHandler{s}
}

type observerHandler struct {
	s *Station
}

func (h observerHandler) HandleValves(_ context.Context, valves []int) ([]int, error) {
	applied, err := h.s.SetValves(valves)
	return applied[:], err
}

func (h observerHandler) HandleStepMotor(ctx context.Context, motorID int, angle float64) (bool, string, error) {
	res, err := h.s.SendStepMotor(ctx, motorID, angle)
	return res.Success, res.Response, err
}

func (h observerHandler) HandleMode(_ context.Context, mode string) {
	if _, err := h.s.SetMode(mode); err != nil {
		log.Printf("Command: mode %q rejected: %v", mode, err)
	}
}

func (h observerHandler) SensorPayload() map[string]any {
	f := h.s.CurrentFrame()
	return f.Payload()
}
