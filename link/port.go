// Package link discovers, opens and supervises the two serial links of the
// stand: the telemetry link to the flight computer and the actuator link to
// the motor/solenoid controller.
package link

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"teststand/config"
)

// Port is the subset of serial.Port the links use.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Mode is the framing of one serial link.
type Mode struct {
	Baud     int
	DataBits int
	Parity   string
	StopBits int
}

// ModeFromConfig converts a config section to a Mode.
func ModeFromConfig(c config.SerialConfig) Mode {
	return Mode{Baud: c.Baud, DataBits: c.DataBits, Parity: c.Parity, StopBits: c.StopBits}
}

func (m Mode) String() string {
	parity := "N"
	switch m.Parity {
	case "even":
		parity = "E"
	case "odd":
		parity = "O"
	}
	return fmt.Sprintf("%d %d%s%d", m.Baud, m.DataBits, parity, m.StopBits)
}

func (m Mode) serial() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: m.Baud,
		DataBits: m.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	switch m.Parity {
	case "even":
		mode.Parity = serial.EvenParity
	case "odd":
		mode.Parity = serial.OddParity
	}
	if m.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

// Device is one enumerated serial device.
type Device struct {
	Path        string
	Description string
	USB         bool
	VID         string
	PID         string
}

// Enumerator lists candidate devices.
type Enumerator func() ([]Device, error)

// Opener opens a device with the given framing.
type Opener func(path string, mode Mode) (Port, error)

// SystemEnumerator lists the serial devices of the host.
func SystemEnumerator() ([]Device, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("link: enumerate ports: %w", err)
	}
	out := make([]Device, 0, len(ports))
	for _, p := range ports {
		desc := strings.TrimSpace(p.Product)
		if p.IsUSB && desc == "" {
			desc = fmt.Sprintf("USB %s:%s", p.VID, p.PID)
		}
		out = append(out, Device{Path: p.Name, Description: desc, USB: p.IsUSB, VID: p.VID, PID: p.PID})
	}
	return out, nil
}

// SystemOpener opens a host serial device.
func SystemOpener(path string, mode Mode) (Port, error) {
	port, err := serial.Open(path, mode.serial())
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", path, err)
	}
	return port, nil
}
