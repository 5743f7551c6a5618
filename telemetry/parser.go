package telemetry

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"teststand/internal/ratelimit"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// LeadingMarker opens every telemetry line; anything else is a device message.
const LeadingMarker = "P1:"

// TrailingMarker must be present for a telemetry line to be accepted.
const TrailingMarker = "VELOCITY:"

// Kind classifies one input line.
type Kind int

const (
	// KindInfo is a device log line that is not telemetry.
	KindInfo Kind = iota
	// KindFrame is an accepted telemetry frame.
	KindFrame
	// KindRejected is a telemetry line that was discarded whole.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindRejected:
		return "rejected"
	default:
		return "info"
	}
}

// wireTags lists the primary field order and the column each tag fills.
var wireTags = []struct {
	tag string
	col int
}{
	{"P1", ColP1}, {"P2", ColP2}, {"P3", ColP3}, {"P4", ColP4},
	{"P5", ColP5}, {"P6", ColP6}, {"P7", ColP7}, {"P8", ColP8},
	{"T1", ColT1}, {"T2", ColT2}, {"T3", ColT3}, {"T4", ColT4}, {"T5", ColT5}, {"T6", ColT6},
	{"Tbogaz1", ColThroat1},
	{"THRUST", ColThrust},
	{"ISP", ColIsp},
	{"Tbogaz2", ColThroat2},
	{"D1", ColD1},
	{"D2", ColD2},
	{"PCHAMBER", ColPChamber},
	{"IMPULSE", ColTotalImpulse},
	{"VELOCITY", ColExhaustVelocity},
}

const numberPattern = `"?([-+]?\d*\.?\d+)"?`

var primaryPattern = buildPrimaryPattern()

func buildPrimaryPattern() *regexp.Regexp {
	parts := make([]string, len(wireTags))
	for i, wt := range wireTags {
		parts[i] = regexp.QuoteMeta(wt.tag) + `:\s*` + numberPattern
	}
	return regexp.MustCompile(strings.Join(parts, `\s*\|\s*`))
}

var tokenPattern = regexp.MustCompile(`^([\p{L}\p{N}_\s]+):\s*` + numberPattern)

// Fallback keys after normalization. Columns are >= 0; the auxiliary fields
// that have no storage column use negative sentinels.
const (
	auxDeltaP2  = -1
	auxMassFlow = -2
)

var fallbackKeys = map[string]int{
	"p1": ColP1, "p2": ColP2, "p3": ColP3, "p4": ColP4,
	"p5": ColP5, "p6": ColP6, "p7": ColP7, "p8": ColP8,
	"t1": ColT1, "t2": ColT2, "t3": ColT3, "t4": ColT4, "t5": ColT5, "t6": ColT6,
	"tbogaz1": ColThroat1, "tthroat1": ColThroat1,
	"tbogaz2": ColThroat2, "tthroat2": ColThroat2,
	"d1": ColD1, "oxygen": ColD1,
	"d2": ColD2, "fuel": ColD2,
	"thrust": ColThrust,
	"isp":    ColIsp,
	"pchamber": ColPChamber, "p_chamber": ColPChamber,
	"impulse": ColTotalImpulse, "total_impulse": ColTotalImpulse,
	"velocity": ColExhaustVelocity, "exhaust_velocity": ColExhaustVelocity,
	"dp2":           auxDeltaP2,
	"kutlesel_debi": auxMassFlow, "mass_flow": auxMassFlow,
}

// Counts summarizes what the parser has seen.
type Counts struct {
	Frames   uint64
	Fallback uint64
	Rejected uint64
	Info     uint64
}

// Parser decodes telemetry lines. It is safe for concurrent use.
type Parser struct {
	now func() time.Time

	frames   atomic.Uint64
	fallback atomic.Uint64
	rejected atomic.Uint64
	info     atomic.Uint64

	rejectLog *ratelimit.Counter
}

// NewParser builds a parser stamping frames with the wall clock.
func NewParser() *Parser {
	return &Parser{
		now:       time.Now,
		rejectLog: ratelimit.NewCounter(5 * time.Second),
	}
}

// SetClock overrides the timestamp source.
func (p *Parser) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Counts returns the running totals.
func (p *Parser) Counts() Counts {
	return Counts{
		Frames:   p.frames.Load(),
		Fallback: p.fallback.Load(),
		Rejected: p.rejected.Load(),
		Info:     p.info.Load(),
	}
}

// Parse decodes one line. Only KindFrame returns a usable frame; info and
// rejected lines are logged and counted here.
func (p *Parser) Parse(line string) (frame Frame, kind Kind) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, LeadingMarker) {
		p.info.Add(1)
		if trimmed != "" {
			log.Printf("Parser: device message: %s", trimmed)
		}
		return Frame{}, KindInfo
	}
	if !strings.Contains(trimmed, TrailingMarker) {
		p.reject(trimmed, "missing "+TrailingMarker)
		return Frame{}, KindRejected
	}

	defer func() {
		if r := recover(); r != nil {
			p.reject(trimmed, fmt.Sprintf("panic: %v", r))
			frame, kind = Frame{}, KindRejected
		}
	}()

	if m := primaryPattern.FindStringSubmatch(trimmed); m != nil {
		var cols [NumColumns]float64
		for i, wt := range wireTags {
			v, err := strconv.ParseFloat(m[i+1], 64)
			if err != nil {
				p.reject(trimmed, fmt.Sprintf("%s: %v", wt.tag, err))
				return Frame{}, KindRejected
			}
			cols[wt.col] = v
		}
		frame = frameFromColumns(cols, 0, 0)
	} else {
		var err error
		frame, err = parseFallback(trimmed)
		if err != nil {
			p.reject(trimmed, err.Error())
			return Frame{}, KindRejected
		}
		p.fallback.Add(1)
	}
	frame.Timestamp = p.now().UTC()
	p.frames.Add(1)
	return frame, KindFrame
}

func (p *Parser) reject(line, reason string) {
	p.rejected.Add(1)
	if total, ok := p.rejectLog.Inc(); ok {
		log.Printf("Parser: rejected telemetry line (%s, %d total): %q", reason, total, line)
	}
}

func parseFallback(line string) (Frame, error) {
	var cols [NumColumns]float64
	var deltaP2, massFlow float64
	for _, part := range strings.Split(line, "|") {
		m := tokenPattern.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return Frame{}, fmt.Errorf("%s: %w", m[1], err)
		}
		col, ok := fallbackKeys[NormalizeKey(m[1])]
		if !ok {
			continue
		}
		switch col {
		case auxDeltaP2:
			deltaP2 = v
		case auxMassFlow:
			massFlow = v
		default:
			cols[col] = v
		}
	}
	return frameFromColumns(cols, deltaP2, massFlow), nil
}

func frameFromColumns(cols [NumColumns]float64, deltaP2, massFlow float64) Frame {
	var f Frame
	copy(f.Pressures[:], cols[ColP1:ColP8+1])
	copy(f.Temperatures[:], cols[ColT1:ColThroat2+1])
	f.Consumption = [2]float64{cols[ColD1], cols[ColD2]}
	f.Thrust = cols[ColThrust]
	f.Isp = cols[ColIsp]
	f.PChamber = cols[ColPChamber]
	f.TotalImpulse = cols[ColTotalImpulse]
	f.ExhaustVelocity = cols[ColExhaustVelocity]
	f.DeltaP2 = deltaP2
	f.MassFlow = massFlow
	return f
}

var dotlessI = strings.NewReplacer("ı", "i")

// NormalizeKey lowercases a field tag, folds accented letters to ASCII and
// replaces spaces with underscores.
func NormalizeKey(key string) string {
	key = dotlessI.Replace(strings.ToLower(strings.TrimSpace(key)))
	// The transformer keeps state between calls, so build one per key.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, key); err == nil {
		key = folded
	}
	return strings.Join(strings.Fields(key), "_")
}

// FromRow rebuilds a frame from a stored row.
func FromRow(ts float64, row Row) Frame {
	var cols [NumColumns]float64
	for i, v := range row {
		cols[i] = float64(v)
	}
	f := frameFromColumns(cols, 0, 0)
	f.Timestamp = FromUnixSeconds(ts)
	return f
}
