package broadcast

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("broadcast: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("broadcast: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encoding names accepted by NewCodec.
const (
	EncodingBinary = "binary"
	EncodingText   = "text"
)

// Record is one tagged message; the "type" key names it.
type Record map[string]any

// Type returns the record's type tag.
func (r Record) Type() string {
	s, _ := r["type"].(string)
	return s
}

// Frame is an encoded record ready to send. Binary frames carry CBOR,
// text frames carry JSON.
type Frame struct {
	Type   string
	Record Record
	Data   []byte
	Binary bool
}

// Codec encodes outbound records, preferring CBOR and falling back to JSON.
type Codec struct {
	binary    bool
	marshal   func(any) ([]byte, error)
	fallbacks atomic.Uint64
}

// NewCodec returns a codec for the configured encoding.
func NewCodec(encoding string) *Codec {
	return &Codec{
		binary:  !strings.EqualFold(strings.TrimSpace(encoding), EncodingText),
		marshal: encMode.Marshal,
	}
}

// Encode serializes rec. A CBOR failure is counted and the record is sent
// as JSON text instead.
func (c *Codec) Encode(rec Record) (Frame, error) {
	f := Frame{Type: rec.Type(), Record: rec}
	if c.binary {
		data, err := c.marshal(map[string]any(rec))
		if err == nil {
			f.Data = data
			f.Binary = true
			return f, nil
		}
		c.fallbacks.Add(1)
	}
	data, err := json.Marshal(map[string]any(rec))
	if err != nil {
		return f, fmt.Errorf("broadcast: encode %s: %w", f.Type, err)
	}
	f.Data = data
	return f, nil
}

// Fallbacks returns how many records fell back to JSON.
func (c *Codec) Fallbacks() uint64 {
	return c.fallbacks.Load()
}

// Inbound is a decoded observer message.
type Inbound struct {
	Type    string   `json:"type" cbor:"type"`
	Valves  []int    `json:"valves,omitempty" cbor:"valves,omitempty"`
	MotorID *int     `json:"motor_id,omitempty" cbor:"motor_id,omitempty"`
	Angle   *float64 `json:"angle,omitempty" cbor:"angle,omitempty"`
	Mode    string   `json:"mode,omitempty" cbor:"mode,omitempty"`
}

var errNoType = errors.New("broadcast: message has no type")

// DecodeInbound parses an observer message sent as CBOR (binary) or JSON (text).
func DecodeInbound(data []byte, binary bool) (Inbound, error) {
	var in Inbound
	var err error
	if binary {
		err = decMode.Unmarshal(data, &in)
	} else {
		err = json.Unmarshal(data, &in)
	}
	if err != nil {
		return in, fmt.Errorf("broadcast: decode inbound: %w", err)
	}
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		return in, errNoType
	}
	return in, nil
}
