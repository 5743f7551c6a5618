// Package telemetry defines the sensor frame decoded from the flight computer
// and the fixed column schema shared by the buffer and the snapshot files.
package telemetry

import (
	"math"
	"time"
)

// Sensor column indexes. The order is the storage order of the buffer rows
// and of the persisted files (after the leading timestamp column).
const (
	ColP1 = iota
	ColP2
	ColP3
	ColP4
	ColP5
	ColP6
	ColP7
	ColP8
	ColT1
	ColT2
	ColT3
	ColT4
	ColT5
	ColT6
	ColThroat1
	ColThroat2
	ColD1
	ColD2
	ColThrust
	ColIsp
	ColPChamber
	ColTotalImpulse
	ColExhaustVelocity

	NumColumns
)

// TimestampColumn names the leading column of persisted files.
const TimestampColumn = "timestamp"

var columnNames = [NumColumns]string{
	"P1", "P2", "P3", "P4", "P5", "P6", "P7", "P8",
	"T1", "T2", "T3", "T4", "T5", "T6",
	"Tthroat1", "Tthroat2",
	"D1", "D2",
	"thrust", "isp", "p_chamber", "total_impulse", "exhaust_velocity",
}

// ColumnNames returns the sensor column names in storage order.
func ColumnNames() []string {
	out := make([]string, NumColumns)
	copy(out, columnNames[:])
	return out
}

// FileColumns returns the persisted schema: timestamp followed by the sensor columns.
func FileColumns() []string {
	return append([]string{TimestampColumn}, columnNames[:]...)
}

// Row is one buffered sample in storage order.
type Row [NumColumns]float32

// Frame is the most recent decoded telemetry sample.
type Frame struct {
	Timestamp       time.Time
	Pressures       [8]float64
	Temperatures    [8]float64 // T1..T6, then the two throat probes
	Consumption     [2]float64 // D1 oxidizer, D2 fuel
	Thrust          float64
	Isp             float64
	PChamber        float64
	TotalImpulse    float64
	ExhaustVelocity float64
	DeltaP2         float64
	MassFlow        float64
	Errors          []string
}

// Row flattens the frame into storage order at reduced precision.
func (f *Frame) Row() Row {
	var r Row
	for i, v := range f.Pressures {
		r[ColP1+i] = float32(v)
	}
	for i, v := range f.Temperatures {
		r[ColT1+i] = float32(v)
	}
	r[ColD1] = float32(f.Consumption[0])
	r[ColD2] = float32(f.Consumption[1])
	r[ColThrust] = float32(f.Thrust)
	r[ColIsp] = float32(f.Isp)
	r[ColPChamber] = float32(f.PChamber)
	r[ColTotalImpulse] = float32(f.TotalImpulse)
	r[ColExhaustVelocity] = float32(f.ExhaustVelocity)
	return r
}

// UnixSeconds returns the capture time as fractional epoch seconds.
func (f *Frame) UnixSeconds() float64 {
	if f.Timestamp.IsZero() {
		return 0
	}
	return float64(f.Timestamp.UnixNano()) / 1e9
}

// FromUnixSeconds converts fractional epoch seconds back to a time.
func FromUnixSeconds(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Payload renders the frame as the map sent to observers.
func (f *Frame) Payload() map[string]any {
	errs := f.Errors
	if errs == nil {
		errs = []string{}
	}
	ts := ""
	if !f.Timestamp.IsZero() {
		ts = f.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{
		"pressures":        f.Pressures[:],
		"temperatures":     f.Temperatures[:],
		"consumption":      f.Consumption[:],
		"thrust":           f.Thrust,
		"isp":              f.Isp,
		"p_chamber":        f.PChamber,
		"total_impulse":    f.TotalImpulse,
		"exhaust_velocity": f.ExhaustVelocity,
		"deltap2":          f.DeltaP2,
		"mass_flow":        f.MassFlow,
		"timestamp":        ts,
		"errors":           errs,
	}
}
