package persist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"

	"teststand/buffer"
	"teststand/telemetry"
)

// Snapshot file layout (little endian):
//
//	magic "TLMC" | version u8 | codec u8 | rows u32 | columns u16
//	per column: name length u8, name bytes
//	raw size u32 | payload size u32 | payload
//	xxh3 u64 over everything before it
//
// The raw payload is column-major: the float64 timestamp column followed by
// one float32 column per sensor.
const (
	columnarMagic   = "TLMC"
	columnarVersion = 1

	// Crash backup layout: magic "TLMB" | rows u32 | columns u16 |
	// rows*columns float64 row-major | xxh3 u64.
	backupMagic = "TLMB"
)

var errChecksum = errors.New("checksum mismatch")

func encodeColumnar(snap buffer.Snapshot, codec Compression) ([]byte, error) {
	rows := snap.Len()
	cols := telemetry.FileColumns()

	raw := make([]byte, 0, rows*8+rows*4*telemetry.NumColumns)
	for _, ts := range snap.Timestamps {
		raw = binary.LittleEndian.AppendUint64(raw, math.Float64bits(ts))
	}
	for c := 0; c < telemetry.NumColumns; c++ {
		for r := 0; r < rows; r++ {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(snap.Rows[r][c]))
		}
	}
	payload, used, err := compress(raw, codec)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.WriteString(columnarMagic)
	out.WriteByte(columnarVersion)
	out.WriteByte(byte(used))
	out.Write(binary.LittleEndian.AppendUint32(nil, uint32(rows)))
	out.Write(binary.LittleEndian.AppendUint16(nil, uint16(len(cols))))
	for _, name := range cols {
		out.WriteByte(byte(len(name)))
		out.WriteString(name)
	}
	out.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(raw))))
	out.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(payload))))
	out.Write(payload)
	sum := xxh3.Hash(out.Bytes())
	out.Write(binary.LittleEndian.AppendUint64(nil, sum))
	return out.Bytes(), nil
}

// reader walks a byte slice and remembers the first short read.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("truncated at offset %d", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func verifyChecksum(data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too short (%d bytes)", len(data))
	}
	body := data[:len(data)-8]
	want := binary.LittleEndian.Uint64(data[len(data)-8:])
	if xxh3.Hash(body) != want {
		return nil, errChecksum
	}
	return body, nil
}

// columnarFile is a decoded snapshot file.
type columnarFile struct {
	codec   Compression
	columns []string
	snap    buffer.Snapshot
}

func decodeColumnar(data []byte) (columnarFile, error) {
	body, err := verifyChecksum(data)
	if err != nil {
		return columnarFile{}, err
	}
	r := &reader{buf: body}
	if string(r.take(len(columnarMagic))) != columnarMagic {
		return columnarFile{}, errors.New("not a snapshot file")
	}
	if v := r.u8(); v != columnarVersion {
		return columnarFile{}, fmt.Errorf("unsupported snapshot version %d", v)
	}
	codec := Compression(r.u8())
	rows := int(r.u32())
	ncols := int(r.u16())
	columns := make([]string, 0, ncols)
	for i := 0; i < ncols; i++ {
		n := int(r.u8())
		columns = append(columns, string(r.take(n)))
	}
	rawSize := int(r.u32())
	payload := r.take(int(r.u32()))
	if r.err != nil {
		return columnarFile{}, r.err
	}
	if ncols != telemetry.NumColumns+1 {
		return columnarFile{}, fmt.Errorf("snapshot has %d columns, expected %d", ncols, telemetry.NumColumns+1)
	}
	if rawSize != rows*8+rows*4*telemetry.NumColumns {
		return columnarFile{}, fmt.Errorf("payload size %d does not match %d rows", rawSize, rows)
	}
	raw, err := decompress(payload, codec, rawSize)
	if err != nil {
		return columnarFile{}, err
	}

	snap := buffer.Snapshot{
		Timestamps: make([]float64, rows),
		Rows:       make([]telemetry.Row, rows),
	}
	off := 0
	for i := range snap.Timestamps {
		snap.Timestamps[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[off:]))
		off += 8
	}
	for c := 0; c < telemetry.NumColumns; c++ {
		for i := 0; i < rows; i++ {
			snap.Rows[i][c] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
			off += 4
		}
	}
	return columnarFile{codec: codec, columns: columns, snap: snap}, nil
}

func encodeBackup(snap buffer.Snapshot) []byte {
	rows := snap.Len()
	width := telemetry.NumColumns + 1
	out := make([]byte, 0, len(backupMagic)+6+rows*width*8+8)
	out = append(out, backupMagic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(rows))
	out = binary.LittleEndian.AppendUint16(out, uint16(width))
	for i := 0; i < rows; i++ {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(snap.Timestamps[i]))
		for _, v := range snap.Rows[i] {
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(float64(v)))
		}
	}
	return binary.LittleEndian.AppendUint64(out, xxh3.Hash(out))
}

func decodeBackup(data []byte) (buffer.Snapshot, error) {
	body, err := verifyChecksum(data)
	if err != nil {
		return buffer.Snapshot{}, err
	}
	r := &reader{buf: body}
	if string(r.take(len(backupMagic))) != backupMagic {
		return buffer.Snapshot{}, errors.New("not a backup file")
	}
	rows := int(r.u32())
	width := int(r.u16())
	if r.err != nil {
		return buffer.Snapshot{}, r.err
	}
	if width != telemetry.NumColumns+1 {
		return buffer.Snapshot{}, fmt.Errorf("backup has %d columns, expected %d", width, telemetry.NumColumns+1)
	}
	values := r.take(rows * width * 8)
	if r.err != nil {
		return buffer.Snapshot{}, r.err
	}
	snap := buffer.Snapshot{
		Timestamps: make([]float64, rows),
		Rows:       make([]telemetry.Row, rows),
	}
	off := 0
	next := func() float64 {
		v := math.Float64frombits(binary.LittleEndian.Uint64(values[off:]))
		off += 8
		return v
	}
	for i := 0; i < rows; i++ {
		snap.Timestamps[i] = next()
		for c := range snap.Rows[i] {
			snap.Rows[i][c] = float32(next())
		}
	}
	return snap, nil
}
