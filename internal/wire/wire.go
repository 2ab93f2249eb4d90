// Package wire encodes and decodes the sensord protocol records. All
// integers are fixed-width in native byte order; the protocol never crosses
// a machine boundary. Each record travels in exactly one transport message,
// so decoders work on complete message buffers rather than byte streams.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sensor-proxy/sensord/internal/device"
)

// Command ids. Batch and Flush are accepted on the wire but are no-ops on
// the server; unknown ids are ignored entirely for forward compatibility.
const (
	CmdActivate int32 = 0
	CmdSetDelay int32 = 1
	CmdBatch    int32 = 2
	CmdFlush    int32 = 3
)

const (
	// StringMax is the fixed width of the name and vendor buffers in the
	// handshake string blocks; 63 usable bytes plus a NUL.
	StringMax = 64

	CommandSize    = 16
	CountSize      = 4
	StringsSize    = 2 * StringMax
	DescriptorSize = 28
	EventSize      = 16 + device.PayloadSize
)

// ErrShortMessage reports a message too small to hold the record it is
// supposed to carry.
var ErrShortMessage = errors.New("short wire message")

// Command is one client control record: Value carries bool-as-int for
// CmdActivate and nanoseconds for CmdSetDelay.
type Command struct {
	Cmd    int32
	Handle int32
	Value  int64
}

// Strings is one handshake string block. Association with a descriptor is
// positional: the i-th block belongs to the i-th descriptor record.
type Strings struct {
	Name   string
	Vendor string
}

func EncodeCommand(c Command) []byte {
	buf := make([]byte, CommandSize)
	binary.NativeEndian.PutUint32(buf[0:], uint32(c.Cmd))
	binary.NativeEndian.PutUint32(buf[4:], uint32(c.Handle))
	binary.NativeEndian.PutUint64(buf[8:], uint64(c.Value))
	return buf
}

// DecodeCommand decodes the known prefix of a command message. Trailing
// bytes from future protocol revisions are ignored.
func DecodeCommand(data []byte) (Command, error) {
	if len(data) < CommandSize {
		return Command{}, fmt.Errorf("command record is %d bytes, want %d: %w", len(data), CommandSize, ErrShortMessage)
	}
	return Command{
		Cmd:    int32(binary.NativeEndian.Uint32(data[0:])),
		Handle: int32(binary.NativeEndian.Uint32(data[4:])),
		Value:  int64(binary.NativeEndian.Uint64(data[8:])),
	}, nil
}

func EncodeSensorCount(n int32) []byte {
	buf := make([]byte, CountSize)
	binary.NativeEndian.PutUint32(buf, uint32(n))
	return buf
}

func DecodeSensorCount(data []byte) (int32, error) {
	if len(data) < CountSize {
		return 0, fmt.Errorf("sensor count is %d bytes, want %d: %w", len(data), CountSize, ErrShortMessage)
	}
	return int32(binary.NativeEndian.Uint32(data)), nil
}

// EncodeStrings materializes the descriptors' name and vendor strings as
// consecutive fixed-width buffers, truncated to fit. The descriptor records
// themselves cannot carry variable-length strings inline.
func EncodeStrings(sensors []device.Descriptor) []byte {
	buf := make([]byte, len(sensors)*StringsSize)
	for i, s := range sensors {
		putString(buf[i*StringsSize:], s.Name)
		putString(buf[i*StringsSize+StringMax:], s.Vendor)
	}
	return buf
}

func DecodeStrings(data []byte, count int) ([]Strings, error) {
	if len(data) < count*StringsSize {
		return nil, fmt.Errorf("strings block is %d bytes, want %d: %w", len(data), count*StringsSize, ErrShortMessage)
	}
	out := make([]Strings, count)
	for i := range out {
		out[i].Name = getString(data[i*StringsSize:])
		out[i].Vendor = getString(data[i*StringsSize+StringMax:])
	}
	return out, nil
}

func EncodeDescriptors(sensors []device.Descriptor) []byte {
	buf := make([]byte, len(sensors)*DescriptorSize)
	for i, s := range sensors {
		b := buf[i*DescriptorSize:]
		binary.NativeEndian.PutUint32(b[0:], uint32(s.Handle))
		binary.NativeEndian.PutUint32(b[4:], uint32(s.Type))
		binary.NativeEndian.PutUint32(b[8:], uint32(s.Version))
		binary.NativeEndian.PutUint32(b[12:], math.Float32bits(s.MaxRange))
		binary.NativeEndian.PutUint32(b[16:], math.Float32bits(s.Resolution))
		binary.NativeEndian.PutUint32(b[20:], math.Float32bits(s.Power))
		binary.NativeEndian.PutUint32(b[24:], uint32(s.MinDelay))
	}
	return buf
}

// DecodeDescriptors decodes count descriptor records and joins them with
// their positional string blocks. strs may be shorter than count; missing
// blocks leave the name and vendor empty.
func DecodeDescriptors(data []byte, count int, strs []Strings) ([]device.Descriptor, error) {
	if len(data) < count*DescriptorSize {
		return nil, fmt.Errorf("descriptor block is %d bytes, want %d: %w", len(data), count*DescriptorSize, ErrShortMessage)
	}
	out := make([]device.Descriptor, count)
	for i := range out {
		b := data[i*DescriptorSize:]
		out[i] = device.Descriptor{
			Handle:     int32(binary.NativeEndian.Uint32(b[0:])),
			Type:       int32(binary.NativeEndian.Uint32(b[4:])),
			Version:    int32(binary.NativeEndian.Uint32(b[8:])),
			MaxRange:   math.Float32frombits(binary.NativeEndian.Uint32(b[12:])),
			Resolution: math.Float32frombits(binary.NativeEndian.Uint32(b[16:])),
			Power:      math.Float32frombits(binary.NativeEndian.Uint32(b[20:])),
			MinDelay:   int32(binary.NativeEndian.Uint32(b[24:])),
		}
		if i < len(strs) {
			out[i].Name = strs[i].Name
			out[i].Vendor = strs[i].Vendor
		}
	}
	return out, nil
}

func EncodeEvent(ev device.Event) []byte {
	buf := make([]byte, EventSize)
	binary.NativeEndian.PutUint32(buf[0:], uint32(ev.Sensor))
	binary.NativeEndian.PutUint32(buf[4:], uint32(ev.Type))
	binary.NativeEndian.PutUint64(buf[8:], uint64(ev.Timestamp))
	copy(buf[16:], ev.Payload[:])
	return buf
}

func DecodeEvent(data []byte) (device.Event, error) {
	if len(data) < EventSize {
		return device.Event{}, fmt.Errorf("event record is %d bytes, want %d: %w", len(data), EventSize, ErrShortMessage)
	}
	ev := device.Event{
		Sensor:    int32(binary.NativeEndian.Uint32(data[0:])),
		Type:      int32(binary.NativeEndian.Uint32(data[4:])),
		Timestamp: int64(binary.NativeEndian.Uint64(data[8:])),
	}
	copy(ev.Payload[:], data[16:])
	return ev, nil
}

// putString copies s into a StringMax-wide NUL-padded buffer, truncating to
// StringMax-1 bytes so the buffer always terminates.
func putString(buf []byte, s string) {
	n := copy(buf[:StringMax-1], s)
	for i := n; i < StringMax; i++ {
		buf[i] = 0
	}
}

func getString(buf []byte) string {
	for i := 0; i < StringMax; i++ {
		if buf[i] == 0 {
			return string(buf[:i])
		}
	}
	return string(buf[:StringMax-1])
}
