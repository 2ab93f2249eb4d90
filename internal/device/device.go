package device

import (
	"encoding/binary"
	"errors"
	"math"
)

// PayloadSize is the fixed size of an event's opaque payload block. Large
// enough for 16 float32 readings, matching the widest sensor record any
// adapter produces.
const PayloadSize = 64

// Sensor type identifiers carried in Descriptor.Type and Event.Type.
const (
	TypeTemperature   int32 = 1
	TypeCPULoad       int32 = 2
	TypeLoadAverage   int32 = 3
	TypeMemoryUsage   int32 = 4
	TypeAccelerometer int32 = 5
	TypeGyroscope     int32 = 6
	TypeLight         int32 = 7
)

// ErrClosed is returned by Poll after Close has been called. The dispatcher
// treats it as a shutdown signal rather than a transient poll failure.
var ErrClosed = errors.New("device closed")

// ErrUnknownHandle is returned by Activate/SetDelay for a handle that is not
// part of the device's sensor list.
var ErrUnknownHandle = errors.New("unknown sensor handle")

// Descriptor describes one physical sensor. Obtained once at startup via
// Device.Sensors and never mutated afterwards.
type Descriptor struct {
	Handle     int32
	Name       string
	Vendor     string
	Type       int32
	Version    int32
	MaxRange   float32
	Resolution float32
	Power      float32
	MinDelay   int32
}

// Event is one sensor reading. The payload is opaque to the proxy and is
// forwarded to clients byte-for-byte.
type Event struct {
	Sensor    int32
	Type      int32
	Timestamp int64
	Payload   [PayloadSize]byte
}

// Device is the hardware adapter boundary. Sensors is called once at server
// start. Activate and SetDelay are invoked from the command path only, Poll
// from the single dispatcher goroutine only; no method is ever called
// concurrently with itself.
type Device interface {
	// Sensors returns the device's sensor list. Handles are unique.
	Sensors() []Descriptor

	// Activate enables or disables sampling for one sensor.
	Activate(handle int32, enabled bool) error

	// SetDelay requests a sampling interval for one sensor, in nanoseconds.
	SetDelay(handle int32, delayNs int64) error

	// Poll blocks until at least one event is available and returns the
	// batch. An error other than ErrClosed signals a transient failure;
	// the caller is expected to log and retry.
	Poll() ([]Event, error)

	// Close releases the device and unblocks any in-flight Poll, which
	// then returns ErrClosed.
	Close() error
}

// Payload packs float32 readings into an event payload block, native byte
// order. Values beyond the block capacity are dropped.
func Payload(values ...float32) [PayloadSize]byte {
	var p [PayloadSize]byte
	for i, v := range values {
		if (i+1)*4 > PayloadSize {
			break
		}
		binary.NativeEndian.PutUint32(p[i*4:], math.Float32bits(v))
	}
	return p
}

// PayloadValue extracts the i-th float32 reading from a payload block.
func PayloadValue(p [PayloadSize]byte, i int) float32 {
	if i < 0 || (i+1)*4 > PayloadSize {
		return 0
	}
	return math.Float32frombits(binary.NativeEndian.Uint32(p[i*4:]))
}
