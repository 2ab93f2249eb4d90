package device

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Mock is a synthetic Device for development and tests: a sine-wave
// accelerometer, a small-noise gyroscope and a slowly breathing ambient
// light sensor. No hardware required.
type Mock struct {
	sensors []Descriptor
	start   time.Time

	mu       sync.Mutex
	active   map[int32]bool
	delayNs  map[int32]int64
	fallback time.Duration

	stop      chan struct{}
	closeOnce sync.Once
}

func NewMock(fallback time.Duration) *Mock {
	if fallback <= 0 {
		fallback = 50 * time.Millisecond
	}
	return &Mock{
		sensors: []Descriptor{
			{Handle: 0, Name: "mock 3-axis accelerometer", Vendor: "sensord", Type: TypeAccelerometer,
				Version: 1, MaxRange: 39.2, Resolution: 0.01, Power: 0.23, MinDelay: 10000},
			{Handle: 1, Name: "mock gyroscope", Vendor: "sensord", Type: TypeGyroscope,
				Version: 1, MaxRange: 8.7, Resolution: 0.001, Power: 6.1, MinDelay: 10000},
			{Handle: 2, Name: "mock ambient light", Vendor: "sensord", Type: TypeLight,
				Version: 1, MaxRange: 10000, Resolution: 1, Power: 0.75, MinDelay: 200000},
		},
		start:    time.Now(),
		active:   make(map[int32]bool),
		delayNs:  make(map[int32]int64),
		fallback: fallback,
		stop:     make(chan struct{}),
	}
}

func (m *Mock) Sensors() []Descriptor {
	out := make([]Descriptor, len(m.sensors))
	copy(out, m.sensors)
	return out
}

func (m *Mock) known(handle int32) bool {
	return handle >= 0 && int(handle) < len(m.sensors)
}

func (m *Mock) Activate(handle int32, enabled bool) error {
	if !m.known(handle) {
		return fmt.Errorf("activate %d: %w", handle, ErrUnknownHandle)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled {
		m.active[handle] = true
	} else {
		delete(m.active, handle)
	}
	return nil
}

func (m *Mock) SetDelay(handle int32, delayNs int64) error {
	if !m.known(handle) {
		return fmt.Errorf("set delay %d: %w", handle, ErrUnknownHandle)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayNs[handle] = delayNs
	return nil
}

func (m *Mock) SetFallback(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.fallback = d
	m.mu.Unlock()
}

func (m *Mock) Poll() ([]Event, error) {
	for {
		m.mu.Lock()
		interval := sampleInterval(m.active, m.delayNs, m.fallback)
		handles := make([]int32, 0, len(m.active))
		for handle := range m.active {
			handles = append(handles, handle)
		}
		m.mu.Unlock()

		select {
		case <-m.stop:
			return nil, ErrClosed
		case <-time.After(interval):
		}
		if len(handles) == 0 {
			continue
		}

		now := time.Now()
		t := now.Sub(m.start).Seconds()
		events := make([]Event, 0, len(handles))
		for _, handle := range handles {
			events = append(events, Event{
				Sensor:    handle,
				Type:      m.sensors[handle].Type,
				Timestamp: now.UnixNano(),
				Payload:   m.reading(handle, t),
			})
		}
		return events, nil
	}
}

func (m *Mock) reading(handle int32, t float64) [PayloadSize]byte {
	switch m.sensors[handle].Type {
	case TypeAccelerometer:
		// Device lying flat, gently rocking around gravity on z.
		return Payload(
			float32(0.4*math.Sin(t)),
			float32(0.4*math.Cos(t*1.3)),
			float32(9.81+0.05*math.Sin(t*3)),
		)
	case TypeGyroscope:
		return Payload(
			float32(0.01*math.Sin(t*7)),
			float32(0.01*math.Cos(t*5)),
			float32(0.01*math.Sin(t*11)),
		)
	case TypeLight:
		return Payload(float32(500 + 450*math.Sin(t/30)))
	}
	return Payload()
}

func (m *Mock) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}
