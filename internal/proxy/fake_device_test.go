package proxy

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sensor-proxy/sensord/internal/device"
)

// fakeDevice records every adapter call and serves poll batches from a
// channel, so tests can drive the dispatcher deterministically.
type fakeDevice struct {
	sensors []device.Descriptor

	mu          sync.Mutex
	calls       []string
	activateErr error
	setDelayErr error

	events    chan []device.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeDevice(handles ...int32) *fakeDevice {
	f := &fakeDevice{
		events: make(chan []device.Event, 16),
		closed: make(chan struct{}),
	}
	for _, h := range handles {
		f.sensors = append(f.sensors, device.Descriptor{
			Handle: h,
			Name:   fmt.Sprintf("fake sensor %d", h),
			Vendor: "test",
			Type:   device.TypeAccelerometer,
		})
	}
	return f
}

func (f *fakeDevice) Sensors() []device.Descriptor { return f.sensors }

func (f *fakeDevice) Activate(handle int32, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("activate(%d,%t)", handle, enabled))
	return f.activateErr
}

func (f *fakeDevice) SetDelay(handle int32, delayNs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("setDelay(%d,%d)", handle, delayNs))
	return f.setDelayErr
}

func (f *fakeDevice) Poll() ([]device.Event, error) {
	select {
	case evs := <-f.events:
		return evs, nil
	case <-f.closed:
		return nil, device.ErrClosed
	}
}

func (f *fakeDevice) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeDevice) push(events ...device.Event) {
	f.events <- events
}

func (f *fakeDevice) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeDevice) countCalls(call string) int {
	n := 0
	for _, c := range f.callLog() {
		if c == call {
			n++
		}
	}
	return n
}

// waitForCall polls until the device has recorded the given call, failing
// the test after a deadline. Needed where a command travels through the
// socket before reaching the adapter.
func (f *fakeDevice) waitForCall(t *testing.T, call string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.countCalls(call) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("device never saw %s; calls: %s", call, strings.Join(f.callLog(), ", "))
}
