package device

import (
	"errors"
	"testing"
	"time"
)

func TestMockSensors(t *testing.T) {
	m := NewMock(10 * time.Millisecond)
	defer m.Close()

	sensors := m.Sensors()
	if len(sensors) != 3 {
		t.Fatalf("got %d sensors, want 3", len(sensors))
	}
	for i, s := range sensors {
		if s.Handle != int32(i) {
			t.Errorf("sensor %d has handle %d; handles must be dense", i, s.Handle)
		}
		if s.Name == "" || s.Vendor == "" {
			t.Errorf("sensor %d missing name or vendor: %+v", i, s)
		}
	}

	// The returned slice is a copy; callers must not be able to corrupt
	// the device's inventory.
	sensors[0].Name = "tampered"
	if m.Sensors()[0].Name == "tampered" {
		t.Error("Sensors returned an aliased slice")
	}
}

func TestMockUnknownHandle(t *testing.T) {
	m := NewMock(10 * time.Millisecond)
	defer m.Close()

	if err := m.Activate(99, true); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Activate(99) = %v, want ErrUnknownHandle", err)
	}
	if err := m.Activate(-1, true); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Activate(-1) = %v, want ErrUnknownHandle", err)
	}
	if err := m.SetDelay(99, 1000); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("SetDelay(99) = %v, want ErrUnknownHandle", err)
	}
}

func TestMockPollDeliversActivatedSensors(t *testing.T) {
	m := NewMock(5 * time.Millisecond)
	defer m.Close()

	if err := m.Activate(0, true); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Activate(2, true); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	events, err := m.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	seen := make(map[int32]bool)
	for _, ev := range events {
		seen[ev.Sensor] = true
		if ev.Timestamp == 0 {
			t.Errorf("sensor %d event has zero timestamp", ev.Sensor)
		}
	}
	if !seen[0] || !seen[2] {
		t.Errorf("poll batch covers %v, want handles 0 and 2", seen)
	}
	if seen[1] {
		t.Error("poll batch includes sensor 1, which was never activated")
	}
}

func TestMockAccelerometerNearGravity(t *testing.T) {
	m := NewMock(5 * time.Millisecond)
	defer m.Close()

	m.Activate(0, true)
	events, err := m.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	z := PayloadValue(events[0].Payload, 2)
	if z < 9 || z > 11 {
		t.Errorf("accelerometer z = %v, want near 9.81", z)
	}
}

func TestMockCloseUnblocksPoll(t *testing.T) {
	m := NewMock(time.Hour)

	done := make(chan error, 1)
	go func() {
		_, err := m.Poll()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()
	m.Close() // idempotent

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Poll after Close = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not return after Close")
	}
}

func TestSampleInterval(t *testing.T) {
	fallback := 100 * time.Millisecond
	tests := []struct {
		name    string
		active  map[int32]bool
		delayNs map[int32]int64
		want    time.Duration
	}{
		{"no sensors", nil, nil, fallback},
		{"active without delay", map[int32]bool{0: true}, nil, fallback},
		{
			"min of active delays",
			map[int32]bool{0: true, 1: true},
			map[int32]int64{0: int64(20 * time.Millisecond), 1: int64(50 * time.Millisecond)},
			20 * time.Millisecond,
		},
		{
			"inactive delay ignored",
			map[int32]bool{1: true},
			map[int32]int64{0: int64(time.Millisecond), 1: int64(50 * time.Millisecond)},
			50 * time.Millisecond,
		},
		{
			"zero delay falls back",
			map[int32]bool{0: true},
			map[int32]int64{0: 0},
			fallback,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sampleInterval(tt.active, tt.delayNs, fallback); got != tt.want {
				t.Errorf("sampleInterval = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	p := Payload(1.5, -2.25, 9.81)
	if got := PayloadValue(p, 0); got != 1.5 {
		t.Errorf("value 0 = %v", got)
	}
	if got := PayloadValue(p, 1); got != -2.25 {
		t.Errorf("value 1 = %v", got)
	}
	if got := PayloadValue(p, 2); got != 9.81 {
		t.Errorf("value 2 = %v", got)
	}
	if got := PayloadValue(p, 3); got != 0 {
		t.Errorf("unused slot = %v, want 0", got)
	}
}
