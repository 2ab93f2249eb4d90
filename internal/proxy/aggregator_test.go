package proxy

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/sensor-proxy/sensord/internal/device"
	"github.com/sensor-proxy/sensord/internal/session"
)

// newTestAggregator wires a fake device, a registry and n registered
// sessions, bypassing the socket layer.
func newTestAggregator(t *testing.T, dev *fakeDevice, n int) (*Aggregator, []*session.Session) {
	t.Helper()
	reg := session.NewRegistry(8)
	agg, err := newAggregator(dev, reg, dev.Sensors())
	if err != nil {
		t.Fatalf("newAggregator: %v", err)
	}
	sessions := make([]*session.Session, n)
	for i := range sessions {
		sessions[i] = session.New(4)
		if err := reg.Add(sessions[i]); err != nil {
			t.Fatalf("registry.Add: %v", err)
		}
	}
	return agg, sessions
}

func TestDuplicateHandlesRejected(t *testing.T) {
	dev := newFakeDevice(0, 1, 1)
	if _, err := newAggregator(dev, session.NewRegistry(8), dev.Sensors()); err == nil {
		t.Fatal("expected an error for duplicate sensor handles")
	}
}

func TestReferenceCounting(t *testing.T) {
	dev := newFakeDevice(0, 1, 2)
	agg, sessions := newTestAggregator(t, dev, 3)

	// N sessions enable the same handle: hardware is activated exactly
	// once, on the 0->1 edge.
	for _, s := range sessions {
		if err := agg.SetActivation(s, 1, true); err != nil {
			t.Fatalf("SetActivation: %v", err)
		}
	}
	if got := dev.countCalls("activate(1,true)"); got != 1 {
		t.Errorf("activate(1,true) called %d times, want 1", got)
	}
	if got := agg.EnabledCount(1); got != 3 {
		t.Errorf("EnabledCount(1) = %d, want 3", got)
	}

	// Deactivation happens exactly once, on the N->0 edge.
	for _, s := range sessions {
		if err := agg.SetActivation(s, 1, false); err != nil {
			t.Fatalf("SetActivation: %v", err)
		}
	}
	if got := dev.countCalls("activate(1,false)"); got != 1 {
		t.Errorf("activate(1,false) called %d times, want 1", got)
	}
	if got := agg.EnabledCount(1); got != 0 {
		t.Errorf("EnabledCount(1) = %d, want 0", got)
	}
}

func TestActivateIdempotence(t *testing.T) {
	dev := newFakeDevice(0)
	agg, sessions := newTestAggregator(t, dev, 1)
	s := sessions[0]

	agg.SetActivation(s, 0, true)
	agg.SetActivation(s, 0, true)
	agg.SetActivation(s, 0, true)

	if got := dev.countCalls("activate(0,true)"); got != 1 {
		t.Errorf("redundant enables caused %d adapter calls, want 1", got)
	}
	if got := agg.EnabledCount(0); got != 1 {
		t.Errorf("EnabledCount(0) = %d, want 1", got)
	}

	// Redundant disables after the real one are no-ops too.
	agg.SetActivation(s, 0, false)
	agg.SetActivation(s, 0, false)
	if got := dev.countCalls("activate(0,false)"); got != 1 {
		t.Errorf("redundant disables caused %d adapter calls, want 1", got)
	}
}

func TestUnknownHandle(t *testing.T) {
	dev := newFakeDevice(0, 1)
	agg, sessions := newTestAggregator(t, dev, 1)

	if err := agg.SetActivation(sessions[0], 9, true); !errors.Is(err, device.ErrUnknownHandle) {
		t.Errorf("SetActivation(9) = %v, want ErrUnknownHandle", err)
	}
	if err := agg.UpdateDelay(sessions[0], -1, 1000); !errors.Is(err, device.ErrUnknownHandle) {
		t.Errorf("UpdateDelay(-1) = %v, want ErrUnknownHandle", err)
	}
	if calls := dev.callLog(); len(calls) != 0 {
		t.Errorf("unknown handles reached the adapter: %v", calls)
	}
}

func TestMinDelayAggregation(t *testing.T) {
	dev := newFakeDevice(0)
	agg, sessions := newTestAggregator(t, dev, 3)

	delays := []int64{
		(50 * time.Millisecond).Nanoseconds(),
		(20 * time.Millisecond).Nanoseconds(),
		(100 * time.Millisecond).Nanoseconds(),
	}
	for i, s := range sessions {
		agg.SetActivation(s, 0, true)
		if err := agg.UpdateDelay(s, 0, delays[i]); err != nil {
			t.Fatalf("UpdateDelay: %v", err)
		}
	}

	if got := agg.EffectiveDelay(0); got != delays[1] {
		t.Errorf("effective delay = %s, want 20ms", time.Duration(got))
	}

	// Removing the tightest requester re-triggers recomputation.
	agg.SetActivation(sessions[1], 0, false)
	if got := agg.EffectiveDelay(0); got != delays[0] {
		t.Errorf("effective delay after removal = %s, want 50ms", time.Duration(got))
	}
}

func TestDelayOfDisabledSessionDoesNotParticipate(t *testing.T) {
	dev := newFakeDevice(0)
	agg, sessions := newTestAggregator(t, dev, 2)

	agg.SetActivation(sessions[0], 0, true)
	agg.UpdateDelay(sessions[0], 0, (50 * time.Millisecond).Nanoseconds())

	// A request from a session that has the sensor disabled is stored
	// but must not tighten the aggregate yet.
	agg.UpdateDelay(sessions[1], 0, (5 * time.Millisecond).Nanoseconds())
	if got := agg.EffectiveDelay(0); got != (50 * time.Millisecond).Nanoseconds() {
		t.Errorf("effective delay = %s, want 50ms", time.Duration(got))
	}

	// Enabling feeds the stored request into the minimum.
	agg.SetActivation(sessions[1], 0, true)
	if got := agg.EffectiveDelay(0); got != (5 * time.Millisecond).Nanoseconds() {
		t.Errorf("effective delay after enable = %s, want 5ms", time.Duration(got))
	}
}

func TestNonPositiveDelayIgnored(t *testing.T) {
	dev := newFakeDevice(0)
	agg, sessions := newTestAggregator(t, dev, 1)

	agg.SetActivation(sessions[0], 0, true)
	agg.UpdateDelay(sessions[0], 0, 0)
	agg.UpdateDelay(sessions[0], 0, -5)

	if got := agg.EffectiveDelay(0); got != 0 {
		t.Errorf("non-positive requests changed the effective delay to %d", got)
	}
	if got := dev.countCalls("setDelay(0,0)") + dev.countCalls("setDelay(0,-5)"); got != 0 {
		t.Errorf("non-positive requests reached the adapter")
	}
}

func TestDelayReissuedOnReactivation(t *testing.T) {
	dev := newFakeDevice(0)
	agg, sessions := newTestAggregator(t, dev, 1)
	s := sessions[0]
	delay := (10 * time.Millisecond).Nanoseconds()

	agg.SetActivation(s, 0, true)
	agg.UpdateDelay(s, 0, delay)
	agg.SetActivation(s, 0, false)

	// Hardware may forget the delay across deactivation; the known
	// effective value is pushed again right after activate.
	agg.SetActivation(s, 0, true)
	if got := dev.countCalls("setDelay(0," + strconv.FormatInt(delay, 10) + ")"); got != 2 {
		t.Errorf("setDelay issued %d times, want 2 (initial + reactivation)", got)
	}
}

func TestAdapterFailureKeepsBookkeeping(t *testing.T) {
	dev := newFakeDevice(0)
	dev.activateErr = errors.New("hardware says no")
	dev.setDelayErr = errors.New("hardware says no")
	agg, sessions := newTestAggregator(t, dev, 1)
	s := sessions[0]

	// Adapter failures are logged, not propagated; the session's intent
	// is still recorded so the next transition can retry.
	if err := agg.SetActivation(s, 0, true); err != nil {
		t.Fatalf("SetActivation should swallow adapter errors, got %v", err)
	}
	if got := agg.EnabledCount(0); got != 1 {
		t.Errorf("EnabledCount = %d, want 1 despite adapter failure", got)
	}
	if err := agg.UpdateDelay(s, 0, 1000); err != nil {
		t.Fatalf("UpdateDelay should swallow adapter errors, got %v", err)
	}
	if got := agg.EffectiveDelay(0); got != 1000 {
		t.Errorf("EffectiveDelay = %d, want 1000 despite adapter failure", got)
	}
}

func TestDropSession(t *testing.T) {
	dev := newFakeDevice(0, 1, 2)
	agg, sessions := newTestAggregator(t, dev, 2)
	a, b := sessions[0], sessions[1]

	agg.SetActivation(a, 0, true)
	agg.SetActivation(a, 1, true)
	agg.SetActivation(b, 1, true)
	agg.SetActivation(b, 2, true)

	agg.DropSession(a)

	// Handle 0 was a's alone: deactivated. Handle 1 is still wanted by
	// b: count drops to 1, no hardware call. Handle 2 untouched.
	if got := dev.countCalls("activate(0,false)"); got != 1 {
		t.Errorf("activate(0,false) called %d times, want 1", got)
	}
	if got := dev.countCalls("activate(1,false)"); got != 0 {
		t.Errorf("activate(1,false) called %d times, want 0", got)
	}
	if got := agg.EnabledCount(1); got != 1 {
		t.Errorf("EnabledCount(1) = %d, want 1", got)
	}
	if got := agg.EnabledCount(2); got != 1 {
		t.Errorf("EnabledCount(2) = %d, want 1", got)
	}

	// A second drop finds nothing to release.
	agg.DropSession(a)
	if got := dev.countCalls("activate(0,false)"); got != 1 {
		t.Errorf("repeated DropSession produced extra adapter calls")
	}
}

// TestTwoClientScenario walks the end-to-end accounting example: A and B
// share a handle with different delay requests, then leave one at a time.
func TestTwoClientScenario(t *testing.T) {
	dev := newFakeDevice(0, 1, 2, 3)
	agg, sessions := newTestAggregator(t, dev, 2)
	a, b := sessions[0], sessions[1]
	ms10 := (10 * time.Millisecond).Nanoseconds()
	ms5 := (5 * time.Millisecond).Nanoseconds()

	agg.SetActivation(a, 3, true)
	agg.UpdateDelay(a, 3, ms10)
	agg.SetActivation(b, 3, true)
	agg.UpdateDelay(b, 3, ms5)

	if got := dev.countCalls("activate(3,true)"); got != 1 {
		t.Errorf("activate(3,true) called %d times, want 1", got)
	}
	if got := agg.EffectiveDelay(3); got != ms5 {
		t.Errorf("effective delay = %s, want 5ms", time.Duration(got))
	}

	// A leaves: B keeps the sensor alive, delay recomputes to B's 5ms
	// which is unchanged, so no further adapter traffic.
	before := len(dev.callLog())
	agg.DropSession(a)
	if got := agg.EnabledCount(3); got != 1 {
		t.Errorf("EnabledCount(3) after A left = %d, want 1", got)
	}
	if got := dev.countCalls("activate(3,false)"); got != 0 {
		t.Errorf("sensor deactivated while B still wants it")
	}
	if after := len(dev.callLog()); after != before {
		t.Errorf("A's departure caused adapter calls: %v", dev.callLog()[before:])
	}

	// B leaves: last reference gone, hardware deactivated once.
	agg.DropSession(b)
	if got := dev.countCalls("activate(3,false)"); got != 1 {
		t.Errorf("activate(3,false) called %d times, want 1", got)
	}
}
