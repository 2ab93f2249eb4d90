package proxy

import (
	"fmt"
	"log"
	"time"

	"github.com/sensor-proxy/sensord/internal/device"
	"github.com/sensor-proxy/sensord/internal/session"
)

// Aggregator turns per-session intent into minimal hardware calls: a sensor
// is activated on the 0→1 edge of demand and deactivated on the 1→0 edge,
// and the delay pushed to the device is always the tightest positive
// request among the sessions that have the sensor enabled.
//
// All methods must be called with the server's state lock held; the
// per-handle table and the sessions' enabled sets are part of the one
// cohesive state that lock guards. Device activate/set-delay calls happen
// under the lock too; the adapter contract assumes they are fast relative
// to poll.
type Aggregator struct {
	dev      device.Device
	registry *session.Registry
	handles  map[int32]*handleState
}

type handleState struct {
	enabledCount   int
	effectiveDelay int64 // last delay pushed to the device, 0 = never set
}

// newAggregator builds the per-handle table from the descriptor list.
// Commands naming any other handle get a definite error instead of an
// out-of-range access.
func newAggregator(dev device.Device, registry *session.Registry, sensors []device.Descriptor) (*Aggregator, error) {
	handles := make(map[int32]*handleState, len(sensors))
	for _, s := range sensors {
		if _, dup := handles[s.Handle]; dup {
			return nil, fmt.Errorf("device reports duplicate sensor handle %d", s.Handle)
		}
		handles[s.Handle] = &handleState{}
	}
	return &Aggregator{dev: dev, registry: registry, handles: handles}, nil
}

// SetActivation applies one client's enable/disable intent for a handle.
// Redundant requests are no-ops. Adapter failures are logged and the
// bookkeeping still applied, so the state reflects what the client asked
// for and the next transition retries the hardware.
func (a *Aggregator) SetActivation(sess *session.Session, handle int32, enabled bool) error {
	st, ok := a.handles[handle]
	if !ok {
		return fmt.Errorf("%w: %d", device.ErrUnknownHandle, handle)
	}

	if enabled {
		if !sess.Enable(handle) {
			return nil
		}
		st.enabledCount++
		if st.enabledCount == 1 {
			if err := a.dev.Activate(handle, true); err != nil {
				log.Printf("session %s: activate sensor %d failed: %v", sess.ID, handle, err)
			}
			// Hardware may reset the delay on (re)activation.
			if st.effectiveDelay != 0 {
				if err := a.dev.SetDelay(handle, st.effectiveDelay); err != nil {
					log.Printf("session %s: re-issuing delay %s for sensor %d failed: %v",
						sess.ID, time.Duration(st.effectiveDelay), handle, err)
				}
			}
		}
	} else {
		if !sess.Disable(handle) {
			return nil
		}
		st.enabledCount--
		if st.enabledCount == 0 {
			if err := a.dev.Activate(handle, false); err != nil {
				log.Printf("session %s: deactivate sensor %d failed: %v", sess.ID, handle, err)
			}
		}
	}

	a.recomputeDelay(handle, st)
	a.logEnabled()
	return nil
}

// UpdateDelay records one client's delay request and recomputes the
// aggregate. The request is stored even while the client has the sensor
// disabled; a later enable feeds it into the minimum.
func (a *Aggregator) UpdateDelay(sess *session.Session, handle int32, delayNs int64) error {
	st, ok := a.handles[handle]
	if !ok {
		return fmt.Errorf("%w: %d", device.ErrUnknownHandle, handle)
	}
	sess.SetRequestedDelay(handle, delayNs)
	a.recomputeDelay(handle, st)
	return nil
}

// DropSession releases every sensor the session had enabled, as if each had
// received an explicit disable. Idempotent: a second call finds nothing
// enabled.
func (a *Aggregator) DropSession(sess *session.Session) {
	for _, handle := range sess.EnabledHandles() {
		if err := a.SetActivation(sess, handle, false); err != nil {
			log.Printf("session %s: releasing sensor %d on teardown: %v", sess.ID, handle, err)
		}
	}
}

// recomputeDelay pushes the minimum positive delay requested by sessions
// that currently have the handle enabled. Sessions without a positive
// request do not participate; if nobody qualifies, nothing is pushed.
func (a *Aggregator) recomputeDelay(handle int32, st *handleState) {
	min := int64(0)
	a.registry.ForEach(func(s *session.Session) {
		if !s.IsEnabled(handle) {
			return
		}
		d, ok := s.RequestedDelay(handle)
		if !ok || d <= 0 {
			return
		}
		if min == 0 || d < min {
			min = d
		}
	})
	if min == 0 {
		return
	}
	if st.effectiveDelay != 0 && min == st.effectiveDelay {
		return
	}
	log.Printf("setting delay of sensor %d to %s", handle, time.Duration(min))
	st.effectiveDelay = min
	if err := a.dev.SetDelay(handle, min); err != nil {
		log.Printf("set delay for sensor %d failed: %v", handle, err)
	}
}

// EnabledCount reports how many sessions currently want the handle active.
func (a *Aggregator) EnabledCount(handle int32) int {
	if st, ok := a.handles[handle]; ok {
		return st.enabledCount
	}
	return 0
}

// EffectiveDelay reports the delay last pushed to the device for the
// handle, 0 if never set.
func (a *Aggregator) EffectiveDelay(handle int32) int64 {
	if st, ok := a.handles[handle]; ok {
		return st.effectiveDelay
	}
	return 0
}

// logEnabled prints the sensors that remain active and by how many clients,
// after every activation change.
func (a *Aggregator) logEnabled() {
	for handle, st := range a.handles {
		if st.enabledCount > 0 {
			log.Printf("sensor %d enabled by %d client(s), delay %s",
				handle, st.enabledCount, time.Duration(st.effectiveDelay))
		}
	}
}
