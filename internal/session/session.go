// Package session holds the per-client bookkeeping for the proxy: which
// sensors a connected client has enabled, the sampling delay it asked for,
// and the bounded registry of live sessions. Nothing in this package talks
// to the transport or the hardware.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// Session is the server-side state for one connected client. The enabled
// set and delay table are guarded by the proxy's shared lock, not by the
// session itself; Out is the outbound message queue drained by the
// connection's write goroutine.
type Session struct {
	ID  string
	Out chan []byte

	enabled        map[int32]bool
	requestedDelay map[int32]int64

	closeOnce sync.Once
}

// New creates a session with a fresh id and an outbound queue of the given
// capacity.
func New(queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Session{
		ID:             uuid.NewString(),
		Out:            make(chan []byte, queueSize),
		enabled:        make(map[int32]bool),
		requestedDelay: make(map[int32]int64),
	}
}

// Enable marks the sensor wanted by this client. Returns false if it was
// already enabled; redundant enables from clients are expected.
func (s *Session) Enable(handle int32) bool {
	if s.enabled[handle] {
		return false
	}
	s.enabled[handle] = true
	return true
}

// Disable clears the sensor from this client's enabled set. Returns false
// if it was not enabled.
func (s *Session) Disable(handle int32) bool {
	if !s.enabled[handle] {
		return false
	}
	delete(s.enabled, handle)
	return true
}

func (s *Session) IsEnabled(handle int32) bool {
	return s.enabled[handle]
}

// EnabledCount returns how many sensors this client currently has enabled.
// The dispatcher uses it to skip uninterested sessions before looking at
// individual events.
func (s *Session) EnabledCount() int {
	return len(s.enabled)
}

// EnabledHandles returns the client's enabled sensors; used on teardown to
// release each one.
func (s *Session) EnabledHandles() []int32 {
	out := make([]int32, 0, len(s.enabled))
	for h := range s.enabled {
		out = append(out, h)
	}
	return out
}

// SetRequestedDelay records the client's latest delay request for a handle.
// Kept even while the sensor is disabled for this client; a later enable
// feeds it into the aggregate.
func (s *Session) SetRequestedDelay(handle int32, delayNs int64) {
	s.requestedDelay[handle] = delayNs
}

// RequestedDelay returns the client's last delay request for a handle and
// whether one was ever made.
func (s *Session) RequestedDelay(handle int32) (int64, bool) {
	d, ok := s.requestedDelay[handle]
	return d, ok
}

// Queue appends a message to the outbound queue without blocking. Returns
// false when the queue is full or already closed; the caller decides the
// session's fate.
func (s *Session) Queue(msg []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.Out <- msg:
		return true
	default:
		return false
	}
}

// CloseOut closes the outbound queue, letting the write goroutine drain and
// exit. Safe to call more than once; teardown can race in from both the
// command path and the dispatch path.
func (s *Session) CloseOut() {
	s.closeOnce.Do(func() { close(s.Out) })
}
