package proxy

import (
	"errors"
	"log"

	"github.com/gorilla/websocket"

	"github.com/sensor-proxy/sensord/internal/device"
	"github.com/sensor-proxy/sensord/internal/session"
	"github.com/sensor-proxy/sensord/internal/wire"
)

// pollLoop is the event dispatcher: the one goroutine that ever calls
// Device.Poll. Each batch is fanned out under the state lock; transient
// poll failures are logged and retried, since poll itself blocks between
// samples.
func (s *Server) pollLoop() {
	defer s.wg.Done()
	log.Printf("event dispatcher started")

	for {
		events, err := s.dev.Poll()
		if s.stopping.Load() || errors.Is(err, device.ErrClosed) {
			log.Printf("event dispatcher stopped")
			return
		}
		if err != nil {
			log.Printf("sensor poll failed: %v", err)
			continue
		}
		if len(events) == 0 {
			log.Printf("sensor poll returned no events")
			continue
		}
		s.dispatch(events)
	}
}

// dispatch forwards one event batch to every session that has the event's
// sensor enabled. A session whose outbound queue is full is torn down on
// the spot, activation counts included, so a client that stopped draining
// cannot keep sensors activated.
func (s *Server) dispatch(events []device.Event) {
	// Encode once per event, not once per client.
	encoded := make([][]byte, len(events))
	for i, ev := range events {
		encoded[i] = wire.EncodeEvent(ev)
	}

	var dead []*session.Session
	s.mu.Lock()
	s.registry.ForEach(func(sess *session.Session) {
		if sess.EnabledCount() == 0 {
			return
		}
		for i, ev := range events {
			if !sess.IsEnabled(ev.Sensor) {
				continue
			}
			if !sess.Queue(encoded[i]) {
				dead = append(dead, sess)
				break
			}
		}
	})
	// Tear dead sessions out of the shared state while still holding the
	// lock; the fan-out above already finished with them.
	for _, sess := range dead {
		s.agg.DropSession(sess)
		s.registry.Remove(sess)
	}
	conns := make(map[*session.Session]*websocket.Conn, len(dead))
	for _, sess := range dead {
		if ws, ok := s.conns[sess]; ok {
			conns[sess] = ws
			delete(s.conns, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range dead {
		log.Printf("session %s: send queue overflow, disconnecting", sess.ID)
		sess.CloseOut()
		if ws, ok := conns[sess]; ok {
			ws.Close()
		}
	}
}
