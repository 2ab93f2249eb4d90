// Package proxy is the sensord core: it owns the listening socket, the
// per-client command loops, the activation aggregator and the event
// dispatch loop that fans hardware events out to interested clients.
package proxy

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/sensor-proxy/sensord/internal/device"
	"github.com/sensor-proxy/sensord/internal/session"
	"github.com/sensor-proxy/sensord/internal/wire"
)

// Options configures a Server. Zero values fall back to the defaults noted
// per field.
type Options struct {
	// SocketPath is the filesystem path the unix listener binds to. Any
	// stale socket is unlinked first.
	SocketPath string

	// MaxClients bounds the number of concurrently connected clients
	// (default 8). Further connections are accepted and immediately
	// closed; existing clients are never evicted.
	MaxClients int

	// SendQueueSize is the per-client outbound queue depth (default 64).
	// A client whose queue overflows is torn down.
	SendQueueSize int
}

// Server mediates all access to one Device on behalf of multiple mutually
// untrusted client processes. One mutex guards the session registry, each
// session's enable/delay tables and the aggregator's per-handle state; it
// is held for single logical operations only, never across blocking I/O.
type Server struct {
	opts    Options
	dev     device.Device
	sensors []device.Descriptor

	// Handshake messages are identical for every client; encoded once.
	handshake [][]byte

	mu       sync.Mutex
	registry *session.Registry
	agg      *Aggregator
	conns    map[*session.Session]*websocket.Conn

	httpSrv  *http.Server
	ln       net.Listener
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// New loads the device's sensor list, validates it and prepares the
// handshake. The device must already be open; sensor discovery failures are
// fatal startup errors.
func New(dev device.Device, opts Options) (*Server, error) {
	if opts.SocketPath == "" {
		return nil, errors.New("proxy: socket path not configured")
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = 8
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 64
	}

	sensors := dev.Sensors()
	if len(sensors) == 0 {
		return nil, errors.New("proxy: device reports no sensors")
	}

	registry := session.NewRegistry(opts.MaxClients)
	agg, err := newAggregator(dev, registry, sensors)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:    opts,
		dev:     dev,
		sensors: sensors,
		handshake: [][]byte{
			wire.EncodeSensorCount(int32(len(sensors))),
			wire.EncodeStrings(sensors),
			wire.EncodeDescriptors(sensors),
		},
		registry: registry,
		agg:      agg,
		conns:    make(map[*session.Session]*websocket.Conn),
	}

	log.Printf("sensors found: %d", len(sensors))
	for _, d := range sensors {
		log.Printf("  handle %d: %s (%s) type %d version %d maxRange %g resolution %g power %gmA minDelay %d",
			d.Handle, d.Name, d.Vendor, d.Type, d.Version, d.MaxRange, d.Resolution, d.Power, d.MinDelay)
	}

	return s, nil
}

// Start binds the socket and launches the acceptor and the dispatcher.
// Bind/listen failures abort startup; there is no degraded mode.
func (s *Server) Start() error {
	if err := os.Remove(s.opts.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("proxy: unlink stale socket %s: %w", s.opts.SocketPath, err)
	}

	ln, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("proxy: listen on %s: %w", s.opts.SocketPath, err)
	}
	s.ln = ln
	// Trust is filesystem permissions on the socket; tighten them.
	if err := os.Chmod(s.opts.SocketPath, 0o660); err != nil {
		log.Printf("couldn't restrict socket permissions on %s: %v", s.opts.SocketPath, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnect)
	s.httpSrv = &http.Server{Handler: mux}

	s.wg.Add(1)
	go s.pollLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("accept loop ended: %v", err)
		}
	}()

	log.Printf("listening on %s (max %d clients)", s.opts.SocketPath, s.opts.MaxClients)
	return nil
}

// Shutdown stops accepting, closes every client connection, releases the
// device and waits for both loops to finish.
func (s *Server) Shutdown() {
	s.stopping.Store(true)

	if s.httpSrv != nil {
		s.httpSrv.Close()
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, ws := range s.conns {
		conns = append(conns, ws)
	}
	s.mu.Unlock()
	for _, ws := range conns {
		ws.Close()
	}

	s.dev.Close()
	s.wg.Wait()

	os.Remove(s.opts.SocketPath)
	log.Printf("shut down")
}

// handleConnect upgrades the connection, performs the sensor-list handshake
// and then runs the client's command loop until the connection dies.
//
// Peer identity is established by filesystem permissions on the socket, so
// the upgrader accepts any origin.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	// Refuse ahead of the handshake when at capacity. Add below stays
	// authoritative; this just avoids handshaking a doomed client.
	s.mu.Lock()
	full := s.registry.Count() >= s.registry.Capacity()
	s.mu.Unlock()
	if full {
		log.Printf("refusing client: %d clients already connected", s.opts.MaxClients)
		ws.Close()
		return
	}

	// The client must hold the full sensor list before it can be
	// registered for dispatch.
	for _, msg := range s.handshake {
		if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			log.Printf("handshake send failed: %v", err)
			ws.Close()
			return
		}
	}

	sess := session.New(s.opts.SendQueueSize)
	s.mu.Lock()
	err = s.registry.Add(sess)
	if err == nil {
		s.conns[sess] = ws
	}
	s.mu.Unlock()
	if err != nil {
		log.Printf("refusing client: %v", err)
		ws.Close()
		return
	}

	log.Printf("session %s: client connected", sess.ID)
	go s.writePump(sess, ws)
	s.readLoop(sess, ws)
}

// readLoop processes one command per message until the peer goes away.
// Commands from one client are applied in the order sent; any read failure,
// clean or not, tears the session down so no sensor stays activated on
// behalf of a vanished client.
func (s *Server) readLoop(sess *session.Session, ws *websocket.Conn) {
	defer s.teardown(sess, ws)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if isPeerShutdown(err) || s.stopping.Load() {
				log.Printf("session %s: client disconnected", sess.ID)
			} else {
				log.Printf("session %s: receive failed: %v", sess.ID, err)
			}
			return
		}

		cmd, err := wire.DecodeCommand(data)
		if err != nil {
			// A message transport cannot deliver the remainder later;
			// drop the runt and keep the connection.
			log.Printf("session %s: unreadable command: %v", sess.ID, err)
			continue
		}
		s.handleCommand(sess, cmd)
	}
}

func (s *Server) handleCommand(sess *session.Session, cmd wire.Command) {
	switch cmd.Cmd {
	case wire.CmdActivate:
		s.mu.Lock()
		err := s.agg.SetActivation(sess, cmd.Handle, cmd.Value != 0)
		s.mu.Unlock()
		if err != nil {
			log.Printf("session %s: activate: %v", sess.ID, err)
		}
	case wire.CmdSetDelay:
		log.Printf("session %s: set delay: handle=%d ns=%d", sess.ID, cmd.Handle, cmd.Value)
		s.mu.Lock()
		err := s.agg.UpdateDelay(sess, cmd.Handle, cmd.Value)
		s.mu.Unlock()
		if err != nil {
			log.Printf("session %s: set delay: %v", sess.ID, err)
		}
	default:
		// Unknown or not-yet-supported ids (batch, flush) are ignored.
	}
}

// writePump drains the session's outbound queue onto the socket. It is the
// only writer on the connection, so the dispatcher and the handshake never
// interleave frames. Exits when the queue closes or a write fails; either
// way the connection is closed, which pops the read loop.
func (s *Server) writePump(sess *session.Session, ws *websocket.Conn) {
	defer ws.Close()
	for msg := range sess.Out {
		if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			log.Printf("session %s: send failed: %v", sess.ID, err)
			return
		}
	}
}

// teardown releases everything a session holds: its sensor activations
// (reference counts drop as if each enabled handle got an explicit
// disable), its registry slot and its connection. Safe to run twice; the
// second pass finds nothing to release.
func (s *Server) teardown(sess *session.Session, ws *websocket.Conn) {
	s.mu.Lock()
	s.agg.DropSession(sess)
	s.registry.Remove(sess)
	delete(s.conns, sess)
	remaining := s.registry.Count()
	s.mu.Unlock()

	sess.CloseOut()
	ws.Close()
	log.Printf("session %s: removed, %d client(s) remaining", sess.ID, remaining)
}

// isPeerShutdown reports whether a read error means the peer went away on
// purpose, which is logged as an expected event rather than a failure.
func isPeerShutdown(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, net.ErrClosed)
}
