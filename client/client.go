// Package client is the thin counterpart of the sensord wire protocol: it
// connects to the proxy socket, receives the sensor list, issues activate
// and set-delay commands and surfaces the event stream on a channel. It
// exists for tests and diagnostics; host frameworks embed their own
// adapter.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sensor-proxy/sensord/internal/device"
	"github.com/sensor-proxy/sensord/internal/wire"
)

type Client struct {
	conn    *websocket.Conn
	sensors []device.Descriptor
	events  chan device.Event

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the proxy socket and completes the handshake. The
// returned client already holds the full descriptor list; events start
// flowing once sensors are activated.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	// The host part of the URL is ignored by the unix dial above.
	conn, _, err := dialer.DialContext(ctx, "ws://sensord/", nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", socketPath, err)
	}

	c := &Client{
		conn:   conn,
		events: make(chan device.Event, 64),
	}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readEvents()
	return c, nil
}

// handshake consumes the three server messages: sensor count, string
// blocks, descriptor records. Their positional correspondence rebuilds the
// full descriptors.
func (c *Client) handshake() error {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("client: read sensor count: %w", err)
	}
	count, err := wire.DecodeSensorCount(data)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if count < 0 {
		return fmt.Errorf("client: server reports %d sensors", count)
	}

	_, data, err = c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("client: read sensor strings: %w", err)
	}
	strs, err := wire.DecodeStrings(data, int(count))
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}

	_, data, err = c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("client: read sensor list: %w", err)
	}
	c.sensors, err = wire.DecodeDescriptors(data, int(count), strs)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return nil
}

// readEvents decodes the asynchronous event stream. The channel closes when
// the connection dies; a blocked receiver applies backpressure into the
// server's per-session queue, which will cut a client that stops draining.
func (c *Client) readEvents() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := wire.DecodeEvent(data)
		if err != nil {
			continue
		}
		c.events <- ev
	}
}

// Sensors returns the descriptor list received during the handshake.
func (c *Client) Sensors() []device.Descriptor {
	out := make([]device.Descriptor, len(c.sensors))
	copy(out, c.sensors)
	return out
}

// Activate asks the server to enable or disable a sensor for this client.
func (c *Client) Activate(handle int32, enabled bool) error {
	v := int64(0)
	if enabled {
		v = 1
	}
	return c.send(wire.Command{Cmd: wire.CmdActivate, Handle: handle, Value: v})
}

// SetDelay requests a sampling interval ceiling for a sensor. The server
// aggregates requests across clients and pushes the tightest one to
// hardware.
func (c *Client) SetDelay(handle int32, d time.Duration) error {
	return c.send(wire.Command{Cmd: wire.CmdSetDelay, Handle: handle, Value: d.Nanoseconds()})
}

// Events returns the stream of sensor events for this client's enabled
// sensors. Closed when the connection goes away.
func (c *Client) Events() <-chan device.Event {
	return c.events
}

func (c *Client) send(cmd wire.Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, wire.EncodeCommand(cmd)); err != nil {
		return fmt.Errorf("client: send command %d: %w", cmd.Cmd, err)
	}
	return nil
}

// Close sends a clean close frame and drops the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
