// Package ws bridges websocket connections to terminal sessions.
//
// Each connection runs two goroutines: readPump decodes inbound envelopes
// (keystrokes, resize hints) and writePump encodes outbound frames (PTY
// output, control messages). A client moves through
// Handshaking → Active → Draining → Closed; transport errors, protocol
// errors, and hub eviction all land in Closed.
package ws

import (
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nn1a/rwshell/internal/model"
	"github.com/nn1a/rwshell/internal/session"
	"github.com/nn1a/rwshell/internal/wire"
)

const (
	// writeWait is the socket write backpressure deadline; a viewer that
	// cannot absorb a frame within it is closed as a slow consumer.
	writeWait = 2 * time.Second

	// drainWait bounds the outbound flush when the session ends.
	drainWait = 500 * time.Millisecond

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Write frames nest two base64
	// layers, so this comfortably fits a 64 KiB keystroke payload.
	maxMessageSize = 512 * 1024
)

// State is a client's lifecycle phase.
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateDraining
	StateClosed
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Transport security is delegated to the hosting layer.
		return true
	},
}

// Client is one viewer's websocket connection bound to a session.
type Client struct {
	sess   *session.Controller
	viewer *session.Viewer
	conn   *websocket.Conn

	state     atomic.Int32
	closeOnce sync.Once
}

// Handle upgrades the HTTP request and attaches the connection to the
// session as a viewer. It returns once the pumps are running.
func Handle(w http.ResponseWriter, r *http.Request, sess *session.Controller, writable bool) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	viewer, err := sess.AttachViewer(writable)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return nil
	}

	c := &Client{
		sess:   sess,
		viewer: viewer,
		conn:   conn,
	}
	c.state.Store(int32(StateHandshaking))

	go c.writePump()
	go c.readPump()
	return nil
}

// State returns the client's current lifecycle phase.
func (c *Client) State() State {
	return State(c.state.Load())
}

// closeWith transitions to Closed exactly once: it sends a close frame with
// the given code, closes the socket, and detaches the viewer.
func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
		c.sess.DetachViewer(c.viewer.ID())
	})
}

// write sends one text frame under the write deadline. A frame the peer
// cannot absorb before the deadline closes the viewer as a slow consumer.
func (c *Client) write(msg []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(websocket.TextMessage, msg)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.closeWith(websocket.ClosePolicyViolation, "slow consumer")
	}
	return err
}

func (c *Client) writeOutput(frame []byte) error {
	c.viewer.Ack(len(frame))
	msg, err := wire.EncodeWrite(frame)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// writePump encodes outbound traffic: the handshake control messages and
// backfill first, then hub frames and control messages as they arrive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeWith(websocket.CloseNormalClosure, "")
	}()

	// Handshake: the preloaded WinSize/ReadOnly/Headless messages and any
	// backfilled output go out before the first live frame.
	for drained := false; !drained; {
		select {
		case msg := <-c.viewer.Control():
			if err := c.write(msg); err != nil {
				return
			}
		default:
			drained = true
		}
	}
	if backfill := c.viewer.Backfill(); len(backfill) > 0 {
		msg, err := wire.EncodeWrite(backfill)
		if err != nil {
			return
		}
		if err := c.write(msg); err != nil {
			return
		}
	}
	c.state.Store(int32(StateActive))

	for {
		select {
		case <-c.sess.Done():
			c.drain()
			return

		case <-c.viewer.Evicted():
			log.Printf("ws: viewer %s evicted as slow consumer", c.viewer.ID())
			c.closeWith(websocket.ClosePolicyViolation, "slow consumer")
			return

		case msg := <-c.viewer.Control():
			if err := c.write(msg); err != nil {
				return
			}

		case frame := <-c.viewer.Frames():
			if err := c.writeOutput(frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain flushes the outbound queue within drainWait, then closes with a
// normal-closure code. Inbound traffic is no longer accepted.
func (c *Client) drain() {
	c.state.Store(int32(StateDraining))
	deadline := time.Now().Add(drainWait)

	for time.Now().Before(deadline) {
		select {
		case msg := <-c.viewer.Control():
			if err := c.write(msg); err != nil {
				c.closeWith(websocket.CloseNormalClosure, "session closed")
				return
			}
		case frame := <-c.viewer.Frames():
			if err := c.writeOutput(frame); err != nil {
				c.closeWith(websocket.CloseNormalClosure, "session closed")
				return
			}
		default:
			// Queue empty; everything flushed.
			c.closeWith(websocket.CloseNormalClosure, "session closed")
			return
		}
	}
	c.closeWith(websocket.CloseNormalClosure, "session closed")
}

// readPump decodes inbound envelopes and routes them to the session.
func (c *Client) readPump() {
	defer c.closeWith(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("ws: viewer %s: %v", c.viewer.ID(), err)
			}
			return
		}

		// Draining and closed viewers stop accepting inbound.
		if c.State() >= StateDraining {
			continue
		}

		env, err := wire.Decode(raw)
		if err != nil {
			c.closeWith(websocket.CloseProtocolError, "protocol error")
			return
		}

		switch env.Type {
		case wire.KindWrite:
			data, err := env.DecodeWrite()
			if err != nil {
				c.closeWith(websocket.CloseProtocolError, "protocol error")
				return
			}
			if err := c.sess.Submit(c.viewer, data); err != nil {
				if errors.Is(err, model.ErrReadOnly) {
					// Keystrokes from read-only viewers are discarded.
					continue
				}
				return
			}

		case wire.KindWinSize:
			cols, rows, err := env.DecodeWinSize()
			if err != nil {
				c.closeWith(websocket.CloseProtocolError, "protocol error")
				return
			}
			if err := c.sess.HintResize(c.viewer, cols, rows); err != nil {
				log.Printf("ws: viewer %s: resize hint %dx%d rejected: %v", c.viewer.ID(), cols, rows, err)
			}

		default:
			log.Printf("ws: viewer %s: unknown message type %q dropped", c.viewer.ID(), env.Type)
		}
	}
}
