package websocket

import (
	"encoding/json"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/maestro/engine/internal/corelog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1MiB per inbound frame

	// authFrameWait bounds how long HandleConnection waits for the
	// first frame (the per-installation token) after upgrade before
	// closing an unauthenticated socket.
	authFrameWait = 5 * time.Second

	// sendBufferCap is the drop-slow-client threshold: once a client's
	// queued-but-unsent payload bytes exceed this, further outbound
	// frames are dropped rather than blocking the hub loop.
	sendBufferCap = 4 << 20 // 4MiB
)

// Client is one authenticated remote-control connection. Reads are
// pumped into the hub's command channel; writes are serialized onto the
// connection by a single per-client goroutine so concurrent hub
// broadcasts never interleave frames on the wire.
type Client struct {
	hub  *Hub
	conn *gorilla.Conn
	log  *corelog.Logger

	send            chan []byte
	sendBytes       int64
	closed          chan struct{}
	selectedSession string
	selectedTab     string
}

func newClient(hub *Hub, conn *gorilla.Conn, log *corelog.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		log:    log,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

// enqueue attempts to queue a frame for delivery, dropping it if the
// client's outstanding buffer already exceeds sendBufferCap.
func (c *Client) enqueue(payload []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	if c.sendBytes+int64(len(payload)) > sendBufferCap {
		if c.log != nil {
			c.log.Warn("dropping frame for slow client", zap.Int("bytes", len(payload)), zap.Int64("buffered", c.sendBytes))
		}
		return
	}
	select {
	case c.send <- payload:
		c.sendBytes += int64(len(payload))
	default:
		if c.log != nil {
			c.log.Warn("client send channel full, dropping frame")
		}
	}
}

// readPump pulls inbound command frames off the socket until it closes
// or errors, dispatching each to the hub's command handler.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(encode(NewError("", "", "malformed frame")))
			continue
		}
		c.hub.dispatchCommand(c, &msg)
	}
}

// writePump owns the socket for writing: it serializes hub-queued
// frames and periodic pings onto the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(gorilla.CloseMessage, []byte{})
				return
			}
			c.sendBytes -= int64(len(payload))
			if err := c.conn.WriteMessage(gorilla.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorilla.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func encode(msg *Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}
