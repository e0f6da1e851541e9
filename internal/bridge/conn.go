package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/omnibridge/pkg/wire"
)

const writeTimeout = 10 * time.Second

// Conn is one live peer connection, owned exclusively by the Manager.
// Writes are serialized by a mutex; the read loop is the only reader.
type Conn struct {
	id string
	ws *websocket.Conn

	mu           sync.Mutex
	open         bool
	awaitingPong bool
	lastPongAt   time.Time
}

func newConn(id string, ws *websocket.Conn) *Conn {
	c := &Conn{
		id:         id,
		ws:         ws,
		open:       true,
		lastPongAt: time.Now(),
	}
	ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.awaitingPong = false
		c.lastPongAt = time.Now()
		c.mu.Unlock()
		return nil
	})
	return c
}

// ID returns the client id bound at handshake time.
func (c *Conn) ID() string { return c.id }

// Open reports whether the connection is still usable.
func (c *Conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// LastPongAt returns the time of the most recent pong (or registration).
func (c *Conn) LastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPongAt
}

// WriteEvent serializes and writes a frame. A write failure marks the
// connection as not open; the caller or the next heartbeat evicts it.
func (c *Conn) WriteEvent(ev wire.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.open = false
		return err
	}
	return nil
}

// Ping sends a control ping and records that a pong is now owed.
// Returns false if the connection was already unresponsive: either a
// previous ping went unanswered or the transport failed.
func (c *Conn) Ping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.awaitingPong {
		c.open = false
		return false
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
		c.open = false
		return false
	}
	c.awaitingPong = true
	return true
}

// Close marks the connection dead and closes the socket. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	c.mu.Unlock()
	if wasOpen {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
	}
	c.ws.Close()
}

// markClosed flags the connection dead without touching the socket,
// used by the read loop after a read error already tore it down.
func (c *Conn) markClosed() {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
}
