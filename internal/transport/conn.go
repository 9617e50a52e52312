package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const sendBuffer = 64

// ConnConfig holds the keepalive and write limits for one connection.
type ConnConfig struct {
	ReadLimit    int64
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func (c ConnConfig) withDefaults() ConnConfig {
	out := c
	if out.ReadLimit <= 0 {
		out.ReadLimit = 64 << 10
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 25 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	return out
}

// PongWait is how long a connection may stay silent before reads fail.
func (c ConnConfig) PongWait() time.Duration {
	return c.PingInterval * 2
}

// Conn is one live websocket. Writes go through a buffered queue drained by
// a single writer goroutine, since gorilla connections allow one concurrent
// writer.
type Conn struct {
	id     string
	handle string
	ws     *websocket.Conn
	cfg    ConnConfig

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id, handle string, ws *websocket.Conn, cfg ConnConfig) *Conn {
	return &Conn{
		id:     id,
		handle: handle,
		ws:     ws,
		cfg:    cfg,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Handle is the cluster-wide address of this connection.
func (c *Conn) Handle() string { return c.handle }

// WS exposes the socket for the reader side.
func (c *Conn) WS() *websocket.Conn { return c.ws }

func (c *Conn) Config() ConnConfig { return c.cfg }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// enqueue never blocks; a full queue drops the frame.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writePump owns all writes to the socket until the connection closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout),
			)
			return
		}
	}
}

// Close is idempotent. The writer sends a close frame and releases the
// socket, which also unblocks the reader.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
