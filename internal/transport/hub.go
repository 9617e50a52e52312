// Package transport delivers events to websocket connections, locally or
// through a cross-process bus.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rtc-signaling/internal/metrics"
	"rtc-signaling/pkg/logger"
)

var ErrInvalidHandle = errors.New("transport: invalid connection handle")

// Frame is the wire shape of every server-to-client message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals payload into a frame.
func EncodeFrame(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Handle builds "<serverID>/<connID>".
func Handle(serverID, connID string) string { return serverID + "/" + connID }

// ParseHandle splits a handle built by Handle.
func ParseHandle(handle string) (serverID, connID string, err error) {
	i := strings.LastIndexByte(handle, '/')
	if i <= 0 || i == len(handle)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return handle[:i], handle[i+1:], nil
}

// Hub owns the connections of this process.
// Delivery is best-effort and at-most-once: unknown or closed connections
// and full send queues drop the frame.
type Hub struct {
	serverID string
	bus      Bus

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub returns a hub for serverID. bus may be nil for single-process runs.
func NewHub(serverID string, bus Bus) *Hub {
	return &Hub{serverID: serverID, bus: bus, conns: map[string]*Conn{}}
}

func (h *Hub) ServerID() string { return h.serverID }

// Attach registers ws and starts its writer.
func (h *Hub) Attach(ws *websocket.Conn, cfg ConnConfig) *Conn {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	c := newConn(id, Handle(h.serverID, id), ws, cfg)

	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()

	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	go c.writePump()
	return c
}

// Detach closes c and forgets it.
func (h *Hub) Detach(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.Close()
	if ok {
		metrics.ActiveConnections.Dec()
	}
}

// Len reports the number of local connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Deliver implements the delivery primitive used by the call controller and
// the signaling relay.
func (h *Hub) Deliver(ctx context.Context, handle, event string, payload any) error {
	serverID, connID, err := ParseHandle(handle)
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if serverID == h.serverID {
		h.deliverLocal(ctx, connID, frame)
		return nil
	}
	if h.bus == nil {
		logger.From(ctx).Debug("no bus configured, dropping remote delivery", "handle", handle, "event", event)
		return nil
	}
	return h.bus.Publish(ctx, Envelope{ServerID: serverID, ConnID: connID, Frame: frame})
}

// Send writes directly to a local connection.
func (h *Hub) Send(c *Conn, event string, payload any) error {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

func (h *Hub) deliverLocal(ctx context.Context, connID string, frame []byte) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		logger.From(ctx).Debug("delivery to unknown connection dropped", "conn_id", connID)
		return
	}
	if !c.enqueue(frame) {
		logger.From(ctx).Warn("send queue full or closed, frame dropped", "conn_id", connID)
	}
}

// Run consumes envelopes addressed to this server until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	envs, err := h.bus.Subscribe(ctx, h.serverID)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-envs:
			if !ok {
				return nil
			}
			if env.ServerID != h.serverID {
				continue
			}
			h.deliverLocal(ctx, env.ConnID, env.Frame)
		}
	}
}

// CloseAll closes every local connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.Detach(c)
	}
}
