// Package gateway terminates client websocket connections and turns their
// events into call-controller and relay operations.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"rtc-signaling/internal/calls"
	"rtc-signaling/internal/metrics"
	"rtc-signaling/internal/signaling"
	"rtc-signaling/internal/transport"
	"rtc-signaling/pkg/logger"
)

// CallController is the part of calls.Controller the gateway drives.
type CallController interface {
	Initiate(ctx context.Context, req calls.InitiateRequest) (calls.Session, error)
	Accept(ctx context.Context, calleeID, callerID string) (calls.Session, error)
	Reject(ctx context.Context, calleeID, callerID, reason string) (calls.Session, error)
	End(ctx context.Context, req calls.EndRequest) (bool, error)
	Disconnect(ctx context.Context, userID, handle string) error
}

type Relay interface {
	Relay(ctx context.Context, sig signaling.Signal) error
}

type Presence interface {
	Register(ctx context.Context, userID, handle string) error
}

type Options struct {
	// Workers bounds concurrently running event handlers for the process.
	Workers int64
	Conn    transport.ConnConfig
	// HandlerTimeout bounds one event handler, store calls included.
	HandlerTimeout time.Duration
}

// Gateway serves the /ws endpoint.
//
// Events of one connection run one at a time in arrival order; across
// connections at most Options.Workers handlers run at once.
type Gateway struct {
	hub      *transport.Hub
	calls    CallController
	relay    Relay
	presence Presence
	sem      *semaphore.Weighted
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	handlers map[string]handlerFunc

	// active tracks upgraded connections until their reconciliation is done.
	active sync.WaitGroup
}

type handlerFunc func(ctx context.Context, cs *connState, data json.RawMessage) error

// connState is the per-connection context handed to every handler. It is
// only touched by the connection's own read loop.
type connState struct {
	conn   *transport.Conn
	userID string
	role   string
}

func New(hub *transport.Hub, ctrl CallController, relay Relay, presence Presence, opts Options, log *slog.Logger) *Gateway {
	if opts.Workers <= 0 {
		opts.Workers = 64
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		hub:      hub,
		calls:    ctrl,
		relay:    relay,
		presence: presence,
		sem:      semaphore.NewWeighted(opts.Workers),
		opts:     opts,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Identity comes from an upstream layer; origins are not checked here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	g.handlers = map[string]handlerFunc{
		EventRegister:     g.handleRegister,
		EventInitiateCall: g.handleInitiate,
		EventAcceptCall:   g.handleAccept,
		EventRejectCall:   g.handleReject,
		EventEndCall:      g.handleEnd,
		EventOffer:        g.handleSignal(signaling.KindOffer),
		EventAnswer:       g.handleSignal(signaling.KindAnswer),
		EventCandidate:    g.handleSignal(signaling.KindCandidate),
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	g.active.Add(1)
	defer g.active.Done()

	conn := g.hub.Attach(ws, g.opts.Conn)
	cs := &connState{conn: conn}
	connLog := g.log.With("conn_id", conn.ID())
	connLog.Debug("connection opened", "remote", r.RemoteAddr)

	defer g.closeConn(cs, connLog)

	cfg := conn.Config()
	ws.SetReadLimit(cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongWait()))
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				connLog.Info("connection read failed", "err", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait()))

		var in inbound
		if err := json.Unmarshal(msg, &in); err != nil || in.Event == "" {
			g.reply(cs, EventError, failure{Message: "malformed event"})
			continue
		}

		log := connLog
		if cs.userID != "" {
			log = log.With("user_id", cs.userID)
		}
		if err := g.sem.Acquire(r.Context(), 1); err != nil {
			return
		}
		g.dispatch(logger.With(context.Background(), log), cs, in)
		g.sem.Release(1)
	}
}

// Wait blocks until every upgraded connection has finished its disconnect
// reconciliation, or ctx is done. http.Server.Shutdown does not track
// hijacked connections, so callers close them through the hub and then Wait.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch runs one event inside the error boundary: handler errors become
// failure events and panics become a generic error for this connection only.
func (g *Gateway) dispatch(base context.Context, cs *connState, in inbound) {
	ctx, cancel := context.WithTimeout(base, g.opts.HandlerTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			metrics.HandlerErrors.WithLabelValues(in.Event, "panic").Inc()
			logger.From(ctx).Error("event handler panic", "event", in.Event, "panic", fmt.Sprint(p))
			g.reply(cs, EventError, failure{Message: "internal error"})
		}
	}()

	h, ok := g.handlers[in.Event]
	if !ok {
		metrics.EventsReceived.WithLabelValues("unknown").Inc()
		g.reply(cs, EventError, failure{Message: "unknown event " + in.Event})
		return
	}
	metrics.EventsReceived.WithLabelValues(in.Event).Inc()

	err := h(ctx, cs, in.Data)
	if err == nil {
		return
	}
	event, message, kind := failureFor(in.Event, err)
	metrics.HandlerErrors.WithLabelValues(in.Event, kind).Inc()
	if kind == "internal" || kind == "store_unavailable" {
		logger.From(ctx).Error("event handler failed", "event", in.Event, "err", err)
	} else {
		logger.From(ctx).Debug("event rejected", "event", in.Event, "kind", kind, "err", err)
	}
	if event != "" {
		g.reply(cs, event, failure{Message: message})
	}
}

func (g *Gateway) closeConn(cs *connState, log *slog.Logger) {
	g.hub.Detach(cs.conn)
	if cs.userID == "" {
		log.Debug("connection closed before register")
		return
	}
	ctx, cancel := context.WithTimeout(logger.With(context.Background(), log.With("user_id", cs.userID)), g.opts.HandlerTimeout)
	defer cancel()

	// Reconciliation still counts against the worker bound.
	if err := g.sem.Acquire(ctx, 1); err != nil {
		log.Error("disconnect reconciliation skipped", "user_id", cs.userID, "err", err)
		return
	}
	defer g.sem.Release(1)

	if err := g.calls.Disconnect(ctx, cs.userID, cs.conn.Handle()); err != nil {
		log.Error("disconnect reconciliation failed", "user_id", cs.userID, "err", err)
		return
	}
	log.Debug("connection closed", "user_id", cs.userID)
}

func (g *Gateway) reply(cs *connState, event string, payload any) {
	if err := g.hub.Send(cs.conn, event, payload); err != nil {
		g.log.Warn("reply encode failed", "event", event, "err", err)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadPayload, err)
	}
	return nil
}

func (g *Gateway) handleRegister(ctx context.Context, cs *connState, data json.RawMessage) error {
	var d registerData
	if err := decode(data, &d); err != nil {
		return err
	}
	if d.UserID == "" {
		return fmt.Errorf("%w: userId is required", errBadPayload)
	}

	// Re-registering as someone else releases the previous identity.
	if cs.userID != "" && cs.userID != d.UserID {
		if err := g.calls.Disconnect(ctx, cs.userID, cs.conn.Handle()); err != nil {
			return err
		}
	}
	if err := g.presence.Register(ctx, d.UserID, cs.conn.Handle()); err != nil {
		return err
	}
	cs.userID, cs.role = d.UserID, d.Role
	logger.From(ctx).Info("registered", "user_id", d.UserID, "role", d.Role)
	g.reply(cs, EventRegistered, okReply{OK: true})
	return nil
}

func (g *Gateway) handleInitiate(ctx context.Context, cs *connState, data json.RawMessage) error {
	var d initiateData
	if err := decode(data, &d); err != nil {
		return err
	}
	// Calling as someone else releases the identity this connection held,
	// same as re-registering.
	if d.CallerID != "" && cs.userID != "" && cs.userID != d.CallerID {
		if err := g.calls.Disconnect(ctx, cs.userID, cs.conn.Handle()); err != nil {
			return err
		}
		cs.userID, cs.role = "", ""
	}

	sess, err := g.calls.Initiate(ctx, calls.InitiateRequest{
		CallerID:     d.CallerID,
		CalleeID:     d.CalleeID,
		Reason:       d.Reason,
		Metadata:     d.Metadata,
		CallerHandle: cs.conn.Handle(),
	})
	// Past argument validation the caller may already be registered on this
	// connection, whatever the outcome, so it is reconciled on close. The
	// owner check in Disconnect makes this safe when registration failed.
	if d.CallerID != "" && !errors.Is(err, calls.ErrInvalidArgument) {
		cs.userID = d.CallerID
	}
	if err != nil {
		return err
	}
	g.reply(cs, EventCallInitiated, callReply{OK: true, Message: "call sent", Call: sess})
	return nil
}

func (g *Gateway) handleAccept(ctx context.Context, cs *connState, data json.RawMessage) error {
	var d acceptData
	if err := decode(data, &d); err != nil {
		return err
	}
	sess, err := g.calls.Accept(ctx, d.CalleeID, d.CallerID)
	if err != nil {
		return err
	}
	g.reply(cs, EventAcceptedAck, callReply{OK: true, Call: sess})
	return nil
}

func (g *Gateway) handleReject(ctx context.Context, cs *connState, data json.RawMessage) error {
	var d rejectData
	if err := decode(data, &d); err != nil {
		return err
	}
	if _, err := g.calls.Reject(ctx, d.CalleeID, d.CallerID, d.Reason); err != nil {
		return err
	}
	g.reply(cs, EventRejectAck, okReply{OK: true})
	return nil
}

func (g *Gateway) handleEnd(ctx context.Context, cs *connState, data json.RawMessage) error {
	var d endData
	if err := decode(data, &d); err != nil {
		return err
	}
	if d.InitiatorID == "" {
		d.InitiatorID = cs.userID
	}
	if _, err := g.calls.End(ctx, calls.EndRequest{
		CalleeID:    d.CalleeID,
		InitiatorID: d.InitiatorID,
		Reason:      d.Reason,
		Metadata:    d.Metadata,
	}); err != nil {
		return err
	}
	g.reply(cs, EventEndAck, okReply{OK: true})
	return nil
}

func (g *Gateway) handleSignal(kind signaling.Kind) handlerFunc {
	return func(ctx context.Context, cs *connState, data json.RawMessage) error {
		var d signalData
		if err := decode(data, &d); err != nil {
			return err
		}
		from := d.From
		if from == "" {
			from = cs.userID
		}
		body := d.SDP
		if kind == signaling.KindCandidate {
			body = d.Candidate
		}
		return g.relay.Relay(ctx, signaling.Signal{Kind: kind, From: from, To: d.To, Body: body})
	}
}
