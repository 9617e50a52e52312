package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rtc-signaling/internal/metrics"
	"rtc-signaling/pkg/logger"
)

// Presence resolves users to connection handles.
type Presence interface {
	Register(ctx context.Context, userID, handle string) error
	Lookup(ctx context.Context, userID string) (string, bool, error)
	RemoveIfOwner(ctx context.Context, userID, handle string) (bool, error)
}

// Deliverer sends one event to one connection, at most once.
type Deliverer interface {
	Deliver(ctx context.Context, handle, event string, payload any) error
}

// Recorder writes durable snapshots. Failures never roll back a transition.
type Recorder interface {
	Record(ctx context.Context, snap Snapshot) error
}

type Config struct {
	RingingTTL  time.Duration
	AcceptedTTL time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.RingingTTL <= 0 {
		out.RingingTTL = 30 * time.Minute
	}
	if out.AcceptedTTL <= 0 {
		out.AcceptedTTL = 2 * time.Hour
	}
	return out
}

// Controller owns the call state machine:
//
//	RINGING -> ACCEPTED | REJECTED | ENDED
//	ACCEPTED -> ENDED
//
// Store failures abort the operation and are returned. Delivery and
// persistence failures are logged and the transition stands.
type Controller struct {
	sessions *SessionStore
	presence Presence
	deliver  Deliverer
	recorder Recorder
	cfg      Config

	clock func() time.Time
	newID func() string
}

func NewController(sessions *SessionStore, presence Presence, deliver Deliverer, recorder Recorder, cfg Config) *Controller {
	return &Controller{
		sessions: sessions,
		presence: presence,
		deliver:  deliver,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		clock:    time.Now,
		newID:    uuid.NewString,
	}
}

type InitiateRequest struct {
	CallerID string
	CalleeID string
	Reason   string
	Metadata Metadata

	// CallerHandle, when set, registers the caller on that connection first.
	CallerHandle string
	// RequireCallerPresence fails the call with ErrCallerNotConnected when
	// the caller has no live connection. Used by the REST path.
	RequireCallerPresence bool
}

// Initiate reserves the callee and rings it.
func (c *Controller) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	req.CallerID = strings.TrimSpace(req.CallerID)
	req.CalleeID = strings.TrimSpace(req.CalleeID)
	if req.CallerID == "" || req.CalleeID == "" {
		return Session{}, fmt.Errorf("%w: callerId and calleeId are required", ErrInvalidArgument)
	}
	if req.CallerID == req.CalleeID {
		return Session{}, fmt.Errorf("%w: caller cannot call itself", ErrInvalidArgument)
	}

	if req.CallerHandle != "" {
		if err := c.presence.Register(ctx, req.CallerID, req.CallerHandle); err != nil {
			return Session{}, err
		}
	} else if req.RequireCallerPresence {
		_, found, err := c.presence.Lookup(ctx, req.CallerID)
		if err != nil {
			return Session{}, err
		}
		if !found {
			return Session{}, ErrCallerNotConnected
		}
	}

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = FallbackReason
	}
	sess := Session{
		ID:        c.newID(),
		CallerID:  req.CallerID,
		CalleeID:  req.CalleeID,
		State:     StateRinging,
		Reason:    reason,
		CreatedAt: c.clock().UTC(),
		Metadata:  req.Metadata,
	}

	ok, err := c.sessions.Reserve(ctx, sess, c.cfg.RingingTTL)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrCalleeBusy
	}

	calleeHandle, found, err := c.presence.Lookup(ctx, sess.CalleeID)
	if err != nil || !found {
		// Roll back the reservation; an unreachable callee never has a session.
		if derr := c.sessions.Delete(ctx, sess.CalleeID); derr != nil {
			logger.From(ctx).Error("release callee reservation failed", "callee_id", sess.CalleeID, "err", derr)
		}
		if err != nil {
			return Session{}, err
		}
		return Session{}, ErrCalleeUnreachable
	}

	if err := c.sessions.SetCallerIndex(ctx, sess.CallerID, sess.CalleeID, c.cfg.RingingTTL); err != nil {
		if derr := c.sessions.Delete(ctx, sess.CalleeID); derr != nil {
			logger.From(ctx).Error("release callee reservation failed", "callee_id", sess.CalleeID, "err", derr)
		}
		return Session{}, err
	}

	c.transitioned(ctx, sess)
	c.persist(ctx, Snapshot{Session: sess, Reason: sess.Reason, Price: sess.Metadata.Price})
	c.send(ctx, calleeHandle, EventIncomingCall, IncomingCall{Call: sess, From: sess.CallerID})
	return sess, nil
}

// Accept moves a ringing call to ACCEPTED. Only the caller recorded on the
// session may be named.
func (c *Controller) Accept(ctx context.Context, calleeID, callerID string) (Session, error) {
	if calleeID == "" || callerID == "" {
		return Session{}, fmt.Errorf("%w: calleeId and callerId are required", ErrInvalidArgument)
	}
	sess, found, err := c.sessions.Get(ctx, calleeID)
	if err != nil {
		return Session{}, err
	}
	if !found {
		return Session{}, ErrNoSuchSession
	}
	if sess.CallerID != callerID {
		return Session{}, ErrCallerMismatch
	}
	if sess.State != StateRinging {
		return Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.State, StateAccepted)
	}

	now := c.clock().UTC()
	sess.State = StateAccepted
	sess.AcceptedAt = &now

	if err := c.sessions.Put(ctx, sess, c.cfg.AcceptedTTL); err != nil {
		return Session{}, err
	}
	if err := c.sessions.SetCallerIndex(ctx, sess.CallerID, sess.CalleeID, c.cfg.AcceptedTTL); err != nil {
		return Session{}, err
	}

	c.transitioned(ctx, sess)
	c.persist(ctx, Snapshot{Session: sess, Price: sess.Metadata.Price})
	c.sendTo(ctx, sess.CallerID, EventCallAccepted, CallAccepted{CalleeID: sess.CalleeID, Call: sess})
	return sess, nil
}

// Reject ends a ringing call on the callee's side. callerID is informational;
// the caller notified is the one recorded on the session.
func (c *Controller) Reject(ctx context.Context, calleeID, callerID, reason string) (Session, error) {
	if calleeID == "" {
		return Session{}, fmt.Errorf("%w: calleeId is required", ErrInvalidArgument)
	}
	sess, found, err := c.sessions.Get(ctx, calleeID)
	if err != nil {
		return Session{}, err
	}
	if !found {
		return Session{}, ErrNoSuchSession
	}
	if sess.State != StateRinging {
		return Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.State, StateRejected)
	}
	if callerID != "" && callerID != sess.CallerID {
		logger.From(ctx).Debug("reject names a different caller", "callee_id", calleeID, "caller_id", callerID, "session_caller_id", sess.CallerID)
	}

	reason = strings.TrimSpace(reason)
	now := c.clock().UTC()
	sess.State = StateRejected
	sess.EndedAt = &now

	c.transitioned(ctx, sess)
	c.persist(ctx, Snapshot{Session: sess, Reason: reason, Price: sess.Metadata.Price})

	shown := reason
	if shown == "" {
		shown = DefaultRejectReason
	}
	c.sendTo(ctx, sess.CallerID, EventCallRejected, CallRejected{CalleeID: sess.CalleeID, Reason: shown})

	return sess, c.release(ctx, sess)
}

type EndRequest struct {
	CalleeID    string
	InitiatorID string
	Reason      string
	Metadata    Metadata
}

// End terminates the callee's live call. With no live session it is a no-op
// and reports ended=false.
func (c *Controller) End(ctx context.Context, req EndRequest) (bool, error) {
	if req.CalleeID == "" {
		return false, fmt.Errorf("%w: calleeId is required", ErrInvalidArgument)
	}
	sess, found, err := c.sessions.Get(ctx, req.CalleeID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	by := req.InitiatorID
	if by == "" {
		by = "system"
	}
	if _, err := c.terminate(ctx, sess, by, strings.TrimSpace(req.Reason), req.Metadata); err != nil {
		return true, err
	}
	return true, nil
}

type FinalizeRequest struct {
	ID       string
	CallerID string
	CalleeID string
	Reason   string
	Metadata Metadata
}

// Finalize ends a call from outside a live connection. A live session is
// ended like End. Without one, a synthetic ENDED snapshot is written for ID
// so late finalizations still reach the durable history.
func (c *Controller) Finalize(ctx context.Context, req FinalizeRequest) (Session, error) {
	if req.ID == "" && req.CalleeID == "" {
		return Session{}, fmt.Errorf("%w: id or calleeId is required", ErrInvalidArgument)
	}
	reason := strings.TrimSpace(req.Reason)

	if req.CalleeID != "" {
		sess, found, err := c.sessions.Get(ctx, req.CalleeID)
		if err != nil {
			return Session{}, err
		}
		if found && (req.ID == "" || req.ID == sess.ID) {
			by := req.CallerID
			if by == "" {
				by = "system"
			}
			return c.terminate(ctx, sess, by, reason, req.Metadata)
		}
	}
	if req.ID == "" {
		return Session{}, ErrNoSuchSession
	}

	now := c.clock().UTC()
	sess := Session{
		ID:       req.ID,
		CallerID: req.CallerID,
		CalleeID: req.CalleeID,
		State:    StateEnded,
		EndedAt:  &now,
		Metadata: req.Metadata,
	}
	c.transitioned(ctx, sess)
	if err := c.recorder.Record(ctx, Snapshot{Session: sess, Reason: reason, Price: sess.Metadata.Price}); err != nil {
		metrics.PersistenceFailures.Inc()
		return sess, err
	}
	return sess, nil
}

// terminate forces a live session to ENDED and runs the side effects shared
// by end, finalize and disconnect reconciliation.
func (c *Controller) terminate(ctx context.Context, sess Session, by, reason string, md Metadata) (Session, error) {
	now := c.clock().UTC()
	sess.State = StateEnded
	sess.EndedAt = &now
	sess.Metadata = sess.Metadata.Merge(md)
	if sess.AcceptedAt != nil {
		d := ComputeDuration(*sess.AcceptedAt, now)
		sess.Duration = &d
	}

	c.transitioned(ctx, sess)
	c.persist(ctx, Snapshot{Session: sess, Reason: reason, Price: md.Price})

	ended := CallEnded{By: by, Reason: reason}
	c.sendTo(ctx, sess.CallerID, EventCallEnded, ended)
	c.sendTo(ctx, sess.CalleeID, EventCallEnded, ended)

	return sess, c.release(ctx, sess)
}

// release drops a terminal session and its caller index entry.
func (c *Controller) release(ctx context.Context, sess Session) error {
	var errs []error
	if err := c.sessions.Delete(ctx, sess.CalleeID); err != nil {
		errs = append(errs, err)
	}
	if err := c.sessions.ClearCallerIndex(ctx, sess.CallerID, sess.CalleeID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) persist(ctx context.Context, snap Snapshot) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(ctx, snap); err != nil {
		metrics.PersistenceFailures.Inc()
		logger.From(ctx).Error("persist call snapshot failed",
			"call_id", snap.Session.ID,
			"state", snap.Session.State,
			"err", err,
		)
	}
}

// sendTo resolves userID and delivers; a missing connection is skipped.
func (c *Controller) sendTo(ctx context.Context, userID, event string, payload any) {
	handle, found, err := c.presence.Lookup(ctx, userID)
	if err != nil {
		logger.From(ctx).Warn("presence lookup for delivery failed", "user_id", userID, "event", event, "err", err)
		return
	}
	if !found {
		logger.From(ctx).Debug("delivery skipped, user not connected", "user_id", userID, "event", event)
		return
	}
	c.send(ctx, handle, event, payload)
}

func (c *Controller) send(ctx context.Context, handle, event string, payload any) {
	if err := c.deliver.Deliver(ctx, handle, event, payload); err != nil {
		logger.From(ctx).Warn("deliver failed", "handle", handle, "event", event, "err", err)
	}
}

func (c *Controller) transitioned(ctx context.Context, sess Session) {
	metrics.CallTransitions.WithLabelValues(string(sess.State)).Inc()
	logger.From(ctx).Info("call transition",
		"call_id", sess.ID,
		"caller_id", sess.CallerID,
		"callee_id", sess.CalleeID,
		"state", sess.State,
	)
}
