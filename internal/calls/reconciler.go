package calls

import (
	"context"
	"errors"

	"rtc-signaling/pkg/logger"
)

// Disconnect reconciles a lost connection. userID is the user the connection
// registered as and handle the connection itself.
//
// If a newer connection has taken over userID's presence, the calls belong to
// that connection and nothing is ended: a client that reconnects before its
// old socket times out keeps its call. Otherwise presence is removed and two
// independent checks run, since a user can be a caller in one session and a
// callee in another:
//   - the session userID placed as caller ends with "caller disconnected";
//   - the session keyed by userID as callee ends with "vet disconnected".
func (c *Controller) Disconnect(ctx context.Context, userID, handle string) error {
	if userID == "" {
		return nil
	}
	owned, err := c.presence.RemoveIfOwner(ctx, userID, handle)
	if err != nil {
		return err
	}
	if !owned {
		if _, found, lerr := c.presence.Lookup(ctx, userID); lerr == nil && found {
			logger.From(ctx).Debug("disconnect of superseded connection", "user_id", userID, "handle", handle)
			return nil
		}
	}

	var errs []error
	if err := c.endAsCaller(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	if err := c.endAsCallee(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) endAsCaller(ctx context.Context, userID string) error {
	calleeID, found, err := c.sessions.CallerIndex(ctx, userID)
	if err != nil || !found {
		return err
	}
	sess, live, err := c.sessions.Get(ctx, calleeID)
	if err != nil {
		return err
	}
	if live && sess.CallerID == userID {
		if _, err := c.terminate(ctx, sess, userID, ReasonCallerDisconnected, Metadata{}); err != nil {
			return err
		}
	}
	return c.sessions.ClearCallerIndex(ctx, userID, "")
}

func (c *Controller) endAsCallee(ctx context.Context, userID string) error {
	sess, live, err := c.sessions.Get(ctx, userID)
	if err != nil || !live {
		return err
	}
	_, err = c.terminate(ctx, sess, userID, ReasonCalleeDisconnected, Metadata{})
	return err
}
