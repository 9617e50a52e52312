package calls

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rtc-signaling/internal/store"
)

const (
	sessionKeyPrefix = "call:callee:"
	callerKeyPrefix  = "call:caller:"
)

// SessionStore holds the single live Session per callee plus the
// caller -> callee index used to find a departing caller's call.
//
// Consistency policy: Reserve is the only conditional write. Every other
// mutation is a plain get/set/delete and the last write wins; two terminal
// transitions racing on one callee may both run their side effects, and the
// deletes are idempotent.
type SessionStore struct {
	kv store.KV
}

func NewSessionStore(kv store.KV) *SessionStore {
	return &SessionStore{kv: kv}
}

func sessionKey(calleeID string) string { return sessionKeyPrefix + calleeID }
func callerKey(callerID string) string  { return callerKeyPrefix + callerID }

// Get returns the live session for calleeID.
func (s *SessionStore) Get(ctx context.Context, calleeID string) (Session, bool, error) {
	b, found, err := s.kv.Get(ctx, sessionKey(calleeID))
	if err != nil {
		return Session{}, false, fmt.Errorf("session get: %w", err)
	}
	if !found {
		return Session{}, false, nil
	}
	sess, err := decodeSession(b)
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// Reserve stores sess only if the callee has no live session.
func (s *SessionStore) Reserve(ctx context.Context, sess Session, ttl time.Duration) (bool, error) {
	b, err := encodeSession(sess)
	if err != nil {
		return false, err
	}
	ok, err := s.kv.SetNX(ctx, sessionKey(sess.CalleeID), b, ttl)
	if err != nil {
		return false, fmt.Errorf("session reserve: %w", err)
	}
	return ok, nil
}

// Put overwrites the live session.
func (s *SessionStore) Put(ctx context.Context, sess Session, ttl time.Duration) error {
	b, err := encodeSession(sess)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, sessionKey(sess.CalleeID), b, ttl); err != nil {
		return fmt.Errorf("session put: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, calleeID string) error {
	if err := s.kv.Delete(ctx, sessionKey(calleeID)); err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}

func (s *SessionStore) SetCallerIndex(ctx context.Context, callerID, calleeID string, ttl time.Duration) error {
	if err := s.kv.Set(ctx, callerKey(callerID), []byte(calleeID), ttl); err != nil {
		return fmt.Errorf("caller index set: %w", err)
	}
	return nil
}

func (s *SessionStore) CallerIndex(ctx context.Context, callerID string) (string, bool, error) {
	b, found, err := s.kv.Get(ctx, callerKey(callerID))
	if err != nil {
		return "", false, fmt.Errorf("caller index get: %w", err)
	}
	if !found || len(b) == 0 {
		return "", false, nil
	}
	return string(b), true, nil
}

// ClearCallerIndex removes callerID's index entry. With a non-empty calleeID
// the entry is only removed while it still points at that callee, so a
// caller who already moved on to a new call keeps its index.
func (s *SessionStore) ClearCallerIndex(ctx context.Context, callerID, calleeID string) error {
	if calleeID != "" {
		cur, found, err := s.CallerIndex(ctx, callerID)
		if err != nil {
			return err
		}
		if !found || cur != calleeID {
			return nil
		}
	}
	if err := s.kv.Delete(ctx, callerKey(callerID)); err != nil {
		return fmt.Errorf("caller index delete: %w", err)
	}
	return nil
}

func encodeSession(sess Session) ([]byte, error) {
	if err := sess.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return json.Marshal(sess)
}

func decodeSession(b []byte) (Session, error) {
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	if err := sess.validate(); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	return sess, nil
}
