// Package signaling forwards WebRTC negotiation payloads between peers.
// Payloads are opaque: they are never parsed, validated or buffered.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"rtc-signaling/internal/metrics"
	"rtc-signaling/pkg/logger"
)

var (
	ErrPeerUnreachable = errors.New("signaling: peer unreachable")
	ErrInvalidSignal   = errors.New("signaling: invalid signal")
)

type Kind string

const (
	KindOffer     Kind = "webrtc_offer"
	KindAnswer    Kind = "webrtc_answer"
	KindCandidate Kind = "webrtc_ice_candidate"
)

func (k Kind) Valid() bool {
	return k == KindOffer || k == KindAnswer || k == KindCandidate
}

type Presence interface {
	Lookup(ctx context.Context, userID string) (string, bool, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, handle, event string, payload any) error
}

// Signal is one negotiation message. Body is the sdp for offers and answers
// and the candidate for ice candidates.
type Signal struct {
	Kind Kind
	From string
	To   string
	Body json.RawMessage
}

// Forwarded is what the receiving peer gets.
type Forwarded struct {
	From      string          `json:"from"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type Relay struct {
	presence Presence
	deliver  Deliverer
}

func NewRelay(presence Presence, deliver Deliverer) *Relay {
	return &Relay{presence: presence, deliver: deliver}
}

// Relay makes exactly one delivery attempt. An unreachable peer is an error
// for offers and answers; candidates are dropped silently since the
// negotiation resends them.
func (r *Relay) Relay(ctx context.Context, sig Signal) error {
	if !sig.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, sig.Kind)
	}
	if sig.To == "" {
		return fmt.Errorf("%w: missing target", ErrInvalidSignal)
	}

	handle, found, err := r.presence.Lookup(ctx, sig.To)
	if err != nil {
		metrics.SignalsRelayed.WithLabelValues(string(sig.Kind), "error").Inc()
		return err
	}
	if !found {
		if sig.Kind == KindCandidate {
			metrics.SignalsRelayed.WithLabelValues(string(sig.Kind), "dropped").Inc()
			logger.From(ctx).Debug("candidate dropped, peer not connected", "to", sig.To)
			return nil
		}
		metrics.SignalsRelayed.WithLabelValues(string(sig.Kind), "unreachable").Inc()
		return ErrPeerUnreachable
	}

	out := Forwarded{From: sig.From}
	if sig.Kind == KindCandidate {
		out.Candidate = sig.Body
	} else {
		out.SDP = sig.Body
	}
	if err := r.deliver.Deliver(ctx, handle, string(sig.Kind), out); err != nil {
		metrics.SignalsRelayed.WithLabelValues(string(sig.Kind), "error").Inc()
		return err
	}
	metrics.SignalsRelayed.WithLabelValues(string(sig.Kind), "delivered").Inc()
	return nil
}
