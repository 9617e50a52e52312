package calls

import (
	"errors"
	"time"
)

// Session is the live record of one call, keyed in the store by CalleeID.
//
// Invariants:
//   - ID, CallerID and CalleeID never change after creation.
//   - CreatedAt, AcceptedAt and EndedAt are set once each.
//   - A session is live only while RINGING or ACCEPTED; terminal sessions are
//     deleted from the store right after their side effects run.
type Session struct {
	ID       string `json:"id"`
	CallerID string `json:"callerId"`
	CalleeID string `json:"calleeId"`
	State    State  `json:"state"`

	// Reason is what the caller supplied at initiation, or FallbackReason.
	Reason string `json:"reason,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`

	// Duration is set when an accepted call ends.
	Duration *Duration `json:"duration,omitempty"`

	Metadata Metadata `json:"metadata"`
}

type State string

const (
	StateRinging  State = "RINGING"
	StateAccepted State = "ACCEPTED"
	StateRejected State = "REJECTED"
	StateEnded    State = "ENDED"
)

func (s State) Valid() bool {
	switch s {
	case StateRinging, StateAccepted, StateRejected, StateEnded:
		return true
	default:
		return false
	}
}

func (s State) Terminal() bool { return s == StateRejected || s == StateEnded }

// FallbackReason is recorded when no source supplies a reason.
const FallbackReason = "emergency"

// Reasons written by the disconnect reconciler.
const (
	ReasonCallerDisconnected = "caller disconnected"
	ReasonCalleeDisconnected = "vet disconnected"
)

// Metadata is passed through untouched apart from merging.
// Price is never validated here; whoever supplies it owns its correctness.
type Metadata struct {
	CallerName     string   `json:"callerName,omitempty"`
	CallerPhone    string   `json:"callerPhone,omitempty"`
	CallerLocation string   `json:"callerLocation,omitempty"`
	RecordingURL   string   `json:"recordingUrl,omitempty"`
	Price          *float64 `json:"price,omitempty"`
}

// Merge returns m with every field set in next overriding it.
func (m Metadata) Merge(next Metadata) Metadata {
	out := m
	if next.CallerName != "" {
		out.CallerName = next.CallerName
	}
	if next.CallerPhone != "" {
		out.CallerPhone = next.CallerPhone
	}
	if next.CallerLocation != "" {
		out.CallerLocation = next.CallerLocation
	}
	if next.RecordingURL != "" {
		out.RecordingURL = next.RecordingURL
	}
	if next.Price != nil {
		p := *next.Price
		out.Price = &p
	}
	return out
}

func (s Session) validate() error {
	if s.ID == "" || s.CallerID == "" || s.CalleeID == "" {
		return errors.New("missing identifiers")
	}
	if !s.State.Valid() {
		return errors.New("unknown state " + string(s.State))
	}
	if s.CreatedAt.IsZero() {
		return errors.New("missing createdAt")
	}
	return nil
}

// Snapshot is handed to the Recorder after each transition.
// Reason and Price are the values supplied with the triggering event; they
// outrank the session's own values when the durable record is resolved.
type Snapshot struct {
	Session Session
	Reason  string
	Price   *float64
}

// Outbound event names delivered to peers.
const (
	EventIncomingCall = "incoming_call"
	EventCallAccepted = "call_accepted"
	EventCallRejected = "call_rejected"
	EventCallEnded    = "call_ended"
)

// DefaultRejectReason is shown to the caller when the callee gives none.
const DefaultRejectReason = "callee unavailable"

type IncomingCall struct {
	Call Session `json:"call"`
	From string  `json:"from"`
}

type CallAccepted struct {
	CalleeID string  `json:"calleeId"`
	Call     Session `json:"call"`
}

type CallRejected struct {
	CalleeID string `json:"calleeId"`
	Reason   string `json:"reason"`
}

type CallEnded struct {
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}
