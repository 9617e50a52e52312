package gateway

import (
	"errors"

	"rtc-signaling/internal/calls"
	"rtc-signaling/internal/presence"
	"rtc-signaling/internal/signaling"
	"rtc-signaling/internal/store"
)

var errBadPayload = errors.New("gateway: malformed event data")

// failureFor is the single conversion point from handler errors to the
// failure event sent back to the originating connection. An empty event
// means the failure is not reported.
func failureFor(op string, err error) (event, message, kind string) {
	kind, message = classify(err)

	switch op {
	case EventRegister:
		event = EventRegisterError
	case EventInitiateCall:
		switch {
		case errors.Is(err, calls.ErrCalleeBusy):
			event = EventCallBusy
		case errors.Is(err, calls.ErrCalleeUnreachable):
			event = EventUnreachable
		default:
			event = EventCallError
		}
	case EventAcceptCall:
		event = EventAcceptError
	case EventRejectCall:
		event = EventRejectError
	case EventEndCall:
		event = EventEndError
	case EventOffer, EventAnswer:
		event = EventSignalError
	case EventCandidate:
		event = ""
	default:
		event = EventError
	}
	return event, message, kind
}

func classify(err error) (kind, message string) {
	switch {
	case errors.Is(err, calls.ErrCalleeBusy):
		return "busy", "callee is busy"
	case errors.Is(err, calls.ErrCalleeUnreachable):
		return "unreachable", "callee not available"
	case errors.Is(err, signaling.ErrPeerUnreachable):
		return "peer_unreachable", "peer not connected"
	case errors.Is(err, calls.ErrNoSuchSession):
		return "no_session", "no such call"
	case errors.Is(err, calls.ErrCallerMismatch):
		return "caller_mismatch", "caller does not match call"
	case errors.Is(err, calls.ErrInvalidTransition):
		return "invalid_transition", "call is not in a state that allows this"
	case errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, signaling.ErrInvalidSignal),
		errors.Is(err, presence.ErrInvalidUser),
		errors.Is(err, errBadPayload):
		return "invalid", "invalid request"
	case errors.Is(err, store.ErrUnavailable):
		return "store_unavailable", "service temporarily unavailable"
	default:
		return "internal", "internal error"
	}
}
