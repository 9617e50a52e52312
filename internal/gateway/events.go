package gateway

import (
	"encoding/json"

	"rtc-signaling/internal/calls"
)

// Inbound event names.
const (
	EventRegister     = "register"
	EventInitiateCall = "initiate_call"
	EventAcceptCall   = "accept_call"
	EventRejectCall   = "reject_call"
	EventEndCall      = "end_call"
	EventOffer        = "webrtc_offer"
	EventAnswer       = "webrtc_answer"
	EventCandidate    = "webrtc_ice_candidate"
)

// Replies to the sending connection.
const (
	EventRegistered    = "registered"
	EventRegisterError = "register_error"
	EventCallInitiated = "call_initiated"
	EventCallBusy      = "call_busy"
	EventUnreachable   = "call_unreachable"
	EventCallError     = "call_error"
	EventAcceptedAck   = "accepted_ack"
	EventAcceptError   = "accept_error"
	EventRejectAck     = "reject_ack"
	EventRejectError   = "reject_error"
	EventEndAck        = "end_ack"
	EventEndError      = "end_error"
	EventSignalError   = "signaling_error"
	EventError         = "error"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type registerData struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type initiateData struct {
	CallerID string         `json:"callerId"`
	CalleeID string         `json:"calleeId"`
	Reason   string         `json:"reason"`
	Metadata calls.Metadata `json:"metadata"`
}

type acceptData struct {
	CalleeID string `json:"calleeId"`
	CallerID string `json:"callerId"`
}

type rejectData struct {
	CalleeID string `json:"calleeId"`
	CallerID string `json:"callerId"`
	Reason   string `json:"reason"`
}

type endData struct {
	CalleeID    string         `json:"calleeId"`
	InitiatorID string         `json:"initiatorId"`
	Reason      string         `json:"reason"`
	Metadata    calls.Metadata `json:"metadata"`
}

type signalData struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	SDP       json.RawMessage `json:"sdp"`
	Candidate json.RawMessage `json:"candidate"`
}

type okReply struct {
	OK bool `json:"ok"`
}

type callReply struct {
	OK      bool          `json:"ok"`
	Message string        `json:"message,omitempty"`
	Call    calls.Session `json:"call"`
}

type failure struct {
	Message string `json:"message"`
}
