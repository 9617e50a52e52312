package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc-signaling/internal/calls"
	"rtc-signaling/internal/presence"
	"rtc-signaling/internal/records"
	"rtc-signaling/internal/signaling"
	"rtc-signaling/internal/store"
	"rtc-signaling/internal/transport"
)

type testEnv struct {
	url  string
	kv   *store.Memory
	repo *records.MemoryRepo
	reg  *presence.Registry
	hub  *transport.Hub
	gw   *Gateway
}

func newTestEnv(t *testing.T, override CallController) *testEnv {
	t.Helper()
	kv := store.NewMemory()
	hub := transport.NewHub("node-a", nil)
	reg := presence.NewRegistry(kv)
	repo := records.NewMemoryRepo()

	var ctrl CallController = calls.NewController(calls.NewSessionStore(kv), reg, hub, records.NewService(repo), calls.Config{})
	if override != nil {
		ctrl = override
	}
	gw := New(hub, ctrl, signaling.NewRelay(reg, hub), reg, Options{Workers: 4}, nil)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &testEnv{url: "ws" + strings.TrimPrefix(srv.URL, "http"), kv: kv, repo: repo, reg: reg, hub: hub, gw: gw}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (e *testEnv) dial(t *testing.T) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(event string, data any) {
	c.t.Helper()
	b, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(inbound{Event: event, Data: b}))
}

// expect reads the next frame and checks its event name.
func (c *client) expect(event string) json.RawMessage {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f transport.Frame
	require.NoError(c.t, c.ws.ReadJSON(&f))
	require.Equal(c.t, event, f.Event, "payload: %s", string(f.Data))
	return f.Data
}

func (c *client) register(userID string) {
	c.t.Helper()
	c.send(EventRegister, registerData{UserID: userID, Role: "user"})
	c.expect(EventRegistered)
}

func TestGateway_FullCallFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	a, b := env.dial(t), env.dial(t)
	a.register("A")
	b.register("B")

	a.send(EventInitiateCall, initiateData{CallerID: "A", CalleeID: "B", Reason: "checkup", Metadata: calls.Metadata{CallerName: "Ana"}})
	var incoming calls.IncomingCall
	require.NoError(t, json.Unmarshal(b.expect("incoming_call"), &incoming))
	assert.Equal(t, "A", incoming.From)
	assert.Equal(t, "Ana", incoming.Call.Metadata.CallerName)

	var initiated callReply
	require.NoError(t, json.Unmarshal(a.expect(EventCallInitiated), &initiated))
	assert.Equal(t, calls.StateRinging, initiated.Call.State)

	b.send(EventAcceptCall, acceptData{CalleeID: "B", CallerID: "A"})
	a.expect("call_accepted")
	b.expect(EventAcceptedAck)

	a.send(EventOffer, map[string]any{"from": "A", "to": "B", "sdp": map[string]string{"type": "offer", "sdp": "v=0"}})
	var fwd signaling.Forwarded
	require.NoError(t, json.Unmarshal(b.expect("webrtc_offer"), &fwd))
	assert.Equal(t, "A", fwd.From)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(fwd.SDP))

	b.send(EventAnswer, map[string]any{"to": "A", "sdp": "answer"})
	require.NoError(t, json.Unmarshal(a.expect("webrtc_answer"), &fwd))
	assert.Equal(t, "B", fwd.From, "sender defaults to the registered user")

	b.send(EventEndCall, endData{CalleeID: "B", InitiatorID: "B"})
	a.expect("call_ended")
	b.expect("call_ended")
	b.expect(EventEndAck)

	row, ok := env.repo.Get(initiated.Call.ID)
	require.True(t, ok)
	assert.Equal(t, "ENDED", row.State)
	assert.Equal(t, "checkup", row.Reason)
	require.NotNil(t, row.DurationFormatted)
}

func TestGateway_InitiateFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	a, b, c := env.dial(t), env.dial(t), env.dial(t)
	b.register("B")

	a.send(EventInitiateCall, initiateData{CallerID: "A", CalleeID: "Z"})
	a.expect(EventUnreachable)

	a.send(EventInitiateCall, initiateData{CallerID: "A", CalleeID: "B"})
	b.expect("incoming_call")
	a.expect(EventCallInitiated)

	c.send(EventInitiateCall, initiateData{CallerID: "C", CalleeID: "B"})
	c.expect(EventCallBusy)

	c.send(EventInitiateCall, initiateData{CallerID: "C"})
	c.expect(EventCallError)
}

func TestGateway_RejectFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	a, b := env.dial(t), env.dial(t)
	a.register("A")
	b.register("B")

	a.send(EventInitiateCall, initiateData{CallerID: "A", CalleeID: "B"})
	b.expect("incoming_call")
	a.expect(EventCallInitiated)

	b.send(EventRejectCall, rejectData{CalleeID: "B", CallerID: "A", Reason: "too busy"})
	var rejected calls.CallRejected
	require.NoError(t, json.Unmarshal(a.expect("call_rejected"), &rejected))
	assert.Equal(t, "too busy", rejected.Reason)
	b.expect(EventRejectAck)

	b.send(EventRejectCall, rejectData{CalleeID: "B", CallerID: "A"})
	b.expect(EventRejectError)

	b.send(EventAcceptCall, acceptData{CalleeID: "B", CallerID: "A"})
	b.expect(EventAcceptError)
}

func TestGateway_CallerDisconnectEndsCall(t *testing.T) {
	env := newTestEnv(t, nil)
	a, b := env.dial(t), env.dial(t)
	a.register("A")
	b.register("B")

	a.send(EventInitiateCall, initiateData{CallerID: "A", CalleeID: "B"})
	b.expect("incoming_call")
	a.expect(EventCallInitiated)

	require.NoError(t, a.ws.Close())

	var ended calls.CallEnded
	require.NoError(t, json.Unmarshal(b.expect("call_ended"), &ended))
	assert.Equal(t, calls.CallEnded{By: "A", Reason: calls.ReasonCallerDisconnected}, ended)

	// B is free again.
	c := env.dial(t)
	c.send(EventInitiateCall, initiateData{CallerID: "C", CalleeID: "B"})
	b.expect("incoming_call")
	c.expect(EventCallInitiated)
}

func (e *testEnv) present(t *testing.T, userID string) bool {
	t.Helper()
	_, found, err := e.reg.Lookup(context.Background(), userID)
	require.NoError(t, err)
	return found
}

func TestGateway_InitiateAsOtherUserReleasesPreviousIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	a, b := env.dial(t), env.dial(t)
	a.register("X")
	b.register("B")

	a.send(EventInitiateCall, initiateData{CallerID: "Y", CalleeID: "B"})
	b.expect("incoming_call")
	a.expect(EventCallInitiated)
	assert.False(t, env.present(t, "X"), "X released once the connection calls as Y")
	assert.True(t, env.present(t, "Y"))

	require.NoError(t, a.ws.Close())

	var ended calls.CallEnded
	require.NoError(t, json.Unmarshal(b.expect("call_ended"), &ended))
	assert.Equal(t, calls.CallEnded{By: "Y", Reason: calls.ReasonCallerDisconnected}, ended)
	assert.False(t, env.present(t, "X"))
	assert.False(t, env.present(t, "Y"))
}

func TestGateway_InitiateToUnreachableStillReconcilesCaller(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t)

	a.send(EventInitiateCall, initiateData{CallerID: "Y", CalleeID: "nobody"})
	a.expect(EventUnreachable)
	require.True(t, env.present(t, "Y"))

	require.NoError(t, a.ws.Close())
	require.Eventually(t, func() bool { return !env.present(t, "Y") }, 3*time.Second, 10*time.Millisecond)
}

func TestGateway_WaitCoversReconciliation(t *testing.T) {
	env := newTestEnv(t, nil)
	a, b := env.dial(t), env.dial(t)
	a.register("A")
	b.register("B")

	a.send(EventInitiateCall, initiateData{CallerID: "A", CalleeID: "B"})
	b.expect("incoming_call")
	a.expect(EventCallInitiated)

	env.hub.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, env.gw.Wait(ctx))

	assert.False(t, env.present(t, "A"))
	assert.False(t, env.present(t, "B"))
	assert.Empty(t, env.kv.Keys(), "no live session or index left behind")
}

func TestGateway_SignalingToAbsentPeer(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t)
	a.register("A")

	a.send(EventOffer, map[string]any{"to": "nobody", "sdp": "x"})
	a.expect(EventSignalError)

	// candidates are dropped without a reply: the next frame is the ack
	// for a later event.
	a.send(EventCandidate, map[string]any{"to": "nobody", "candidate": "c"})
	a.register("A")
}

func TestGateway_UnknownAndMalformedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dial(t)

	a.send("dance", map[string]string{})
	a.expect(EventError)

	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	a.expect(EventError)

	a.send(EventRegister, map[string]string{})
	a.expect(EventRegisterError)
}

type panickingController struct{ CallController }

func (panickingController) Accept(context.Context, string, string) (calls.Session, error) {
	panic("boom")
}

func (panickingController) Disconnect(context.Context, string, string) error { return nil }

func TestGateway_PanicIsContainedToConnection(t *testing.T) {
	env := newTestEnv(t, panickingController{})
	a := env.dial(t)
	a.register("A")

	a.send(EventAcceptCall, acceptData{CalleeID: "B", CallerID: "A"})
	var f failure
	require.NoError(t, json.Unmarshal(a.expect(EventError), &f))
	assert.Equal(t, "internal error", f.Message)

	// connection keeps working
	a.register("A")
}

func TestFailureFor(t *testing.T) {
	cases := []struct {
		op    string
		err   error
		event string
		kind  string
	}{
		{EventInitiateCall, calls.ErrCalleeBusy, EventCallBusy, "busy"},
		{EventInitiateCall, calls.ErrCalleeUnreachable, EventUnreachable, "unreachable"},
		{EventInitiateCall, store.ErrUnavailable, EventCallError, "store_unavailable"},
		{EventAcceptCall, calls.ErrCallerMismatch, EventAcceptError, "caller_mismatch"},
		{EventAcceptCall, calls.ErrNoSuchSession, EventAcceptError, "no_session"},
		{EventRejectCall, calls.ErrNoSuchSession, EventRejectError, "no_session"},
		{EventEndCall, errors.New("boom"), EventEndError, "internal"},
		{EventOffer, signaling.ErrPeerUnreachable, EventSignalError, "peer_unreachable"},
		{EventCandidate, store.ErrUnavailable, "", "store_unavailable"},
		{EventRegister, errBadPayload, EventRegisterError, "invalid"},
	}
	for _, tc := range cases {
		event, _, kind := failureFor(tc.op, tc.err)
		assert.Equal(t, tc.event, event, "%s/%v", tc.op, tc.err)
		assert.Equal(t, tc.kind, kind, "%s/%v", tc.op, tc.err)
	}
}
