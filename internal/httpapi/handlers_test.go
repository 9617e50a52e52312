package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc-signaling/internal/calls"
	"rtc-signaling/internal/presence"
	"rtc-signaling/internal/records"
	"rtc-signaling/internal/store"
)

type delivery struct {
	handle, event string
}

type deliveries struct {
	mu  sync.Mutex
	got []delivery
}

func (d *deliveries) Deliver(_ context.Context, handle, event string, _ any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, delivery{handle, event})
	return nil
}

type fixture struct {
	router *gin.Engine
	kv     *store.Memory
	reg    *presence.Registry
	repo   *records.MemoryRepo
	sent   *deliveries
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{kv: store.NewMemory(), repo: records.NewMemoryRepo(), sent: &deliveries{}}
	f.reg = presence.NewRegistry(f.kv)
	ctrl := calls.NewController(calls.NewSessionStore(f.kv), f.reg, f.sent, records.NewService(f.repo), calls.Config{})

	h := Handlers{Calls: ctrl, Store: f.kv, Service: "rtc-signaling"}
	r := gin.New()
	r.GET("/healthz", h.Health)
	r.POST("/api/rtc/calls", h.InitiateCall)
	r.POST("/api/rtc/calls/finalize", h.FinalizeCall)
	f.router = r
	return f
}

func (f *fixture) connect(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.reg.Register(context.Background(), userID, "node-a/"+userID))
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	out := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestInitiateCall(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodPost, "/api/rtc/calls", map[string]string{"callerId": "A"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := f.do(t, http.MethodPost, "/api/rtc/calls", map[string]string{"callerId": "A", "calleeId": "B"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "caller not connected", body["error"])

	f.connect(t, "A")
	w, _ = f.do(t, http.MethodPost, "/api/rtc/calls", map[string]string{"callerId": "A", "calleeId": "B"})
	assert.Equal(t, http.StatusConflict, w.Code, "callee unreachable")

	f.connect(t, "B")
	w, body = f.do(t, http.MethodPost, "/api/rtc/calls", map[string]any{
		"callerId": "A", "calleeId": "B", "reason": "checkup",
		"metadata": map[string]string{"callerName": "Ana"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "call sent", body["message"])
	call := body["call"].(map[string]any)
	assert.Equal(t, "RINGING", call["state"])
	assert.Contains(t, f.sent.got, delivery{"node-a/B", calls.EventIncomingCall})

	f.connect(t, "C")
	w, _ = f.do(t, http.MethodPost, "/api/rtc/calls", map[string]string{"callerId": "C", "calleeId": "B"})
	assert.Equal(t, http.StatusConflict, w.Code, "callee busy")
}

func TestInitiateCall_StoreDown(t *testing.T) {
	f := newFixture(t)
	f.kv.Fail = fmt.Errorf("%w: connection refused", store.ErrUnavailable)

	w, _ := f.do(t, http.MethodPost, "/api/rtc/calls", map[string]string{"callerId": "A", "calleeId": "B"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestFinalizeCall_LiveSession(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A")
	f.connect(t, "B")
	_, body := f.do(t, http.MethodPost, "/api/rtc/calls", map[string]string{"callerId": "A", "calleeId": "B"})
	id := body["call"].(map[string]any)["id"].(string)

	w, body := f.do(t, http.MethodPost, "/api/rtc/calls/finalize", map[string]any{
		"id": id, "calleeId": "B", "price": 12.5, "recordingUrl": "https://rec/1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "call finalized", body["message"])

	rec, ok := f.repo.Get(id)
	require.True(t, ok)
	assert.Equal(t, "ENDED", rec.State)
	require.NotNil(t, rec.Price)
	assert.Equal(t, 12.5, *rec.Price)
	assert.Equal(t, "https://rec/1", rec.RecordingURL)
	assert.Contains(t, f.sent.got, delivery{"node-a/A", calls.EventCallEnded})

	// the callee is free again
	w, _ = f.do(t, http.MethodPost, "/api/rtc/calls", map[string]string{"callerId": "A", "calleeId": "B"})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestFinalizeCall_NoLiveSession(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodPost, "/api/rtc/calls/finalize", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/rtc/calls/finalize", map[string]any{"calleeId": "B"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/rtc/calls/finalize", map[string]any{
		"id": "late-1", "callerId": "A", "calleeId": "B", "reason": "follow-up",
	})
	require.Equal(t, http.StatusOK, w.Code)
	rec, ok := f.repo.Get("late-1")
	require.True(t, ok)
	assert.Equal(t, "ENDED", rec.State)
	assert.Equal(t, "follow-up", rec.Reason)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["redis"])
	assert.Equal(t, "rtc-signaling", body["service"])

	f.kv.Fail = store.ErrUnavailable
	_, body = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, "unavailable", body["redis"])
	assert.Equal(t, "ok", body["status"])
}

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err  error
		code int
	}{
		{calls.ErrCalleeBusy, http.StatusConflict},
		{calls.ErrCalleeUnreachable, http.StatusConflict},
		{calls.ErrInvalidTransition, http.StatusConflict},
		{calls.ErrCallerNotConnected, http.StatusNotFound},
		{calls.ErrNoSuchSession, http.StatusNotFound},
		{calls.ErrCallerMismatch, http.StatusForbidden},
		{fmt.Errorf("%w: x", calls.ErrInvalidArgument), http.StatusBadRequest},
		{store.ErrUnavailable, http.StatusServiceUnavailable},
		{records.ErrPersistenceFailed, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		writeError(c, tc.err)
		assert.Equal(t, tc.code, w.Code, "%v", tc.err)
	}
}
