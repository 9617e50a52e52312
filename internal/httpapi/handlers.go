package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"rtc-signaling/internal/calls"
	"rtc-signaling/internal/records"
	"rtc-signaling/internal/signaling"
	"rtc-signaling/internal/store"
	"rtc-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls   CallService
	Store   Pinger
	Service string
}

// CallService is the part of calls.Controller served over REST.
type CallService interface {
	Initiate(ctx context.Context, req calls.InitiateRequest) (calls.Session, error)
	Finalize(ctx context.Context, req calls.FinalizeRequest) (calls.Session, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// --- Calls ---

type initiateRequest struct {
	CallerID string         `json:"callerId"`
	CalleeID string         `json:"calleeId"`
	Reason   string         `json:"reason"`
	Metadata calls.Metadata `json:"metadata"`
}

// InitiateCall starts a call for a caller that already holds a live
// connection. The callee is notified over its connection.
func (h Handlers) InitiateCall(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CallerID == "" || req.CalleeID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callerId and calleeId required"})
		return
	}

	sess, err := h.Calls.Initiate(c.Request.Context(), calls.InitiateRequest{
		CallerID:              req.CallerID,
		CalleeID:              req.CalleeID,
		Reason:                req.Reason,
		Metadata:              req.Metadata,
		RequireCallerPresence: true,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "call sent", "call": sess})
}

type finalizeRequest struct {
	ID             string   `json:"id"`
	CallerID       string   `json:"callerId"`
	CalleeID       string   `json:"calleeId"`
	Reason         string   `json:"reason"`
	Price          *float64 `json:"price"`
	RecordingURL   string   `json:"recordingUrl"`
	CallerName     string   `json:"callerName"`
	CallerPhone    string   `json:"callerPhone"`
	CallerLocation string   `json:"callerLocation"`
}

// FinalizeCall ends a call from outside a live connection, for example
// after billing or recording completes. Unknown or expired sessions still
// get a terminal record when an id is supplied.
func (h Handlers) FinalizeCall(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ID == "" && req.CalleeID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "id or calleeId required"})
		return
	}

	_, err := h.Calls.Finalize(c.Request.Context(), calls.FinalizeRequest{
		ID:       req.ID,
		CallerID: req.CallerID,
		CalleeID: req.CalleeID,
		Reason:   req.Reason,
		Metadata: calls.Metadata{
			CallerName:     req.CallerName,
			CallerPhone:    req.CallerPhone,
			CallerLocation: req.CallerLocation,
			RecordingURL:   req.RecordingURL,
			Price:          req.Price,
		},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "call finalized"})
}

// --- Health ---

func (h Handlers) Health(c *gin.Context) {
	redis := "ok"
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			logger.FromGin(c).Warn("health: store ping failed", "err", err)
			redis = "unavailable"
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "redis": redis, "service": h.Service})
}

// writeError is the only place REST errors become status codes.
func writeError(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, calls.ErrCalleeBusy):
		status, msg = http.StatusConflict, "callee is busy"
	case errors.Is(err, calls.ErrCalleeUnreachable):
		status, msg = http.StatusConflict, "callee not available"
	case errors.Is(err, calls.ErrInvalidTransition):
		status, msg = http.StatusConflict, "call is not in a state that allows this"
	case errors.Is(err, calls.ErrCallerNotConnected):
		status, msg = http.StatusNotFound, "caller not connected"
	case errors.Is(err, calls.ErrNoSuchSession):
		status, msg = http.StatusNotFound, "no such call"
	case errors.Is(err, signaling.ErrPeerUnreachable):
		status, msg = http.StatusNotFound, "peer not connected"
	case errors.Is(err, calls.ErrCallerMismatch):
		status, msg = http.StatusForbidden, "caller does not match call"
	case errors.Is(err, calls.ErrInvalidArgument):
		status, msg = http.StatusBadRequest, "invalid request"
	case errors.Is(err, store.ErrUnavailable):
		status, msg = http.StatusServiceUnavailable, "service temporarily unavailable"
	case errors.Is(err, records.ErrPersistenceFailed):
		msg = "call record could not be saved"
	}

	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "status", status, "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
