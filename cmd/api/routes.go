package main

import (
	"net/http"

	"rtc-signaling/internal/calls"
	"rtc-signaling/internal/httpapi"
	"rtc-signaling/internal/metrics"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	gateway    http.Handler
	controller *calls.Controller
	store      httpapi.Pinger
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := httpapi.Handlers{
		Calls:   d.controller,
		Store:   d.store,
		Service: "rtc-signaling",
	}

	// public
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Persistent signaling connection.
	r.GET("/ws", gin.WrapH(d.gateway))

	// REST fallback for clients without a live connection.
	rtc := r.Group("/api/rtc")
	{
		rtc.POST("/calls", h.InitiateCall)
		rtc.POST("/calls/finalize", h.FinalizeCall)
	}
}
