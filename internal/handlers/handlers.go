package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zulip-gotify-relay-go/internal/relay"
)

// Relay is the dispatcher state the API reports on
type Relay interface {
	Stats() relay.Stats
	Identity() string
	CacheSize() int
}

// Loop is the event loop the API controls
type Loop interface {
	Start() error
	Stop() error
	IsRunning() bool
	Healthy() error
	SweepNow() int
	GetNextRun() time.Time
	GetLastRun() time.Time
}

// Breaker reports the sink's circuit breaker state
type Breaker interface {
	State() string
}

// Handlers contains all HTTP handlers
type Handlers struct {
	relay   Relay
	loop    Loop
	breaker Breaker
}

// NewHandlers creates new HTTP handlers
func NewHandlers(r Relay, l Loop, b Breaker) *Handlers {
	return &Handlers{relay: r, loop: l, breaker: b}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/status", h.GetStatus)
		api.POST("/cache/sweep", h.SweepCache)

		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
	}
}
