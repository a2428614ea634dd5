package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// GetStatus returns the relay's counters and dedup cache size
func (h *Handlers) GetStatus(c *gin.Context) {
	state := "stopped"
	if h.loop.IsRunning() {
		state = "running"
	}

	c.JSON(http.StatusOK, StatusResponse{
		Scheduler:    state,
		Identity:     h.relay.Identity(),
		CacheEntries: h.relay.CacheSize(),
		Gotify:       h.breaker.State(),
		NextSweep:    optionalTime(h.loop.GetNextRun()),
		LastSweep:    optionalTime(h.loop.GetLastRun()),
		Stats:        h.relay.Stats(),
	})
}

// SweepCache drops expired entries from the dedup cache
func (h *Handlers) SweepCache(c *gin.Context) {
	removed := h.loop.SweepNow()
	c.JSON(http.StatusOK, gin.H{
		"removed":       removed,
		"cache_entries": h.relay.CacheSize(),
	})
}

// StartScheduler starts the event loop
func (h *Handlers) StartScheduler(c *gin.Context) {
	if err := h.loop.Start(); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "scheduler_error",
			Message: err.Error(),
			Code:    http.StatusConflict,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler started successfully",
		"status":  "running",
	})
}

// StopScheduler stops the event loop
func (h *Handlers) StopScheduler(c *gin.Context) {
	if err := h.loop.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to stop scheduler",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Scheduler stopped successfully",
		"status":  "stopped",
	})
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
