package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HealthCheck handles health check requests. An open Gotify breaker is
// reported but does not fail the check: events keep flowing without it.
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Zulip:     "ok",
		Gotify:    h.breaker.State(),
	}

	if err := h.loop.Healthy(); err != nil {
		response.Status = "error"
		response.Zulip = err.Error()
		logrus.Errorf("Event loop health check failed: %v", err)
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
