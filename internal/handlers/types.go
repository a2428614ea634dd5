package handlers

import (
	"time"

	"zulip-gotify-relay-go/internal/relay"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Zulip     string    `json:"zulip"`
	Gotify    string    `json:"gotify"`
}

// StatusResponse represents the relay status response
type StatusResponse struct {
	Scheduler    string      `json:"scheduler"`
	Identity     string      `json:"identity"`
	CacheEntries int         `json:"cache_entries"`
	Gotify       string      `json:"gotify"`
	NextSweep    *time.Time  `json:"next_sweep,omitempty"`
	LastSweep    *time.Time  `json:"last_sweep,omitempty"`
	Stats        relay.Stats `json:"stats"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
