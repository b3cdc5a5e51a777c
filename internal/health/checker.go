// Package health exposes liveness/readiness/detailed-status HTTP endpoints.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Connection reports whether the upstream OPC UA session is currently up.
type Connection interface {
	IsConnected() bool
}

// ReconnectStatus reports a human-readable reconnection status line, for
// the original ReconnectionManager::getDetailedStatus behavior.
type ReconnectStatus interface {
	DetailedStatus() string
}

// Checker provides health check endpoints.
type Checker struct {
	conn      Connection
	reconnect ReconnectStatus
	logger    zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(conn Connection, reconnect ReconnectStatus, logger zerolog.Logger) *Checker {
	return &Checker{
		conn:      conn,
		reconnect: reconnect,
		logger:    logger.With().Str("component", "health-checker").Logger(),
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
	Reconnect  string            `json:"reconnect_status,omitempty"`
}

// HealthHandler returns the overall health status.
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	opcStatus := "healthy"
	if !c.conn.IsConnected() {
		opcStatus = "unhealthy"
	}

	overallStatus := "healthy"
	if opcStatus != "healthy" {
		overallStatus = "degraded"
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Components: map[string]string{
			"opcua": opcStatus,
			"cache": "healthy",
		},
	}
	if c.reconnect != nil {
		response.Reconnect = c.reconnect.DetailedStatus()
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// LiveHandler returns 200 if the process is running.
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler returns 200 if the service is ready to accept read traffic.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ready := c.conn.IsConnected()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "not_ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"opcua":     ready,
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
