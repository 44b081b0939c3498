package handlers

import (
	"net/http"
)

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Connections int    `json:"connections"`
}

// Health reports liveness plus the number of open websocket connections.
type Health struct {
	connections func() int
}

// NewHealth creates a Health handler. connections may be nil.
func NewHealth(connections func() int) *Health {
	return &Health{connections: connections}
}

// HealthCheck handles GET /health
// Returns the server's health status for monitoring and load balancer checks.
func (h *Health) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Message: "Talkie realtime is running",
	}
	if h.connections != nil {
		response.Connections = h.connections()
	}
	writeJSON(w, http.StatusOK, response)
}
