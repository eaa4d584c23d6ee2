package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ajitpratap0/legacysync/pkg/clients"
)

// Health statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ComponentHealth is the state of one dependency
type ComponentHealth struct {
	Status    string         `json:"status"`
	LatencyMs int64          `json:"latencyMs"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// GET /health: 503 when the database is unreachable, degraded while the
// legacy circuit is open
func (h *handlers) health(c *gin.Context) {
	resp := HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Components: map[string]ComponentHealth{"database": h.checkDatabase(c.Request.Context())},
	}
	if h.breaker != nil {
		resp.Components["legacyApi"] = breakerHealth(h.breaker)
	}
	if len(h.queues) > 0 {
		resp.Components["queues"] = queueHealth(h.queues)
	}

	for _, comp := range resp.Components {
		switch comp.Status {
		case StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case StatusDegraded:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (h *handlers) checkDatabase(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.healthTimeout)
	defer cancel()

	details := map[string]any{"driver": h.driver}
	if err := h.users.Ping(ctx); err != nil {
		return ComponentHealth{
			Status:    StatusUnhealthy,
			LatencyMs: time.Since(start).Milliseconds(),
			Message:   err.Error(),
			Details:   details,
		}
	}
	return ComponentHealth{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
		Details:   details,
	}
}

// the legacy source only matters during a sync, so an open circuit degrades
func breakerHealth(cb *clients.CircuitBreaker) ComponentHealth {
	state := cb.State()
	comp := ComponentHealth{
		Status:  StatusHealthy,
		Details: map[string]any{"circuit": state.String(), "failures": cb.Failures()},
	}
	if state == clients.StateOpen {
		comp.Status = StatusDegraded
		comp.Message = "circuit breaker is open"
	}
	return comp
}
