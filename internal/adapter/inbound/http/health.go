package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/Sentinel-Gate/Sentinelgate/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// storePinger is the subset of sqlite.Store the health checker needs;
// narrowed to avoid importing the adapter package just for a ping.
type storePinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker verifies component health for the gateway's own stack:
// the SQLite store, the MCP session registry, and the audit queue.
type HealthChecker struct {
	store    storePinger
	sessions *service.MCPSessionService
	audit    *service.GatewayAuditService
	version  string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(store storePinger, sessions *service.MCPSessionService, audit *service.GatewayAuditService, version string) *HealthChecker {
	return &HealthChecker{store: store, sessions: sessions, audit: audit, version: version}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.store != nil {
		if err := h.store.Ping(context.Background()); err != nil {
			checks["store"] = fmt.Sprintf("unhealthy: %v", err)
			healthy = false
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "not configured"
	}

	if h.sessions != nil {
		checks["sessions"] = fmt.Sprintf("ok: %d active", h.sessions.Count())
	} else {
		checks["sessions"] = "not configured"
	}

	if h.audit != nil {
		depth := h.audit.ChannelDepth()
		capacity := h.audit.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		if percentFull > 90 {
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		if drops := h.audit.DroppedRecords(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
