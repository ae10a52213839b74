package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"balancer-proxy-go/internal/pool"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the balancer's own health and status endpoints.
// These are exempt from rate limiting and never forwarded.
type HealthHandler struct {
	pool    *pool.Pool
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(p *pool.Pool, v Version) *HealthHandler {
	return &HealthHandler{pool: p, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type backendStatus struct {
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
}

// Status returns balancer status information with a per-backend health snapshot.
func (h *HealthHandler) Status(c echo.Context) error {
	backends := make([]backendStatus, 0, h.pool.Size())
	for _, b := range h.pool.Backends() {
		backends = append(backends, backendStatus{
			URL:     b.URL().String(),
			Healthy: b.Healthy(),
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   string(h.version),
		"pool_size": h.pool.Size(),
		"backends":  backends,
	})
}
