package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"balancer-proxy-go/internal/config"
	"balancer-proxy-go/internal/metrics"
	"balancer-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
//
// The operational endpoints (/healthz, /balancer/status, metrics) are
// registered as plain routes; the rate limiter is attached only to the
// forwarding catch-all, so they stay exempt from quota accounting.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/balancer/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}

	var mws []echo.MiddlewareFunc
	if cfg.Server.RateLimit.Enabled {
		rl := &cfg.Server.RateLimit
		store := middleware.NewKeyStore(rl.Quota(), rl.Window())
		extractor := middleware.APIKeyExtractor(rl.HeaderName, rl.QueryParam)
		mws = append(mws, middleware.RateLimiter(store, extractor, m))
	}

	e.Any("/*", proxy.Handle, mws...)
}
