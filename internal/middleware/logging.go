// Package middleware provides Echo middleware for logging, security and
// per-key rate limiting.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// The rate-limit key owner is included for auditing as a short prefix only;
// API keys are credentials and are never logged whole.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			logger.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
				"api_key_prefix", apiKeyPrefix(c),
			)

			return err
		}
	}
}

func apiKeyPrefix(c echo.Context) string {
	key, _ := c.Get(ContextKeyAPIKey).(string)
	if len(key) > 6 {
		return key[:6]
	}
	return key
}
