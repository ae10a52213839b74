package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"balancer-proxy-go/internal/model"
	"balancer-proxy-go/internal/pool"
	"balancer-proxy-go/internal/service"
)

// ProxyHandler relays catch-all requests through the balancer service.
type ProxyHandler struct {
	service *service.BalancerService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.BalancerService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request to the next healthy backend and relays the
// response — status, headers and body — back to the caller. A backend's
// own error status codes travel through here unchanged; only transport
// failures are mapped to synthesized error responses.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	// Backends that omit a content type get the generic JSON media type.
	if c.Response().Header().Get(echo.HeaderContentType) == "" {
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, network error), the HTTP status
	// code has already been sent, so the client receives a truncated
	// response with the original status. This is an inherent trade-off of
	// streaming proxies — we log the error for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// mapError converts a forwarding failure into the caller-visible response:
// 503 when the whole pool is down, 504 on upstream timeout, 500 on a
// connection-level failure, 502 when the caller itself went away.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	switch {
	case errors.Is(err, pool.ErrNoHealthyBackend):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "no healthy backend available",
		})

	case errors.Is(err, service.ErrUpstreamTimeout):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "backend request timed out",
		})

	case errors.Is(err, context.Canceled):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})

	case errors.Is(err, service.ErrUpstreamUnreachable):
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to forward request to backend",
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "failed to forward request to backend",
	})
}
