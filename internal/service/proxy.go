// Package service implements the core forwarding logic over the backend pool.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"balancer-proxy-go/internal/client"
	"balancer-proxy-go/internal/metrics"
	"balancer-proxy-go/internal/model"
	"balancer-proxy-go/internal/pool"
)

// Failure kinds reported by Forward. A backend's own HTTP error status is
// not a failure here; it travels back on the success path untouched.
var (
	// ErrUpstreamTimeout means the outbound call exceeded its timeout.
	ErrUpstreamTimeout = errors.New("upstream request timed out")
	// ErrUpstreamUnreachable means a connection-level failure (refused,
	// DNS, reset) prevented reaching the backend.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// hopByHopHeaders never survive a proxy hop, in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// requestHeaderDenylist is the fixed set of inbound headers that are not
// forwarded to a backend: the hop-by-hop set plus Host (the backend gets
// its own), Accept-Encoding (the proxy relays bodies verbatim and must not
// negotiate a coding on the caller's behalf), User-Agent and Referer
// (caller-identifying noise the backends do not need). Everything else
// passes through unchanged.
var requestHeaderDenylist = denylist(append([]string{
	"Host",
	"Accept-Encoding",
	"User-Agent",
	"Referer",
}, hopByHopHeaders...))

// responseHeaderDenylist strips the hop-by-hop set from backend responses;
// all other response headers are relayed verbatim.
var responseHeaderDenylist = denylist(hopByHopHeaders)

func denylist(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[http.CanonicalHeaderKey(k)] = true
	}
	return m
}

// BalancerService forwards requests to the next healthy pool backend and
// demotes a backend on transport failure so later selections avoid it.
type BalancerService struct {
	client  *client.UpstreamClient
	pool    *pool.Pool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewBalancerService creates a BalancerService.
// The metrics parameter is optional; pass nil to disable the health gauge.
func NewBalancerService(c *client.UpstreamClient, p *pool.Pool, logger *slog.Logger, m *metrics.Metrics) *BalancerService {
	return &BalancerService{
		client:  c,
		pool:    p,
		logger:  logger.With("component", "balancer_service"),
		metrics: m,
	}
}

// Forward picks the next healthy backend and relays the request to it.
// The caller is responsible for closing the response body.
//
// A request is never retried against another backend within the same call;
// a failed backend is demoted and the next client request rotates past it.
// Failures map to pool.ErrNoHealthyBackend, ErrUpstreamTimeout or
// ErrUpstreamUnreachable; a canceled caller context is passed through
// unclassified (the backend is not at fault and keeps its health state).
func (s *BalancerService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	backend, err := s.pool.Next()
	if err != nil {
		return nil, err
	}

	target := buildTargetURL(backend.URL(), pr.Path, pr.Query)
	header := filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"backend", backend.URL().String(),
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target, header, pr.Body)
	if err != nil {
		return nil, s.classifyFailure(backend, err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// classifyFailure maps a transport error to a failure kind and demotes the
// backend where the failure says something about its health.
func (s *BalancerService) classifyFailure(b *pool.Backend, err error) error {
	if errors.Is(err, context.Canceled) {
		// Caller disconnected mid-call; not the backend's fault.
		return err
	}

	if isTimeout(err) {
		s.demote(b, "timeout")
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}

	s.demote(b, "transport failure")
	return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr) && uerr.Timeout()
}

func (s *BalancerService) demote(b *pool.Backend, reason string) {
	changed := b.SetHealthy(false)
	if s.metrics != nil {
		s.metrics.SetBackendHealthy(b.URL().Host, false)
	}
	if changed {
		s.logger.Warn("backend marked unhealthy",
			"backend", b.URL().String(),
			"reason", reason,
		)
	}
}

// buildTargetURL joins a backend base URL with the inbound path and
// carries the query parameters unchanged.
func buildTargetURL(base *url.URL, path string, query url.Values) string {
	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func filterRequestHeaders(src http.Header) http.Header {
	return filterHeaders(src, requestHeaderDenylist)
}

func filterResponseHeaders(src http.Header) http.Header {
	return filterHeaders(src, responseHeaderDenylist)
}

func filterHeaders(src http.Header, deny map[string]bool) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if deny[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = vals
	}
	return dst
}
