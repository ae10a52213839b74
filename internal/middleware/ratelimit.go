package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"balancer-proxy-go/internal/metrics"
)

// ContextKeyAPIKey is the echo context key under which the extracted
// caller identity is stashed for audit logging.
const ContextKeyAPIKey = "api_key"

// ErrMissingAPIKey is returned when neither the designated header nor the
// designated query parameter carries a caller identity.
var ErrMissingAPIKey = errors.New("API key required")

// APIKeyExtractor returns an identifier extractor that reads the caller
// identity from the designated header, falling back to the designated
// query parameter. The extracted key doubles as the rate-limit key and as
// the audit identity (via ContextKeyAPIKey).
func APIKeyExtractor(headerName, queryParam string) echomw.Extractor {
	return func(c echo.Context) (string, error) {
		key := c.Request().Header.Get(headerName)
		if key == "" {
			key = c.QueryParam(queryParam)
		}
		if key == "" {
			return "", fmt.Errorf("%w in %q header or %q query parameter", ErrMissingAPIKey, headerName, queryParam)
		}
		c.Set(ContextKeyAPIKey, key)
		return key, nil
	}
}

// KeyStore is an in-memory per-key rate-limit store implementing echo's
// RateLimiterStore. Each key gets an independent token bucket with
// burst = quota, refilled at quota per window — a smoothed sliding window:
// the (quota+1)-th back-to-back request inside one window is rejected, and
// a key idle for a full window has its whole quota available again.
//
// Keys idle for three windows are evicted by an opportunistic sweep inside
// Allow, bounding memory without changing the observable semantics.
type KeyStore struct {
	visitors    map[string]*visitor
	mutex       sync.Mutex
	rate        rate.Limit
	burst       int
	expiresIn   time.Duration
	lastCleanup time.Time

	timeNow func() time.Time
}

type visitor struct {
	*rate.Limiter
	lastSeen time.Time
}

// NewKeyStore creates a KeyStore enforcing quota requests per window
// for each distinct key.
func NewKeyStore(quota int, window time.Duration) *KeyStore {
	return &KeyStore{
		visitors:    make(map[string]*visitor),
		rate:        rate.Limit(float64(quota) / window.Seconds()),
		burst:       quota,
		expiresIn:   3 * window,
		lastCleanup: time.Now(),
		timeNow:     time.Now,
	}
}

// Allow reports whether a request for the given key fits its quota.
// Concurrent calls for the same key share one limiter; the increment and
// the check are a single atomic step inside the limiter.
func (s *KeyStore) Allow(key string) (bool, error) {
	s.mutex.Lock()
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{Limiter: rate.NewLimiter(s.rate, s.burst)}
		s.visitors[key] = v
	}
	now := s.timeNow()
	v.lastSeen = now
	if now.Sub(s.lastCleanup) > s.expiresIn {
		s.cleanupStale(now)
	}
	s.mutex.Unlock()

	return v.AllowN(now, 1), nil
}

// cleanupStale drops keys not seen for expiresIn. Caller holds the mutex.
func (s *KeyStore) cleanupStale(now time.Time) {
	for key, v := range s.visitors {
		if now.Sub(v.lastSeen) > s.expiresIn {
			delete(s.visitors, key)
		}
	}
	s.lastCleanup = now
}

// RateLimiter returns the per-API-key rate limiting middleware: extraction
// failure → 400, over quota → 429. The metrics parameter is optional.
func RateLimiter(store echomw.RateLimiterStore, extractor echomw.Extractor, m *metrics.Metrics) echo.MiddlewareFunc {
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store:               store,
		IdentifierExtractor: extractor,
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		},
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			if m != nil {
				m.RateLimitedTotal.Inc()
			}
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
		},
	})
}
