// Package pool holds the backend set, its health state, and the
// round-robin selection over the backends currently believed healthy.
package pool

import (
	"net/url"
	"sync/atomic"
)

// Backend is one upstream server in the pool. The base URL is immutable
// after construction; the health flag is written concurrently by the
// prober and by the forwarding path and must only be touched through
// Healthy/SetHealthy.
type Backend struct {
	baseURL *url.URL
	healthy atomic.Bool
}

// NewBackend creates a Backend for the given base URL.
// Backends start healthy (optimistic until a probe or a forward says otherwise).
func NewBackend(baseURL *url.URL) *Backend {
	b := &Backend{baseURL: baseURL}
	b.healthy.Store(true)
	return b
}

// URL returns the backend's base URL.
func (b *Backend) URL() *url.URL {
	return b.baseURL
}

// Healthy reports whether the backend is currently believed healthy.
func (b *Backend) Healthy() bool {
	return b.healthy.Load()
}

// SetHealthy updates the health flag. It returns true if the state
// changed, so callers can log transitions instead of every write.
func (b *Backend) SetHealthy(healthy bool) (changed bool) {
	return b.healthy.Swap(healthy) != healthy
}
