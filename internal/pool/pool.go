package pool

import (
	"errors"
	"net/url"
	"sync/atomic"
)

// ErrNoHealthyBackend is returned by Next when every backend in the pool
// is currently marked unhealthy.
var ErrNoHealthyBackend = errors.New("no healthy backend available")

// Pool is a fixed set of backends with a shared round-robin cursor.
// The backend list never changes after New; only the per-backend health
// flags and the cursor are mutable, both via atomics.
type Pool struct {
	backends []*Backend
	cursor   atomic.Uint64
}

// New builds a Pool from the configured backend URLs.
func New(urls []*url.URL) *Pool {
	backends := make([]*Backend, 0, len(urls))
	for _, u := range urls {
		backends = append(backends, NewBackend(u))
	}
	return &Pool{backends: backends}
}

// Next returns the next healthy backend in round-robin order.
//
// The cursor advances by one position per examined backend, healthy or
// not, so a skipped unhealthy backend still rotates the pool and the
// remaining backends keep their relative order. After a full pass with
// no healthy backend found, Next returns ErrNoHealthyBackend.
func (p *Pool) Next() (*Backend, error) {
	n := uint64(len(p.backends))
	if n == 0 {
		return nil, ErrNoHealthyBackend
	}
	for range p.backends {
		idx := (p.cursor.Add(1) - 1) % n
		if b := p.backends[idx]; b.Healthy() {
			return b, nil
		}
	}
	return nil, ErrNoHealthyBackend
}

// Backends returns the pool's backend list. The slice is shared; callers
// must not modify it.
func (p *Pool) Backends() []*Backend {
	return p.backends
}

// Size returns the number of configured backends.
func (p *Pool) Size() int {
	return len(p.backends)
}
