package pool

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"balancer-proxy-go/internal/metrics"
)

// Prober periodically issues a lightweight GET to every backend's health
// path and updates the backend's health flag from the result. Each backend
// gets its own goroutine so a slow backend never delays the others' probes.
//
// A probe succeeds on any 2xx response; any other status, or any transport
// failure, marks the backend unhealthy. The loops run until Stop (or the
// test's context cancel) and survive transient probe failures.
type Prober struct {
	pool     *Pool
	client   *http.Client
	interval time.Duration
	path     string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ProberOptions configures a Prober. Zero values fall back to the
// defaults below.
type ProberOptions struct {
	Interval time.Duration // time between probes per backend (default 30s)
	Timeout  time.Duration // per-probe timeout, independent of the forwarding timeout (default 5s)
	Path     string        // health path on each backend (default /health)
}

// NewProber creates a Prober over the given pool.
// The metrics parameter is optional; pass nil to disable the health gauge.
func NewProber(p *Pool, opts ProberOptions, logger *slog.Logger, m *metrics.Metrics) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Path == "" {
		opts.Path = "/health"
	}
	return &Prober{
		pool:     p,
		client:   &http.Client{Timeout: opts.Timeout},
		interval: opts.Interval,
		path:     opts.Path,
		logger:   logger.With("component", "prober"),
		metrics:  m,
	}
}

// Start launches one probe loop per backend. It returns immediately.
func (pr *Prober) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	pr.cancel = cancel
	for _, b := range pr.pool.Backends() {
		pr.wg.Add(1)
		go pr.run(ctx, b)
	}
}

// Stop cancels all probe loops and waits for them to exit.
func (pr *Prober) Stop() {
	if pr.cancel != nil {
		pr.cancel()
	}
	pr.wg.Wait()
}

func (pr *Prober) run(ctx context.Context, b *Backend) {
	defer pr.wg.Done()

	ticker := time.NewTicker(pr.interval)
	defer ticker.Stop()

	// First probe right away so a dead backend is demoted before the
	// first full interval elapses.
	pr.probe(ctx, b)

	for {
		select {
		case <-ctx.Done():
			pr.logger.Info("probe loop stopped", "backend", b.URL().String())
			return
		case <-ticker.C:
			pr.probe(ctx, b)
		}
	}
}

func (pr *Prober) probe(ctx context.Context, b *Backend) {
	healthURL := b.URL().ResolveReference(&url.URL{Path: pr.path})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL.String(), http.NoBody)
	if err != nil {
		return
	}

	healthy := false
	res, err := pr.client.Do(req)
	if err == nil {
		healthy = res.StatusCode >= 200 && res.StatusCode < 300
		_ = res.Body.Close()
	}
	if ctx.Err() != nil {
		// Shutdown race: a canceled probe says nothing about the backend.
		return
	}

	pr.record(b, healthy)
}

func (pr *Prober) record(b *Backend, healthy bool) {
	changed := b.SetHealthy(healthy)
	if pr.metrics != nil {
		pr.metrics.SetBackendHealthy(b.URL().Host, healthy)
	}
	if changed {
		if healthy {
			pr.logger.Info("backend is back up", "backend", b.URL().String())
		} else {
			pr.logger.Warn("backend is down", "backend", b.URL().String())
		}
	}
}
