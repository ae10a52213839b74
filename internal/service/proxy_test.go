package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"balancer-proxy-go/internal/client"
	"balancer-proxy-go/internal/config"
	"balancer-proxy-go/internal/model"
	"balancer-proxy-go/internal/pool"
)

// newTestService builds a BalancerService over the given backend URLs.
func newTestService(t *testing.T, backendURLs ...string) (*BalancerService, *pool.Pool) {
	t.Helper()

	urls := make([]*url.URL, 0, len(backendURLs))
	for _, raw := range backendURLs {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatal(err)
		}
		urls = append(urls, u)
	}
	p := pool.New(urls)

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := client.NewUpstreamClient(cfg, logger, nil)

	return NewBalancerService(c, p, logger, nil), p
}

func request(method, path, rawQuery string, header http.Header, body io.Reader) *model.ProxyRequest {
	query, _ := url.ParseQuery(rawQuery)
	if header == nil {
		header = http.Header{}
	}
	rc := io.NopCloser(strings.NewReader(""))
	if body != nil {
		rc = io.NopCloser(body)
	}
	return &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: method,
		Path:   path,
		Query:  query,
		Header: header,
		Body:   rc,
	}
}

func TestForward_RelaysResponseVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/items")
		}
		if r.URL.Query().Get("verbose") != "1" {
			t.Errorf("query verbose = %q, want %q", r.URL.Query().Get("verbose"), "1")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend-Extra", "kept")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer upstream.Close()

	svc, _ := newTestService(t, upstream.URL)

	resp, err := svc.Forward(request(http.MethodPost, "/items", "verbose=1", nil, strings.NewReader(`{"name":"x"}`)))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"id":1}` {
		t.Errorf("body = %q, want %q", body, `{"id":1}`)
	}
	if resp.Header.Get("X-Backend-Extra") != "kept" {
		t.Errorf("X-Backend-Extra = %q, want %q", resp.Header.Get("X-Backend-Extra"), "kept")
	}
}

func TestForward_RoundRobinAcrossBackends(t *testing.T) {
	mkBackend := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(name))
		}))
	}
	a := mkBackend("a")
	defer a.Close()
	b := mkBackend("b")
	defer b.Close()

	svc, _ := newTestService(t, a.URL, b.URL)

	var got []string
	for i := 0; i < 4; i++ {
		resp, err := svc.Forward(request(http.MethodGet, "/", "", nil, nil))
		if err != nil {
			t.Fatalf("Forward() %d error = %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		got = append(got, string(body))
	}

	if got[0] == got[1] {
		t.Fatalf("consecutive requests hit the same backend: %v", got)
	}
	if got[2] != got[0] || got[3] != got[1] {
		t.Errorf("selections %v do not alternate with period 2", got)
	}
}

func TestForward_RotationWithFailureAndRecovery(t *testing.T) {
	mkBackend := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(name))
		}))
	}
	a := mkBackend("a")
	defer a.Close()
	b := mkBackend("b")
	defer b.Close()

	svc, p := newTestService(t, a.URL, b.URL)

	fetch := func() string {
		t.Helper()
		resp, err := svc.Forward(request(http.MethodGet, "/", "", nil, nil))
		if err != nil {
			t.Fatalf("Forward() error = %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return string(body)
	}

	// Both healthy: strict alternation.
	first := []string{fetch(), fetch(), fetch(), fetch()}
	if first[0] == first[1] || first[2] != first[0] || first[3] != first[1] {
		t.Fatalf("expected A,B,A,B style alternation, got %v", first)
	}

	// A fails its probe: everything routes to B.
	backendA := p.Backends()[0]
	backendA.SetHealthy(false)
	for i := 0; i < 3; i++ {
		if got := fetch(); got != "b" {
			t.Fatalf("with a down, request %d hit %q, want %q", i, got, "b")
		}
	}

	// A's probe succeeds again: rotation includes A.
	backendA.SetHealthy(true)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		seen[fetch()] = true
	}
	if !seen["a"] {
		t.Error("recovered backend a never rejoined the rotation")
	}
}

func TestForward_TimeoutDemotesBackend(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()

	svc, p := newTestService(t, slow.URL)

	pr := request(http.MethodGet, "/", "", nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	pr.Ctx = ctx

	_, err := svc.Forward(pr)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("Forward() error = %v, want ErrUpstreamTimeout", err)
	}

	if p.Backends()[0].Healthy() {
		t.Error("timed-out backend should be marked unhealthy")
	}
	if _, err := p.Next(); !errors.Is(err, pool.ErrNoHealthyBackend) {
		t.Error("demoted backend should be excluded from the next selection")
	}
}

func TestForward_UnreachableDemotesBackend(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := dead.URL
	dead.Close()

	svc, p := newTestService(t, addr)

	_, err := svc.Forward(request(http.MethodGet, "/", "", nil, nil))
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("Forward() error = %v, want ErrUpstreamUnreachable", err)
	}
	if p.Backends()[0].Healthy() {
		t.Error("unreachable backend should be marked unhealthy")
	}
}

func TestForward_NoHealthyBackend(t *testing.T) {
	svc, p := newTestService(t, "http://backend-a.local", "http://backend-b.local")
	for _, b := range p.Backends() {
		b.SetHealthy(false)
	}

	_, err := svc.Forward(request(http.MethodGet, "/", "", nil, nil))
	if !errors.Is(err, pool.ErrNoHealthyBackend) {
		t.Fatalf("Forward() error = %v, want ErrNoHealthyBackend", err)
	}
}

func TestForward_BackendErrorStatusRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer upstream.Close()

	svc, p := newTestService(t, upstream.URL)

	resp, err := svc.Forward(request(http.MethodGet, "/", "", nil, nil))
	if err != nil {
		t.Fatalf("Forward() error = %v; backend error statuses are not transport failures", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	if !p.Backends()[0].Healthy() {
		t.Error("a backend-reported error status must not affect health state")
	}
}

func TestForward_RedirectRelayedNotFollowed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	svc, _ := newTestService(t, upstream.URL)

	resp, err := svc.Forward(request(http.MethodGet, "/", "", nil, nil))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want %d (3xx relayed verbatim)", resp.StatusCode, http.StatusFound)
	}
	if resp.Header.Get("Location") != "/elsewhere" {
		t.Errorf("Location = %q, want %q", resp.Header.Get("Location"), "/elsewhere")
	}
}

func TestForward_CanceledCallerDoesNotDemote(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	svc, p := newTestService(t, upstream.URL)

	pr := request(http.MethodGet, "/", "", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pr.Ctx = ctx

	_, err := svc.Forward(pr)
	if err == nil {
		t.Fatal("Forward() with canceled context should fail")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Forward() error = %v, want context.Canceled passthrough", err)
	}
	if !p.Backends()[0].Healthy() {
		t.Error("a caller disconnect must not demote the backend")
	}
}

func TestForward_AppliesHeaderDenylist(t *testing.T) {
	gotHeader := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader <- r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	svc, _ := newTestService(t, upstream.URL)

	header := http.Header{}
	header.Set("Host", "x")
	header.Set("Connection", "keep-alive")
	header.Set("Accept-Encoding", "gzip")
	header.Set("User-Agent", "curl/8")
	header.Set("Referer", "http://elsewhere")
	header.Set("Content-Type", "application/json")
	header.Set("X-Custom", "kept")

	resp, err := svc.Forward(request(http.MethodPost, "/", "", header, strings.NewReader("{}")))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	forwarded := <-gotHeader
	for _, denied := range []string{"Connection", "Accept-Encoding", "User-Agent", "Referer"} {
		if v := forwarded.Get(denied); v != "" {
			t.Errorf("header %s = %q, want it stripped", denied, v)
		}
	}
	if v := forwarded.Get("Content-Type"); v != "application/json" {
		t.Errorf("Content-Type = %q, want %q", v, "application/json")
	}
	if v := forwarded.Get("X-Custom"); v != "kept" {
		t.Errorf("X-Custom = %q, want %q", v, "kept")
	}
}

func TestFilterRequestHeaders(t *testing.T) {
	src := http.Header{
		"Host":              {"x"},
		"Connection":        {"keep-alive"},
		"Keep-Alive":        {"timeout=5"},
		"Transfer-Encoding": {"chunked"},
		"Upgrade":           {"h2c"},
		"Accept-Encoding":   {"gzip"},
		"User-Agent":        {"curl/8"},
		"Referer":           {"http://elsewhere"},
		"Content-Type":      {"application/json"},
		"Authorization":     {"Bearer token"},
		"X-Api-Key":         {"caller-key"},
	}

	dst := filterRequestHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Host stripped", "Host", 0},
		{"Connection stripped", "Connection", 0},
		{"Keep-Alive stripped", "Keep-Alive", 0},
		{"Transfer-Encoding stripped", "Transfer-Encoding", 0},
		{"Upgrade stripped", "Upgrade", 0},
		{"Accept-Encoding stripped", "Accept-Encoding", 0},
		{"User-Agent stripped", "User-Agent", 0},
		{"Referer stripped", "Referer", 0},
		{"Content-Type forwarded", "Content-Type", 1},
		{"Authorization forwarded", "Authorization", 1},
		{"X-Api-Key forwarded", "X-Api-Key", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(dst.Values(tt.key)); got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"application/json"},
		"Content-Length":    {"8"},
		"X-Backend-Extra":   {"kept"},
		"Connection":        {"close"},
		"Transfer-Encoding": {"chunked"},
	}

	dst := filterResponseHeaders(src)

	if dst.Get("Content-Type") != "application/json" {
		t.Error("Content-Type should be relayed")
	}
	if dst.Get("X-Backend-Extra") != "kept" {
		t.Error("non-hop-by-hop response headers should be relayed verbatim")
	}
	if dst.Get("Connection") != "" || dst.Get("Transfer-Encoding") != "" {
		t.Error("hop-by-hop response headers should be stripped")
	}
}

func TestBuildTargetURL(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		path  string
		query string
		want  string
	}{
		{"plain base", "http://backend:8080", "/v1/items", "a=1", "http://backend:8080/v1/items?a=1"},
		{"base with trailing slash", "http://backend:8080/", "/v1/items", "", "http://backend:8080/v1/items"},
		{"base with path prefix", "http://backend:8080/api", "/items", "", "http://backend:8080/api/items"},
		{"no query", "http://backend:8080", "/", "", "http://backend:8080/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, err := url.Parse(tt.base)
			if err != nil {
				t.Fatal(err)
			}
			query, _ := url.ParseQuery(tt.query)
			if got := buildTargetURL(base, tt.path, query); got != tt.want {
				t.Errorf("buildTargetURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
