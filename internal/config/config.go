// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/balancer-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Backends  string `kong:"help='Comma-separated backend base URLs (overrides config).',env='BACKEND_SERVERS'"`
	RateLimit string `kong:"help='Rate limit expression, e.g. 100/minute (overrides config).',env='RATE_LIMIT'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Health   HealthConfig   `toml:"health"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-API-key request rate limiting.
// Limit is a count-per-window expression such as "100/minute", parsed once
// at startup. HeaderName and QueryParam name the caller-identity carriers.
type RateLimitConfig struct {
	Enabled    bool   `toml:"enabled"`
	Limit      string `toml:"limit"`
	HeaderName string `toml:"header_name"`
	QueryParam string `toml:"query_param"`

	quota  int
	window time.Duration
}

// Quota returns the parsed request count per window.
func (r *RateLimitConfig) Quota() int { return r.quota }

// Window returns the parsed window duration.
func (r *RateLimitConfig) Window() time.Duration { return r.window }

// UpstreamConfig holds the backend pool and outbound connection settings.
type UpstreamConfig struct {
	Backends        string `toml:"backends"` // comma-separated absolute URLs
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`

	backendURLs []*url.URL
}

// BackendURLs returns the parsed backend pool. Only valid after Load.
func (u *UpstreamConfig) BackendURLs() []*url.URL { return u.backendURLs }

// HealthConfig holds backend probe settings.
type HealthConfig struct {
	Path            string `toml:"path"`
	IntervalSeconds int    `toml:"interval_seconds"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
}

// Interval returns the probe interval as a duration.
func (h *HealthConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// Timeout returns the per-probe timeout as a duration.
func (h *HealthConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// CORSConfig holds cross-origin settings for the inbound surface.
// CORS is off when no origins are listed.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
	AllowedMethods []string `toml:"allowed_methods"`
	AllowedHeaders []string `toml:"allowed_headers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/balancer-proxy/config.toml then configs/config.toml.
// Any validation failure here is fatal: the process must not start with an
// empty or malformed pool or an invalid rate expression.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Backends != "" {
		c.Upstream.Backends = cli.Backends
	}
	if cli.RateLimit != "" {
		c.Server.RateLimit.Limit = cli.RateLimit
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Backend pool: at least one absolute http(s) URL.
	urls, err := parseBackends(c.Upstream.Backends)
	if err != nil {
		return err
	}
	c.Upstream.backendURLs = urls

	// Rate limit expression, parsed once.
	if c.Server.RateLimit.Enabled {
		quota, window, err := ParseRate(c.Server.RateLimit.Limit)
		if err != nil {
			return err
		}
		c.Server.RateLimit.quota = quota
		c.Server.RateLimit.window = window
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Health.IntervalSeconds <= 0 {
		return fmt.Errorf("health.interval_seconds must be positive; got %d", c.Health.IntervalSeconds)
	}
	if c.Health.TimeoutSeconds <= 0 {
		return fmt.Errorf("health.timeout_seconds must be positive; got %d", c.Health.TimeoutSeconds)
	}
	if !strings.HasPrefix(c.Health.Path, "/") {
		return fmt.Errorf("health.path must start with '/'; got %q", c.Health.Path)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/balancer/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// parseBackends splits and validates the comma-separated backend list.
// Every entry must be an absolute URL with an http or https scheme and a
// host; empty entries and an empty list are errors.
func parseBackends(raw string) ([]*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("upstream.backends is required (comma-separated backend URLs)")
	}

	var urls []*url.URL
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return nil, fmt.Errorf("upstream.backends contains an empty entry: %q", raw)
		}
		if err := validation.Validate(entry, validation.Required, is.RequestURL); err != nil {
			return nil, fmt.Errorf("upstream.backends entry %q: %w", entry, err)
		}
		u, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("upstream.backends entry %q: %w", entry, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("upstream.backends entry %q must use http or https", entry)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("upstream.backends entry %q must include a host", entry)
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// rateWindows maps rate expression units to window durations.
var rateWindows = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// ParseRate parses a "count/window" rate expression such as "100/minute"
// into a quota and a window duration.
func ParseRate(expr string) (int, time.Duration, error) {
	parts := strings.SplitN(strings.TrimSpace(expr), "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("rate limit %q must look like \"100/minute\"", expr)
	}
	quota, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || quota <= 0 {
		return 0, 0, fmt.Errorf("rate limit %q: count must be a positive integer", expr)
	}
	window, ok := rateWindows[strings.ToLower(strings.TrimSpace(parts[1]))]
	if !ok {
		return 0, 0, fmt.Errorf("rate limit %q: window must be one of second, minute, hour, day", expr)
	}
	return quota, window, nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.RateLimit.Limit == "" {
		c.Server.RateLimit.Limit = "100/minute"
	}
	if c.Server.RateLimit.HeaderName == "" {
		c.Server.RateLimit.HeaderName = "X-API-Key"
	}
	if c.Server.RateLimit.QueryParam == "" {
		c.Server.RateLimit.QueryParam = "api_key"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Health.Path == "" {
		c.Health.Path = "/health"
	}
	if c.Health.IntervalSeconds == 0 {
		c.Health.IntervalSeconds = 30
	}
	if c.Health.TimeoutSeconds == 0 {
		c.Health.TimeoutSeconds = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
