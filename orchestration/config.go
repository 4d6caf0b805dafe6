package orchestration

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved engine configuration for graph access and retry
// defaults. Precedence, highest first: explicit ConfigOption values, then
// environment variables, then built-in defaults.
//
// Recognized environment keys: GREMLIN_ENDPOINT, GREMLIN_TIMEOUT (seconds
// or a duration string), RETRY_COUNT, RETRY_DELAY (seconds or a duration
// string).
type Config struct {
	// GremlinEndpoint is the WebSocket URL of the property-graph service.
	// A bare host URL gets the /gremlin path appended.
	GremlinEndpoint string

	// GremlinTimeout bounds each graph request.
	GremlinTimeout time.Duration

	// RetryCount is the number of attempts for lineage writes.
	RetryCount int

	// RetryDelay is the initial backoff between lineage-write attempts.
	RetryDelay time.Duration

	// PoolSize is the graph connection pool size.
	PoolSize int
}

// Built-in defaults.
const (
	DefaultGremlinEndpoint = "ws://localhost:8182/gremlin"
	DefaultGremlinTimeout  = 30 * time.Second
	DefaultRetryCount      = 3
	DefaultRetryDelay      = time.Second
	DefaultPoolSize        = 10
)

// ConfigOption overrides one resolved value.
type ConfigOption func(*Config)

// WithEndpoint overrides the graph endpoint.
func WithEndpoint(endpoint string) ConfigOption {
	return func(c *Config) { c.GremlinEndpoint = endpoint }
}

// WithGremlinTimeout overrides the per-request graph timeout.
func WithGremlinTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.GremlinTimeout = d }
}

// WithRetryCount overrides the lineage-write attempt count.
func WithRetryCount(n int) ConfigOption {
	return func(c *Config) { c.RetryCount = n }
}

// WithRetryDelay overrides the lineage-write backoff.
func WithRetryDelay(d time.Duration) ConfigOption {
	return func(c *Config) { c.RetryDelay = d }
}

// WithPoolSize overrides the connection pool size.
func WithPoolSize(n int) ConfigOption {
	return func(c *Config) { c.PoolSize = n }
}

// ResolveConfig layers environment values over the defaults and applies the
// explicit options last.
func ResolveConfig(opts ...ConfigOption) Config {
	cfg := Config{
		GremlinEndpoint: DefaultGremlinEndpoint,
		GremlinTimeout:  DefaultGremlinTimeout,
		RetryCount:      DefaultRetryCount,
		RetryDelay:      DefaultRetryDelay,
		PoolSize:        DefaultPoolSize,
	}

	if v := os.Getenv("GREMLIN_ENDPOINT"); v != "" {
		cfg.GremlinEndpoint = v
	}
	if d, ok := envDuration("GREMLIN_TIMEOUT"); ok {
		cfg.GremlinTimeout = d
	}
	if v := os.Getenv("RETRY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetryCount = n
		}
	}
	if d, ok := envDuration("RETRY_DELAY"); ok {
		cfg.RetryDelay = d
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	cfg.GremlinEndpoint = normalizeEndpoint(cfg.GremlinEndpoint)
	return cfg
}

// envDuration reads key as either a bare number of seconds or a duration
// string. Unparseable values are ignored, keeping the default.
func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
		return time.Duration(n * float64(time.Second)), true
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	return 0, false
}

// normalizeEndpoint appends the /gremlin path to bare host URLs.
func normalizeEndpoint(endpoint string) string {
	trimmed := strings.TrimSuffix(endpoint, "/")
	rest := trimmed
	if i := strings.Index(trimmed, "://"); i >= 0 {
		rest = trimmed[i+3:]
	}
	if strings.Contains(rest, "/") {
		return trimmed
	}
	return trimmed + "/gremlin"
}
