package orchestration

import (
	"testing"
	"time"
)

func TestResolveConfigDefaults(t *testing.T) {
	cfg := ResolveConfig()

	if cfg.GremlinEndpoint != DefaultGremlinEndpoint {
		t.Errorf("endpoint = %q", cfg.GremlinEndpoint)
	}
	if cfg.GremlinTimeout != DefaultGremlinTimeout {
		t.Errorf("timeout = %v", cfg.GremlinTimeout)
	}
	if cfg.RetryCount != DefaultRetryCount {
		t.Errorf("retry count = %d", cfg.RetryCount)
	}
	if cfg.RetryDelay != DefaultRetryDelay {
		t.Errorf("retry delay = %v", cfg.RetryDelay)
	}
	if cfg.PoolSize != DefaultPoolSize {
		t.Errorf("pool size = %d", cfg.PoolSize)
	}
}

func TestResolveConfigEnvironment(t *testing.T) {
	t.Setenv("GREMLIN_ENDPOINT", "ws://graph.internal:8182")
	t.Setenv("GREMLIN_TIMEOUT", "60")
	t.Setenv("RETRY_COUNT", "5")
	t.Setenv("RETRY_DELAY", "250ms")

	cfg := ResolveConfig()

	if cfg.GremlinEndpoint != "ws://graph.internal:8182/gremlin" {
		t.Errorf("endpoint = %q, want path appended", cfg.GremlinEndpoint)
	}
	if cfg.GremlinTimeout != 60*time.Second {
		t.Errorf("timeout = %v", cfg.GremlinTimeout)
	}
	if cfg.RetryCount != 5 {
		t.Errorf("retry count = %d", cfg.RetryCount)
	}
	if cfg.RetryDelay != 250*time.Millisecond {
		t.Errorf("retry delay = %v", cfg.RetryDelay)
	}
}

func TestResolveConfigOptionsBeatEnvironment(t *testing.T) {
	t.Setenv("GREMLIN_ENDPOINT", "ws://env-host:8182/gremlin")
	t.Setenv("RETRY_COUNT", "7")

	cfg := ResolveConfig(
		WithEndpoint("ws://explicit:8182/gremlin"),
		WithRetryCount(2),
		WithGremlinTimeout(5*time.Second),
	)

	if cfg.GremlinEndpoint != "ws://explicit:8182/gremlin" {
		t.Errorf("endpoint = %q", cfg.GremlinEndpoint)
	}
	if cfg.RetryCount != 2 {
		t.Errorf("retry count = %d", cfg.RetryCount)
	}
	if cfg.GremlinTimeout != 5*time.Second {
		t.Errorf("timeout = %v", cfg.GremlinTimeout)
	}
}

func TestResolveConfigIgnoresInvalidEnvironment(t *testing.T) {
	t.Setenv("GREMLIN_TIMEOUT", "soon")
	t.Setenv("RETRY_COUNT", "-1")

	cfg := ResolveConfig()

	if cfg.GremlinTimeout != DefaultGremlinTimeout {
		t.Errorf("timeout = %v, want default kept", cfg.GremlinTimeout)
	}
	if cfg.RetryCount != DefaultRetryCount {
		t.Errorf("retry count = %d, want default kept", cfg.RetryCount)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://localhost:8182", "ws://localhost:8182/gremlin"},
		{"ws://localhost:8182/", "ws://localhost:8182/gremlin"},
		{"ws://localhost:8182/gremlin", "ws://localhost:8182/gremlin"},
		{"wss://db.example.com/custom-path", "wss://db.example.com/custom-path"},
	}

	for _, tt := range tests {
		if got := normalizeEndpoint(tt.in); got != tt.want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
