package orchestration

import (
	"testing"
	"time"
)

func TestExecutionIDDeterministic(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	inputs := map[string]any{"a": 2, "b": 3}

	h1, err := ExecutionID([]string{"p1", "p2"}, "add", inputs, ts)
	if err != nil {
		t.Fatalf("ExecutionID: %v", err)
	}
	h2, err := ExecutionID([]string{"p2", "p1"}, "add", inputs, ts)
	if err != nil {
		t.Fatalf("ExecutionID: %v", err)
	}

	if h1 != h2 {
		t.Errorf("parent order changed hash: %q vs %q", h1, h2)
	}
	if len(h1) != 16 {
		t.Errorf("hash length = %d, want 16", len(h1))
	}
}

func TestExecutionIDSensitivity(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	base, _ := ExecutionID([]string{"p1"}, "add", map[string]any{"a": 2}, ts)

	tests := []struct {
		name string
		hash func() (string, error)
	}{
		{"different input value", func() (string, error) {
			return ExecutionID([]string{"p1"}, "add", map[string]any{"a": 3}, ts)
		}},
		{"different function name", func() (string, error) {
			return ExecutionID([]string{"p1"}, "mul", map[string]any{"a": 2}, ts)
		}},
		{"different parent", func() (string, error) {
			return ExecutionID([]string{"p2"}, "add", map[string]any{"a": 2}, ts)
		}},
		{"different timestamp", func() (string, error) {
			return ExecutionID([]string{"p1"}, "add", map[string]any{"a": 2}, ts.Add(time.Nanosecond))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := tt.hash()
			if err != nil {
				t.Fatalf("hash: %v", err)
			}
			if h == base {
				t.Errorf("hash unchanged: %q", h)
			}
		})
	}
}

func TestContentKeyIgnoresTime(t *testing.T) {
	inputs := map[string]any{"x": []any{1, 2, 3}}

	k1, err := ContentKey(nil, "transform", inputs)
	if err != nil {
		t.Fatalf("ContentKey: %v", err)
	}
	k2, err := ContentKey(nil, "transform", inputs)
	if err != nil {
		t.Fatalf("ContentKey: %v", err)
	}
	if k1 != k2 {
		t.Errorf("content keys differ: %q vs %q", k1, k2)
	}

	ts := time.Now()
	e, err := ExecutionID(nil, "transform", inputs, ts)
	if err != nil {
		t.Fatalf("ExecutionID: %v", err)
	}
	if e == k1 {
		t.Error("execution ID should differ from the content key")
	}
}
