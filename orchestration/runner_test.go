package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/twingraph/twingraph-go/graphstore"
	"github.com/twingraph/twingraph-go/orchestration/platform"
)

func platformFunction(name, listing string) platform.FunctionDescriptor {
	return platform.FunctionDescriptor{Name: name, SourceListing: listing}
}

func localComponent(name string, fn func(inputs map[string]any) (any, error)) ComponentSpec {
	return ComponentSpec{
		Name: name,
		Function: platform.FunctionDescriptor{
			Name: name,
			Invoke: func(ctx context.Context, inputs map[string]any) (any, error) {
				return fn(inputs)
			},
		},
	}
}

func newTestRunner(t *testing.T, opts ...RunnerOption) (*Runner, *graphstore.MemoryStore, *Metrics) {
	t.Helper()
	store := graphstore.NewMemoryStore()
	metrics := NewMetrics(prometheus.NewRegistry())

	base := []RunnerOption{
		WithStore(store),
		WithMetrics(metrics),
		WithRunnerConfig(Config{RetryCount: 2, RetryDelay: time.Millisecond}),
	}
	runner, err := NewRunner(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return runner, store, metrics
}

func TestSimpleChain(t *testing.T) {
	runner, store, _ := newTestRunner(t)
	ctx := context.Background()

	add := localComponent("add", func(inputs map[string]any) (any, error) {
		return map[string]any{"sum": inputs["a"].(int) + inputs["b"].(int)}, nil
	})
	mul := localComponent("mul", func(inputs map[string]any) (any, error) {
		return map[string]any{"product": inputs["a"].(int) * inputs["b"].(int)}, nil
	})

	r1, err := runner.Run(ctx, add, map[string]any{"a": 2, "b": 3})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if r1.Outputs["sum"] != 5 {
		t.Errorf("sum = %v, want 5", r1.Outputs["sum"])
	}

	r2, err := runner.Run(ctx, mul, map[string]any{
		"a":           r1.Outputs["sum"],
		"b":           4,
		ParentHashKey: r1.Hash,
	})
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	if r2.Outputs["product"] != 20 {
		t.Errorf("product = %v, want 20", r2.Outputs["product"])
	}

	stats, err := store.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Vertices != 2 {
		t.Errorf("vertices = %d, want 2", stats.Vertices)
	}

	edges := store.Edges()
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
	if edges[0].From != r1.Hash || edges[0].To != r2.Hash {
		t.Errorf("edge %v, want %s -> %s", edges[0], r1.Hash, r2.Hash)
	}

	record, err := store.GetComponentByHash(ctx, r1.Hash)
	if err != nil {
		t.Fatalf("GetComponentByHash: %v", err)
	}
	if record["Success"] != true {
		t.Errorf("Success = %v, want true", record["Success"])
	}
}

func TestRetrySucceedsAndRecordsOneVertex(t *testing.T) {
	runner, store, metrics := newTestRunner(t)

	calls := 0
	flaky := localComponent("flaky", func(inputs map[string]any) (any, error) {
		calls++
		if calls < 3 {
			return nil, &platform.ExecutionError{Platform: "local", Msg: "warming up", Transient: true}
		}
		return map[string]any{"ok": true}, nil
	})
	flaky.Retry = &RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 2.0,
		Retryable:     DefaultRetryable,
	}

	result, err := runner.Run(context.Background(), flaky, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outputs["ok"] != true {
		t.Errorf("ok = %v", result.Outputs["ok"])
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	stats, _ := store.Statistics(context.Background())
	if stats.Vertices != 1 {
		t.Errorf("vertices = %d, want 1", stats.Vertices)
	}

	retried := testutil.ToFloat64(metrics.retries.WithLabelValues("flaky", "local"))
	if retried != 2 {
		t.Errorf("retries metric = %v, want 2", retried)
	}
}

func TestFatalFailureRecordsVertex(t *testing.T) {
	runner, store, _ := newTestRunner(t)

	calls := 0
	broken := localComponent("broken", func(inputs map[string]any) (any, error) {
		calls++
		return nil, &ValidationError{Component: "broken", Msg: "negative size"}
	})
	broken.Retry = &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond, Retryable: DefaultRetryable}

	_, err := runner.Run(context.Background(), broken, nil)
	var compErr *ComponentExecutionError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected ComponentExecutionError, got %v", err)
	}
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected wrapped ValidationError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for a non-retryable error", calls)
	}

	record, lookupErr := store.GetComponentByHash(context.Background(), compErr.ExecutionID)
	if lookupErr != nil {
		t.Fatalf("GetComponentByHash: %v", lookupErr)
	}
	if record["Success"] != false {
		t.Errorf("Success = %v, want false", record["Success"])
	}
	if record["Error"] == nil || record["Error"] == "" {
		t.Error("expected an Error property on the failure vertex")
	}
}

func TestFanOutFanIn(t *testing.T) {
	runner, store, _ := newTestRunner(t)
	ctx := context.Background()

	split := localComponent("split", func(inputs map[string]any) (any, error) {
		return map[string]any{"chunks": []any{"c1", "c2", "c3"}}, nil
	})
	reduce := localComponent("reduce", func(inputs map[string]any) (any, error) {
		return map[string]any{"reduced": inputs["chunk"]}, nil
	})
	merge := localComponent("merge", func(inputs map[string]any) (any, error) {
		return map[string]any{"merged": true}, nil
	})

	s, err := runner.Run(ctx, split, nil)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	chunks := s.Outputs["chunks"].([]any)
	parents := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		r, err := runner.Run(ctx, reduce, map[string]any{"chunk": chunk, ParentHashKey: s.Hash})
		if err != nil {
			t.Fatalf("reduce: %v", err)
		}
		parents = append(parents, r.Hash)
	}

	m, err := runner.Run(ctx, merge, map[string]any{ParentHashKey: parents})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	stats, _ := store.Statistics(ctx)
	if stats.Vertices != 5 {
		t.Errorf("vertices = %d, want 5", stats.Vertices)
	}

	edges := store.Edges()
	if len(edges) != 6 {
		t.Fatalf("edges = %d, want 6", len(edges))
	}
	intoMerge := 0
	fromSplit := 0
	for _, e := range edges {
		if e.To == m.Hash {
			intoMerge++
		}
		if e.From == s.Hash {
			fromSplit++
		}
	}
	if fromSplit != 3 {
		t.Errorf("edges from split = %d, want 3", fromSplit)
	}
	if intoMerge != 3 {
		t.Errorf("edges into merge = %d, want 3", intoMerge)
	}
}

// unreachableStore fails every write the way a down Gremlin endpoint would.
type unreachableStore struct {
	graphstore.MemoryStore
}

func (s *unreachableStore) AddComponentExecution(ctx context.Context, attrs map[string]any, parentIDs []string) (string, error) {
	return "", &graphstore.GraphConnectionError{Endpoint: "ws://down:8182/gremlin", Cause: errors.New("connection refused")}
}

func (s *unreachableStore) AddPipelineNode(ctx context.Context, attrs map[string]any) (string, error) {
	return "", &graphstore.GraphConnectionError{Endpoint: "ws://down:8182/gremlin", Cause: errors.New("connection refused")}
}

func TestLineageLossTolerance(t *testing.T) {
	store := &unreachableStore{}
	metrics := NewMetrics(prometheus.NewRegistry())
	runner, err := NewRunner(
		WithStore(store),
		WithMetrics(metrics),
		WithRunnerConfig(Config{RetryCount: 2, RetryDelay: time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	ok := localComponent("ok", func(inputs map[string]any) (any, error) {
		return map[string]any{"value": 7}, nil
	})

	result, err := runner.Run(context.Background(), ok, nil)
	if err != nil {
		t.Fatalf("a lineage-write failure must not fail the invocation: %v", err)
	}
	if result.Outputs["value"] != 7 {
		t.Errorf("value = %v, want 7", result.Outputs["value"])
	}

	if loss := testutil.ToFloat64(metrics.lineageLoss); loss != 1 {
		t.Errorf("lineage loss metric = %v, want 1", loss)
	}
}

func TestRunnerInvocationMetrics(t *testing.T) {
	runner, _, metrics := newTestRunner(t)

	ok := localComponent("counted", func(inputs map[string]any) (any, error) {
		return map[string]any{"done": true}, nil
	})
	if _, err := runner.Run(context.Background(), ok, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := testutil.ToFloat64(metrics.invocations.WithLabelValues("counted", "local")); n != 1 {
		t.Errorf("invocations metric = %v, want 1", n)
	}
}

func TestExecutionTimeRecorded(t *testing.T) {
	runner, store, _ := newTestRunner(t)

	slow := localComponent("slow", func(inputs map[string]any) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return map[string]any{"done": true}, nil
	})

	result, err := runner.Run(context.Background(), slow, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	record, err := store.GetComponentByHash(context.Background(), result.Hash)
	if err != nil {
		t.Fatalf("GetComponentByHash: %v", err)
	}
	elapsed, ok := record["ExecutionTime"].(float64)
	if !ok {
		t.Fatalf("ExecutionTime = %T(%v)", record["ExecutionTime"], record["ExecutionTime"])
	}
	if elapsed < 0.01 {
		t.Errorf("ExecutionTime = %v, want >= 10ms", elapsed)
	}
}

func TestUserAttributesOnVertex(t *testing.T) {
	runner, store, _ := newTestRunner(t)

	tagged := localComponent("tagged", func(inputs map[string]any) (any, error) {
		return map[string]any{"done": true}, nil
	})
	tagged.Attributes = map[string]any{"Team": "simulation", "Priority": 1}

	result, err := runner.Run(context.Background(), tagged, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	record, err := store.GetComponentByHash(context.Background(), result.Hash)
	if err != nil {
		t.Fatalf("GetComponentByHash: %v", err)
	}
	if record["Team"] != "simulation" {
		t.Errorf("Team = %v", record["Team"])
	}
}
