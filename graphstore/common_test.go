package graphstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/twingraph/twingraph-go/emit"
)

// runStoreSuite exercises the Store contract against a backend. Both the
// in-memory and SQLite backends run the full suite; the Gremlin and MySQL
// backends need live services and are covered by integration setups.
func runStoreSuite(t *testing.T, name string, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run(name+"/RequiredKeys", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		_, err := store.AddComponentExecution(ctx, map[string]any{
			"Name": "incomplete",
		}, nil)
		if err == nil {
			t.Fatal("expected error for missing ExecutionID and Hash")
		}
		if _, ok := err.(*GraphOperationError); !ok {
			t.Errorf("expected GraphOperationError, got %T", err)
		}
	})

	t.Run(name+"/AddAndGet", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		attrs := componentAttrs("preprocess", "hash-001")
		attrs["Inputs"] = map[string]any{"a": float64(1), "b": "two"}

		id, err := store.AddComponentExecution(ctx, attrs, nil)
		if err != nil {
			t.Fatalf("AddComponentExecution failed: %v", err)
		}
		if id == "" {
			t.Fatal("expected non-empty vertex ID")
		}

		record, err := store.GetComponentByHash(ctx, "hash-001")
		if err != nil {
			t.Fatalf("GetComponentByHash failed: %v", err)
		}
		if record["Name"] != "preprocess" {
			t.Errorf("Name = %v, want preprocess", record["Name"])
		}
		// Structured values are stored as JSON strings and parsed back.
		inputs, ok := record["Inputs"].(map[string]any)
		if !ok {
			t.Fatalf("Inputs not decoded to map: %#v", record["Inputs"])
		}
		if inputs["a"] != float64(1) || inputs["b"] != "two" {
			t.Errorf("Inputs round trip mismatch: %#v", inputs)
		}
	})

	t.Run(name+"/NotFound", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		if _, err := store.GetComponentByHash(ctx, "no-such-hash"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run(name+"/ParentEdges", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		if _, err := store.AddComponentExecution(ctx, componentAttrs("parent", "hash-p"), nil); err != nil {
			t.Fatalf("add parent failed: %v", err)
		}
		// One real parent, one missing parent: the missing one is skipped
		// without error.
		if _, err := store.AddComponentExecution(ctx, componentAttrs("child", "hash-c"), []string{"hash-p", "hash-ghost"}); err != nil {
			t.Fatalf("add child failed: %v", err)
		}

		stats, err := store.Statistics(ctx)
		if err != nil {
			t.Fatalf("Statistics failed: %v", err)
		}
		if stats.Edges != 1 {
			t.Errorf("edges = %d, want 1 (missing parent skipped)", stats.Edges)
		}
	})

	t.Run(name+"/Clear", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		for i := 0; i < 3; i++ {
			attrs := componentAttrs("comp", fmt.Sprintf("hash-%d", i))
			if _, err := store.AddComponentExecution(ctx, attrs, nil); err != nil {
				t.Fatalf("add failed: %v", err)
			}
		}

		count, err := store.Clear(ctx)
		if err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		if count != 3 {
			t.Errorf("Clear returned %d, want 3", count)
		}

		stats, err := store.Statistics(ctx)
		if err != nil {
			t.Fatalf("Statistics failed: %v", err)
		}
		if stats.Vertices != 0 || stats.Edges != 0 {
			t.Errorf("graph not empty after Clear: %+v", stats)
		}
	})

	t.Run(name+"/PipelineNodes", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		start := map[string]any{
			"Name":       "Pipeline:demo",
			"PipelineID": "pipe-001",
			"Hash":       "pipe-001",
			"Type":       "PipelineStart",
			"StartTime":  time.Now().UTC().Format(time.RFC3339Nano),
		}
		if _, err := store.AddPipelineNode(ctx, start); err != nil {
			t.Fatalf("AddPipelineNode(start) failed: %v", err)
		}

		end := map[string]any{
			"Name":       "Pipeline:demo",
			"PipelineID": "pipe-001",
			"Hash":       "pipe-001",
			"Type":       "PipelineEnd",
			"Success":    true,
		}
		if _, err := store.AddPipelineNode(ctx, end); err != nil {
			t.Fatalf("AddPipelineNode(end) failed: %v", err)
		}

		stats, err := store.Statistics(ctx)
		if err != nil {
			t.Fatalf("Statistics failed: %v", err)
		}
		if stats.Labels[LabelPipeline] != 2 {
			t.Errorf("Pipeline vertices = %d, want 2", stats.Labels[LabelPipeline])
		}

		_, err = store.AddPipelineNode(ctx, map[string]any{"Name": "no-id"})
		if err == nil {
			t.Error("expected error for pipeline node without Hash or PipelineID")
		}
	})

	t.Run(name+"/Search", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			attrs := componentAttrs("alpha", fmt.Sprintf("hash-a%d", i))
			attrs["Platform"] = "local"
			attrs["StartTime"] = base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339Nano)
			if _, err := store.AddComponentExecution(ctx, attrs, nil); err != nil {
				t.Fatalf("add failed: %v", err)
			}
		}
		attrs := componentAttrs("beta", "hash-b0")
		attrs["Platform"] = "docker"
		attrs["StartTime"] = base.Format(time.RFC3339Nano)
		if _, err := store.AddComponentExecution(ctx, attrs, nil); err != nil {
			t.Fatalf("add failed: %v", err)
		}

		tests := []struct {
			name   string
			filter Filter
			limit  int
			want   int
		}{
			{"by name", Filter{Name: "alpha"}, 0, 3},
			{"by platform", Filter{Platform: "docker"}, 0, 1},
			{"by execution id", Filter{ExecutionID: "hash-a1"}, 0, 1},
			{"limit", Filter{Name: "alpha"}, 2, 2},
			{"time range", Filter{Since: base.Add(30 * time.Minute), Until: base.Add(90 * time.Minute)}, 0, 1},
			{"no match", Filter{Name: "gamma"}, 0, 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				results, err := store.Search(ctx, tt.filter, tt.limit)
				if err != nil {
					t.Fatalf("Search failed: %v", err)
				}
				if len(results) != tt.want {
					t.Errorf("got %d results, want %d", len(results), tt.want)
				}
			})
		}
	})

	t.Run(name+"/ExecutionGraph", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		// root -> mid -> leaf
		if _, err := store.AddComponentExecution(ctx, componentAttrs("root", "hash-root"), nil); err != nil {
			t.Fatalf("add failed: %v", err)
		}
		if _, err := store.AddComponentExecution(ctx, componentAttrs("mid", "hash-mid"), []string{"hash-root"}); err != nil {
			t.Fatalf("add failed: %v", err)
		}
		if _, err := store.AddComponentExecution(ctx, componentAttrs("leaf", "hash-leaf"), []string{"hash-mid"}); err != nil {
			t.Fatalf("add failed: %v", err)
		}

		sub, err := store.GetExecutionGraph(ctx, "hash-root", 10)
		if err != nil {
			t.Fatalf("GetExecutionGraph failed: %v", err)
		}
		if len(sub.Nodes) != 3 {
			t.Errorf("nodes = %d, want 3", len(sub.Nodes))
		}
		if len(sub.Edges) != 2 {
			t.Errorf("edges = %d, want 2", len(sub.Edges))
		}

		// Depth 1 stops at mid.
		sub, err = store.GetExecutionGraph(ctx, "hash-root", 1)
		if err != nil {
			t.Fatalf("GetExecutionGraph failed: %v", err)
		}
		if len(sub.Nodes) != 2 {
			t.Errorf("depth-limited nodes = %d, want 2", len(sub.Nodes))
		}

		if _, err := store.GetExecutionGraph(ctx, "no-such-hash", 5); err != ErrNotFound {
			t.Errorf("expected ErrNotFound for unknown start, got %v", err)
		}
	})

	t.Run(name+"/Statistics", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		attrs := componentAttrs("comp", "hash-1")
		attrs["Platform"] = "kubernetes"
		if _, err := store.AddComponentExecution(ctx, attrs, nil); err != nil {
			t.Fatalf("add failed: %v", err)
		}

		stats, err := store.Statistics(ctx)
		if err != nil {
			t.Fatalf("Statistics failed: %v", err)
		}
		if stats.Vertices != 1 {
			t.Errorf("vertices = %d, want 1", stats.Vertices)
		}
		if stats.Labels[LabelComponent] != 1 {
			t.Errorf("Component label count = %d, want 1", stats.Labels[LabelComponent])
		}
		if stats.Platforms["kubernetes"] != 1 {
			t.Errorf("kubernetes platform count = %d, want 1", stats.Platforms["kubernetes"])
		}
	})

	t.Run(name+"/TransactionRollback", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		err := store.Transaction(ctx, func(tx Store) error {
			if _, err := tx.AddComponentExecution(ctx, componentAttrs("doomed", "hash-doomed"), nil); err != nil {
				return err
			}
			return fmt.Errorf("abort")
		})
		if err == nil {
			t.Fatal("expected transaction error to propagate")
		}

		if _, err := store.GetComponentByHash(ctx, "hash-doomed"); err != ErrNotFound {
			t.Errorf("rolled-back vertex should not exist, got %v", err)
		}
	})

	t.Run(name+"/TransactionCommit", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		err := store.Transaction(ctx, func(tx Store) error {
			_, err := tx.AddComponentExecution(ctx, componentAttrs("kept", "hash-kept"), nil)
			return err
		})
		if err != nil {
			t.Fatalf("transaction failed: %v", err)
		}

		if _, err := store.GetComponentByHash(ctx, "hash-kept"); err != nil {
			t.Errorf("committed vertex missing: %v", err)
		}
	})
}

func componentAttrs(name, hash string) map[string]any {
	return map[string]any{
		"Name":        name,
		"ExecutionID": hash,
		"Hash":        hash,
		"StartTime":   time.Now().UTC().Format(time.RFC3339Nano),
		"Success":     true,
		"Platform":    "local",
	}
}

func TestMemoryStoreSuite(t *testing.T) {
	runStoreSuite(t, "memory", func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStoreSuite(t *testing.T) {
	runStoreSuite(t, "sqlite", func(t *testing.T) Store {
		store, err := NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("failed to open sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestSkippedParentWarning(t *testing.T) {
	ctx := context.Background()
	buffer := emit.NewBufferedEmitter()
	store := NewMemoryStore(WithEmitter(buffer))

	if _, err := store.AddComponentExecution(ctx, componentAttrs("orphan", "hash-o"), []string{"hash-missing"}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	warnings := buffer.HistoryWithFilter("", emit.HistoryFilter{Msg: "parent_edge_skipped"})
	if len(warnings) != 1 {
		t.Fatalf("expected 1 skipped-parent warning, got %d", len(warnings))
	}
	if warnings[0].Meta["parent"] != "hash-missing" {
		t.Errorf("warning parent = %v, want hash-missing", warnings[0].Meta["parent"])
	}
}
