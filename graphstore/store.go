// Package graphstore records execution lineage in a property graph.
//
// Every component invocation becomes a Component vertex; pipeline boundaries
// become Pipeline vertices; dependencies become DEPENDS_ON edges from parent
// to child. Four backends implement the same Store contract: a remote
// Gremlin endpoint for shared deployments, SQLite and MySQL for relational
// setups, and an in-memory store for tests and short-lived runs.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested vertex does not exist.
var ErrNotFound = errors.New("not found")

// Vertex labels written by the engine.
const (
	LabelComponent = "Component"
	LabelPipeline  = "Pipeline"
)

// EdgeDependsOn is the only edge label; it points from a parent execution to
// the execution that depends on it.
const EdgeDependsOn = "DEPENDS_ON"

// requiredComponentKeys must be present in the attribute map of every
// Component vertex write.
var requiredComponentKeys = []string{"Name", "ExecutionID", "Hash"}

// Filter selects vertices in Search. Zero-valued fields are ignored.
type Filter struct {
	// Name matches the component's registered name exactly.
	Name string

	// Platform matches the platform tag the component ran on.
	Platform string

	// Since and Until bound the vertex StartTime (inclusive).
	Since time.Time
	Until time.Time

	// ExecutionID matches a single invocation.
	ExecutionID string
}

// Stats summarizes the lineage graph.
type Stats struct {
	Vertices  int64            `json:"vertices"`
	Edges     int64            `json:"edges"`
	Labels    map[string]int64 `json:"labels"`
	Platforms map[string]int64 `json:"platforms"`
}

// EdgeRecord is one edge of an execution subgraph.
type EdgeRecord struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label"`
}

// Subgraph is the result of a depth-limited lineage traversal.
type Subgraph struct {
	Nodes []map[string]any `json:"nodes"`
	Edges []EdgeRecord     `json:"edges"`
}

// Store is the lineage recorder contract.
//
// All methods are safe for concurrent use. Stores do not retry failed
// operations internally; retry classification belongs to the caller.
type Store interface {
	// Connect establishes the backend connection and verifies it with a
	// trivial query. Fails with GraphConnectionError on network or
	// handshake failure.
	Connect(ctx context.Context) error

	// Close releases the connection. Safe to call more than once.
	Close() error

	// Clear deletes every vertex (edges cascade) and returns the prior
	// vertex count.
	Clear(ctx context.Context) (int, error)

	// AddComponentExecution writes one Component vertex plus a DEPENDS_ON
	// edge from each existing parent, as a single logical transaction.
	//
	// The attribute map must contain Name, ExecutionID and Hash; anything
	// else is rejected with a GraphOperationError before any write.
	// Non-scalar attribute values are re-encoded to JSON strings before
	// the property write. A parent ID with no matching vertex is skipped
	// with a warning, never an error, so partial replays still record.
	//
	// Returns the new vertex's ID.
	AddComponentExecution(ctx context.Context, attrs map[string]any, parentIDs []string) (string, error)

	// AddPipelineNode writes one Pipeline vertex (PipelineStart or
	// PipelineEnd per attrs["Type"]). Returns the new vertex's ID.
	AddPipelineNode(ctx context.Context, attrs map[string]any) (string, error)

	// GetComponentByHash looks up a single vertex by its Hash property.
	// JSON-string properties are parsed back into structured values.
	// Returns ErrNotFound when no vertex matches.
	GetComponentByHash(ctx context.Context, hash string) (map[string]any, error)

	// GetExecutionGraph walks DEPENDS_ON edges outward from the vertex
	// with the given hash, at most maxDepth hops, and returns the
	// visited nodes and edges. Simple-path discipline guards against
	// corrupted data containing cycles.
	GetExecutionGraph(ctx context.Context, startHash string, maxDepth int) (*Subgraph, error)

	// Search returns up to limit vertices matching the filter, newest
	// first. A limit <= 0 applies a default of 100.
	Search(ctx context.Context, filter Filter, limit int) ([]map[string]any, error)

	// Statistics reports vertex/edge counts, per-label counts, and the
	// platform distribution of Component vertices.
	Statistics(ctx context.Context) (*Stats, error)

	// Transaction groups writes into one commit/rollback unit. fn
	// receives a Store scoped to the transaction; returning an error
	// rolls every write back.
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

// GraphConnectionError reports a failure to reach or handshake with the
// graph backend.
type GraphConnectionError struct {
	Endpoint string
	Cause    error
}

func (e *GraphConnectionError) Error() string {
	return fmt.Sprintf("graph connection to %s failed: %v", e.Endpoint, e.Cause)
}

func (e *GraphConnectionError) Unwrap() error { return e.Cause }

// GraphOperationError reports a failed store operation, naming the
// operation that was attempted.
type GraphOperationError struct {
	Op    string
	Cause error
}

func (e *GraphOperationError) Error() string {
	return fmt.Sprintf("graph operation %s failed: %v", e.Op, e.Cause)
}

func (e *GraphOperationError) Unwrap() error { return e.Cause }

// validateComponentAttrs rejects a Component write missing required keys.
func validateComponentAttrs(attrs map[string]any) error {
	for _, key := range requiredComponentKeys {
		v, ok := attrs[key]
		if !ok || v == "" {
			return &GraphOperationError{
				Op:    "add_component_execution",
				Cause: fmt.Errorf("missing required attribute %q", key),
			}
		}
	}
	return nil
}

// defaultSearchLimit caps Search results when the caller passes no limit.
const defaultSearchLimit = 100
