package graphstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	gremlingo "github.com/apache/tinkerpop/gremlin-go/v3/driver"

	"github.com/twingraph/twingraph-go/emit"
)

// GremlinStore records lineage against a remote Gremlin endpoint over
// WebSocket. This is the production backend; any TinkerPop-compatible
// service works (Gremlin Server, Neptune, JanusGraph).
//
// The store owns one connection pool per endpoint. Callers borrow sessions
// per operation; no session is held across calls.
type GremlinStore struct {
	endpoint string
	poolSize int
	emitter  emit.Emitter

	mu   sync.Mutex
	conn *gremlingo.DriverRemoteConnection
	g    *gremlingo.GraphTraversalSource
}

// NewGremlinStore prepares a store for the given WebSocket endpoint. The
// connection is not opened until Connect. Pool size defaults to 10.
func NewGremlinStore(endpoint string, poolSize int, opts ...Option) *GremlinStore {
	cfg := newConfig(opts)
	if poolSize <= 0 {
		poolSize = 10
	}
	return &GremlinStore{
		endpoint: endpoint,
		poolSize: poolSize,
		emitter:  cfg.emitter,
	}
}

// Connect opens the connection pool and verifies the endpoint with a
// trivial traversal.
func (s *GremlinStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	conn, err := gremlingo.NewDriverRemoteConnection(s.endpoint,
		func(settings *gremlingo.DriverRemoteConnectionSettings) {
			settings.TraversalSource = "g"
			settings.MaximumConcurrentConnections = s.poolSize
		})
	if err != nil {
		return &GraphConnectionError{Endpoint: s.endpoint, Cause: err}
	}

	g := gremlingo.Traversal_().WithRemote(conn)
	if _, err := g.V().Limit(1).ToList(); err != nil {
		conn.Close()
		return &GraphConnectionError{Endpoint: s.endpoint, Cause: err}
	}

	s.conn = conn
	s.g = g
	return nil
}

// Close shuts the connection pool down. Safe to call more than once.
func (s *GremlinStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.g = nil
	}
	return nil
}

func (s *GremlinStore) source() (*gremlingo.GraphTraversalSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g == nil {
		return nil, &GraphConnectionError{Endpoint: s.endpoint, Cause: fmt.Errorf("store is not connected")}
	}
	return s.g, nil
}

// Clear drops every vertex and returns the prior count.
func (s *GremlinStore) Clear(ctx context.Context) (int, error) {
	g, err := s.source()
	if err != nil {
		return 0, err
	}
	return gremlinClear(g)
}

// AddComponentExecution writes a Component vertex plus DEPENDS_ON edges
// from each existing parent.
func (s *GremlinStore) AddComponentExecution(ctx context.Context, attrs map[string]any, parentIDs []string) (string, error) {
	g, err := s.source()
	if err != nil {
		return "", err
	}
	if err := validateComponentAttrs(attrs); err != nil {
		return "", err
	}
	return gremlinAddComponent(g, attrs, parentIDs, s.emitter)
}

// AddPipelineNode writes a Pipeline vertex.
func (s *GremlinStore) AddPipelineNode(ctx context.Context, attrs map[string]any) (string, error) {
	g, err := s.source()
	if err != nil {
		return "", err
	}
	return gremlinAddPipeline(g, attrs)
}

// GetComponentByHash performs a single-vertex element-map lookup.
func (s *GremlinStore) GetComponentByHash(ctx context.Context, hash string) (map[string]any, error) {
	g, err := s.source()
	if err != nil {
		return nil, err
	}
	return gremlinGetByHash(g, hash)
}

// GetExecutionGraph walks DEPENDS_ON edges outward from startHash up to
// maxDepth hops, with simple-path discipline.
func (s *GremlinStore) GetExecutionGraph(ctx context.Context, startHash string, maxDepth int) (*Subgraph, error) {
	g, err := s.source()
	if err != nil {
		return nil, err
	}
	return gremlinExecutionGraph(g, startHash, maxDepth)
}

// Search returns matching vertices up to limit.
func (s *GremlinStore) Search(ctx context.Context, filter Filter, limit int) ([]map[string]any, error) {
	g, err := s.source()
	if err != nil {
		return nil, err
	}
	return gremlinSearch(g, filter, limit)
}

// Statistics reports counts and the platform distribution.
func (s *GremlinStore) Statistics(ctx context.Context) (*Stats, error) {
	g, err := s.source()
	if err != nil {
		return nil, err
	}
	return gremlinStatistics(g)
}

// Transaction runs fn inside a remote transaction, committing on success
// and rolling back on error. The endpoint must support transactions.
func (s *GremlinStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	g, err := s.source()
	if err != nil {
		return err
	}

	tx := g.Tx()
	gtx, err := tx.Begin()
	if err != nil {
		return &GraphOperationError{Op: "transaction", Cause: err}
	}

	txStore := &gremlinTxStore{g: gtx, emitter: s.emitter, endpoint: s.endpoint}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &GraphOperationError{Op: "transaction", Cause: err}
	}
	return nil
}

// gremlinTxStore adapts a transactional traversal source to the Store
// interface. Nested transactions run in the enclosing one.
type gremlinTxStore struct {
	g        *gremlingo.GraphTraversalSource
	emitter  emit.Emitter
	endpoint string
}

func (t *gremlinTxStore) Connect(ctx context.Context) error { return nil }
func (t *gremlinTxStore) Close() error                      { return nil }

func (t *gremlinTxStore) Clear(ctx context.Context) (int, error) {
	return gremlinClear(t.g)
}

func (t *gremlinTxStore) AddComponentExecution(ctx context.Context, attrs map[string]any, parentIDs []string) (string, error) {
	if err := validateComponentAttrs(attrs); err != nil {
		return "", err
	}
	return gremlinAddComponent(t.g, attrs, parentIDs, t.emitter)
}

func (t *gremlinTxStore) AddPipelineNode(ctx context.Context, attrs map[string]any) (string, error) {
	return gremlinAddPipeline(t.g, attrs)
}

func (t *gremlinTxStore) GetComponentByHash(ctx context.Context, hash string) (map[string]any, error) {
	return gremlinGetByHash(t.g, hash)
}

func (t *gremlinTxStore) GetExecutionGraph(ctx context.Context, startHash string, maxDepth int) (*Subgraph, error) {
	return gremlinExecutionGraph(t.g, startHash, maxDepth)
}

func (t *gremlinTxStore) Search(ctx context.Context, filter Filter, limit int) ([]map[string]any, error) {
	return gremlinSearch(t.g, filter, limit)
}

func (t *gremlinTxStore) Statistics(ctx context.Context) (*Stats, error) {
	return gremlinStatistics(t.g)
}

func (t *gremlinTxStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func gremlinClear(g *gremlingo.GraphTraversalSource) (int, error) {
	result, err := g.V().Count().Next()
	if err != nil {
		return 0, &GraphOperationError{Op: "clear", Cause: err}
	}
	count := toInt64(result.GetInterface())

	if err := <-g.V().Drop().Iterate(); err != nil {
		return 0, &GraphOperationError{Op: "clear", Cause: err}
	}
	return int(count), nil
}

func gremlinAddVertex(g *gremlingo.GraphTraversalSource, label string, attrs map[string]any) error {
	trav := g.AddV(label)
	for k, v := range EncodeProperties(attrs) {
		trav = trav.Property(k, v)
	}
	if err := <-trav.Iterate(); err != nil {
		return &GraphOperationError{Op: "add_vertex", Cause: err}
	}
	return nil
}

func gremlinAddComponent(g *gremlingo.GraphTraversalSource, attrs map[string]any, parentIDs []string, emitter emit.Emitter) (string, error) {
	hash, _ := attrs["Hash"].(string)
	if err := gremlinAddVertex(g, LabelComponent, attrs); err != nil {
		return "", err
	}

	for _, parent := range parentIDs {
		if parent == "" {
			continue
		}
		exists, err := g.V().Has("Hash", parent).HasNext()
		if err != nil {
			return "", &GraphOperationError{Op: "add_component_execution", Cause: err}
		}
		if !exists {
			warnSkippedParent(emitter, hash, parent)
			continue
		}
		err = <-g.V().Has("Hash", parent).
			AddE(EdgeDependsOn).
			To(gremlingo.T__.V().Has("Hash", hash)).
			Iterate()
		if err != nil {
			return "", &GraphOperationError{Op: "add_component_execution", Cause: err}
		}
	}
	return hash, nil
}

func gremlinAddPipeline(g *gremlingo.GraphTraversalSource, attrs map[string]any) (string, error) {
	hash, _ := attrs["Hash"].(string)
	if hash == "" {
		hash, _ = attrs["PipelineID"].(string)
	}
	if hash == "" {
		return "", &GraphOperationError{
			Op:    "add_pipeline_node",
			Cause: fmt.Errorf("missing Hash or PipelineID attribute"),
		}
	}
	if err := gremlinAddVertex(g, LabelPipeline, attrs); err != nil {
		return "", err
	}
	return hash, nil
}

func gremlinGetByHash(g *gremlingo.GraphTraversalSource, hash string) (map[string]any, error) {
	results, err := g.V().Has("Hash", hash).ElementMap().Limit(1).ToList()
	if err != nil {
		return nil, &GraphOperationError{Op: "get_component_by_hash", Cause: err}
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	return elementMapToRecord(results[0].GetInterface()), nil
}

func gremlinExecutionGraph(g *gremlingo.GraphTraversalSource, startHash string, maxDepth int) (*Subgraph, error) {
	start, err := gremlinGetByHash(g, startHash)
	if err != nil {
		return nil, err
	}

	sub := &Subgraph{Nodes: []map[string]any{start}}
	visited := map[string]bool{startHash: true}
	frontier := []string{startHash}

	for depth := 0; len(frontier) > 0 && depth < maxDepth; depth++ {
		var next []string
		for _, hash := range frontier {
			children, err := g.V().Has("Hash", hash).
				Out(EdgeDependsOn).
				Values("Hash").
				ToList()
			if err != nil {
				return nil, &GraphOperationError{Op: "get_execution_graph", Cause: err}
			}
			for _, child := range children {
				childHash, _ := child.GetInterface().(string)
				if childHash == "" {
					continue
				}
				sub.Edges = append(sub.Edges, EdgeRecord{From: hash, To: childHash, Label: EdgeDependsOn})
				if visited[childHash] {
					// Simple-path guard against corrupted data.
					continue
				}
				visited[childHash] = true
				record, err := gremlinGetByHash(g, childHash)
				if err != nil && err != ErrNotFound {
					return nil, err
				}
				if record != nil {
					sub.Nodes = append(sub.Nodes, record)
				}
				next = append(next, childHash)
			}
		}
		frontier = next
	}
	return sub, nil
}

func gremlinSearch(g *gremlingo.GraphTraversalSource, filter Filter, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	trav := g.V().HasLabel(LabelComponent)
	if filter.Name != "" {
		trav = trav.Has("Name", filter.Name)
	}
	if filter.Platform != "" {
		trav = trav.Has("Platform", filter.Platform)
	}
	if filter.ExecutionID != "" {
		trav = trav.Has("ExecutionID", filter.ExecutionID)
	}
	if !filter.Since.IsZero() {
		trav = trav.Has("StartTime", gremlingo.P.Gte(filter.Since.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")))
	}
	if !filter.Until.IsZero() {
		trav = trav.Has("StartTime", gremlingo.P.Lte(filter.Until.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")))
	}

	results, err := trav.Limit(limit).ElementMap().ToList()
	if err != nil {
		return nil, &GraphOperationError{Op: "search", Cause: err}
	}

	records := make([]map[string]any, 0, len(results))
	for _, r := range results {
		records = append(records, elementMapToRecord(r.GetInterface()))
	}
	return records, nil
}

func gremlinStatistics(g *gremlingo.GraphTraversalSource) (*Stats, error) {
	stats := &Stats{
		Labels:    make(map[string]int64),
		Platforms: make(map[string]int64),
	}

	result, err := g.V().Count().Next()
	if err != nil {
		return nil, &GraphOperationError{Op: "statistics", Cause: err}
	}
	stats.Vertices = toInt64(result.GetInterface())

	result, err = g.E().Count().Next()
	if err != nil {
		return nil, &GraphOperationError{Op: "statistics", Cause: err}
	}
	stats.Edges = toInt64(result.GetInterface())

	result, err = g.V().Label().GroupCount().Next()
	if err != nil {
		return nil, &GraphOperationError{Op: "statistics", Cause: err}
	}
	for k, v := range toStringCountMap(result.GetInterface()) {
		stats.Labels[k] = v
	}

	result, err = g.V().HasLabel(LabelComponent).GroupCount().By("Platform").Next()
	if err != nil {
		return nil, &GraphOperationError{Op: "statistics", Cause: err}
	}
	for k, v := range toStringCountMap(result.GetInterface()) {
		stats.Platforms[k] = v
	}
	return stats, nil
}

// elementMapToRecord converts a Gremlin element map (interface-keyed) into
// a decoded property record. The synthetic id/label entries keep their
// stringified keys.
func elementMapToRecord(v any) map[string]any {
	record := make(map[string]any)
	m, ok := v.(map[any]any)
	if !ok {
		if sm, ok := v.(map[string]any); ok {
			return DecodeProperties(sm)
		}
		return record
	}
	for k, val := range m {
		key := fmt.Sprintf("%v", k)
		if strings.EqualFold(key, "label") {
			record["__label__"] = fmt.Sprintf("%v", val)
			continue
		}
		if strings.EqualFold(key, "id") {
			continue
		}
		record[key] = val
	}
	return DecodeProperties(record)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func toStringCountMap(v any) map[string]int64 {
	out := make(map[string]int64)
	m, ok := v.(map[any]any)
	if !ok {
		return out
	}
	for k, val := range m {
		out[fmt.Sprintf("%v", k)] = toInt64(val)
	}
	return out
}
