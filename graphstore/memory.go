package graphstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/twingraph/twingraph-go/emit"
)

// MemoryStore is an in-memory Store.
//
// Designed for:
//   - Tests asserting on recorded lineage
//   - Single-process runs where persistence isn't required
//   - Zero-setup development
//
// Data is lost when the process exits. Thread-safe.
type MemoryStore struct {
	mu       sync.RWMutex
	vertices map[string]*memVertex // hash -> vertex
	order    []string              // insertion order of hashes
	edges    []EdgeRecord
	emitter  emit.Emitter
	seq      int
}

type memVertex struct {
	id    string
	label string
	props map[string]any
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := newConfig(opts)
	return &MemoryStore{
		vertices: make(map[string]*memVertex),
		emitter:  cfg.emitter,
	}
}

// Connect is a no-op for the in-memory backend.
func (m *MemoryStore) Connect(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error { return nil }

// Clear removes all vertices and edges and returns the prior vertex count.
func (m *MemoryStore) Clear(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := len(m.vertices)
	m.vertices = make(map[string]*memVertex)
	m.order = nil
	m.edges = nil
	return count, nil
}

// AddComponentExecution writes a Component vertex plus DEPENDS_ON edges from
// each existing parent. Missing parents are skipped with a warning.
func (m *MemoryStore) AddComponentExecution(ctx context.Context, attrs map[string]any, parentIDs []string) (string, error) {
	if err := validateComponentAttrs(attrs); err != nil {
		return "", err
	}

	hash, _ := attrs["Hash"].(string)

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.addVertexLocked(LabelComponent, hash, attrs)
	for _, parent := range parentIDs {
		if parent == "" {
			continue
		}
		if _, ok := m.vertices[parent]; !ok {
			warnSkippedParent(m.emitter, hash, parent)
			continue
		}
		m.edges = append(m.edges, EdgeRecord{From: parent, To: hash, Label: EdgeDependsOn})
	}
	return id, nil
}

// AddPipelineNode writes a Pipeline vertex.
func (m *MemoryStore) AddPipelineNode(ctx context.Context, attrs map[string]any) (string, error) {
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

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addVertexLocked(LabelPipeline, hash, attrs), nil
}

// addVertexLocked stores the vertex under its hash. Pipeline start/end pairs
// share a PipelineID, so the storage key gets a sequence suffix when taken.
func (m *MemoryStore) addVertexLocked(label, hash string, attrs map[string]any) string {
	key := hash
	if _, taken := m.vertices[key]; taken && label == LabelPipeline {
		m.seq++
		key = fmt.Sprintf("%s#%d", hash, m.seq)
	}
	m.vertices[key] = &memVertex{
		id:    key,
		label: label,
		props: EncodeProperties(attrs),
	}
	m.order = append(m.order, key)
	return key
}

// GetComponentByHash returns the decoded properties of the vertex with the
// given hash, or ErrNotFound.
func (m *MemoryStore) GetComponentByHash(ctx context.Context, hash string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.vertices[hash]
	if !ok {
		return nil, ErrNotFound
	}
	record := DecodeProperties(v.props)
	record["__label__"] = v.label
	return record, nil
}

// GetExecutionGraph walks DEPENDS_ON edges outward from startHash up to
// maxDepth hops.
func (m *MemoryStore) GetExecutionGraph(ctx context.Context, startHash string, maxDepth int) (*Subgraph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start, ok := m.vertices[startHash]
	if !ok {
		return nil, ErrNotFound
	}

	out := make(map[string][]string)
	for _, e := range m.edges {
		out[e.From] = append(out[e.From], e.To)
	}

	sub := &Subgraph{}
	visited := map[string]bool{}

	var walk func(hash string, depth int)
	walk = func(hash string, depth int) {
		if visited[hash] {
			// Simple-path guard; a healthy lineage graph never loops.
			return
		}
		visited[hash] = true

		v := m.vertices[hash]
		record := DecodeProperties(v.props)
		record["__label__"] = v.label
		sub.Nodes = append(sub.Nodes, record)

		if depth >= maxDepth {
			return
		}
		for _, next := range out[hash] {
			sub.Edges = append(sub.Edges, EdgeRecord{From: hash, To: next, Label: EdgeDependsOn})
			walk(next, depth+1)
		}
	}
	walk(start.id, 0)

	return sub, nil
}

// Search returns vertices matching the filter, newest first.
func (m *MemoryStore) Search(ctx context.Context, filter Filter, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []map[string]any
	// Newest first: reverse insertion order.
	for i := len(m.order) - 1; i >= 0 && len(results) < limit; i-- {
		v := m.vertices[m.order[i]]
		if !matchesFilter(v.props, filter) {
			continue
		}
		record := DecodeProperties(v.props)
		record["__label__"] = v.label
		results = append(results, record)
	}
	if results == nil {
		results = []map[string]any{}
	}
	return results, nil
}

func matchesFilter(props map[string]any, filter Filter) bool {
	if filter.Name != "" {
		if name, _ := props["Name"].(string); name != filter.Name {
			return false
		}
	}
	if filter.Platform != "" {
		if platform, _ := props["Platform"].(string); platform != filter.Platform {
			return false
		}
	}
	if filter.ExecutionID != "" {
		if id, _ := props["ExecutionID"].(string); id != filter.ExecutionID {
			return false
		}
	}
	if !filter.Since.IsZero() || !filter.Until.IsZero() {
		raw, _ := props["StartTime"].(string)
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return false
		}
		if !filter.Since.IsZero() && ts.Before(filter.Since) {
			return false
		}
		if !filter.Until.IsZero() && ts.After(filter.Until) {
			return false
		}
	}
	return true
}

// Statistics reports counts over the stored graph.
func (m *MemoryStore) Statistics(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		Vertices:  int64(len(m.vertices)),
		Edges:     int64(len(m.edges)),
		Labels:    make(map[string]int64),
		Platforms: make(map[string]int64),
	}
	for _, v := range m.vertices {
		stats.Labels[v.label]++
		if platform, ok := v.props["Platform"].(string); ok && platform != "" {
			stats.Platforms[platform]++
		}
	}
	return stats, nil
}

// Transaction runs fn against the store and restores the prior contents if
// fn returns an error. Writes from concurrent callers during fn are not
// isolated; this backend is for tests and single-threaded runs.
func (m *MemoryStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	snapshot := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memSnapshot struct {
	vertices map[string]*memVertex
	order    []string
	edges    []EdgeRecord
	seq      int
}

func (m *MemoryStore) snapshot() memSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := memSnapshot{
		vertices: make(map[string]*memVertex, len(m.vertices)),
		order:    append([]string(nil), m.order...),
		edges:    append([]EdgeRecord(nil), m.edges...),
		seq:      m.seq,
	}
	for k, v := range m.vertices {
		props := make(map[string]any, len(v.props))
		for pk, pv := range v.props {
			props[pk] = pv
		}
		snap.vertices[k] = &memVertex{id: v.id, label: v.label, props: props}
	}
	return snap
}

func (m *MemoryStore) restore(snap memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.vertices = snap.vertices
	m.order = snap.order
	m.edges = snap.edges
	m.seq = snap.seq
}

// Edges returns a copy of all edges, sorted for stable comparison. Test
// helper; not part of the Store contract.
func (m *MemoryStore) Edges() []EdgeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	edges := append([]EdgeRecord(nil), m.edges...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}
