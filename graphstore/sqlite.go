package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/twingraph/twingraph-go/emit"
	_ "modernc.org/sqlite"
)

// SQLiteStore records lineage in a single-file SQLite database.
//
// Designed for:
//   - Local development with zero setup
//   - Single-process pipelines requiring durable lineage
//   - Prototyping before pointing at a shared Gremlin or MySQL endpoint
//
// WAL mode is enabled for concurrent reads; writes are transactional.
//
// Schema:
//   - lineage_vertices: one row per Component/Pipeline vertex, with the
//     full property map as JSON plus indexed columns for search
//   - lineage_edges: DEPENDS_ON edges between vertex hashes
type SQLiteStore struct {
	db      *sql.DB
	path    string
	emitter emit.Emitter
	mu      sync.RWMutex
	closed  bool
}

// NewSQLiteStore opens (or creates) the database at path and prepares the
// schema. Use ":memory:" for an in-memory database.
//
//	store, err := graphstore.NewSQLiteStore("./lineage.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	cfg := newConfig(opts)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &GraphConnectionError{Endpoint: path, Cause: err}
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, &GraphConnectionError{Endpoint: path, Cause: fmt.Errorf("%s: %w", pragma, err)}
		}
	}

	store := &SQLiteStore{
		db:      db,
		path:    path,
		emitter: cfg.emitter,
	}
	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS lineage_vertices (
			vertex_key TEXT NOT NULL PRIMARY KEY,
			hash TEXT NOT NULL,
			label TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL DEFAULT '',
			start_time TEXT NOT NULL DEFAULT '',
			properties TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vertices_hash ON lineage_vertices(hash)`,
		`CREATE INDEX IF NOT EXISTS idx_vertices_name ON lineage_vertices(name)`,
		`CREATE INDEX IF NOT EXISTS idx_vertices_platform ON lineage_vertices(platform)`,
		`CREATE TABLE IF NOT EXISTS lineage_edges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_hash TEXT NOT NULL,
			to_hash TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT 'DEPENDS_ON',
			UNIQUE(from_hash, to_hash, label)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_from ON lineage_edges(from_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to ON lineage_edges(to_hash)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &GraphOperationError{Op: "create_tables", Cause: err}
		}
	}
	return nil
}

// Connect verifies the database with a trivial query.
func (s *SQLiteStore) Connect(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return &GraphConnectionError{Endpoint: s.path, Cause: err}
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return &GraphConnectionError{Endpoint: s.path, Cause: err}
	}
	return nil
}

// Close closes the database. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &GraphConnectionError{Endpoint: s.path, Cause: fmt.Errorf("store is closed")}
	}
	return nil
}

// Clear deletes all vertices and edges, returning the prior vertex count.
func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return sqlClear(ctx, s.db)
}

// AddComponentExecution writes a Component vertex plus edges from each
// existing parent in one transaction.
func (s *SQLiteStore) AddComponentExecution(ctx context.Context, attrs map[string]any, parentIDs []string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if err := validateComponentAttrs(attrs); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &GraphOperationError{Op: "add_component_execution", Cause: err}
	}
	id, err := sqlAddComponent(ctx, tx, attrs, parentIDs, s.emitter)
	if err != nil {
		_ = tx.Rollback()
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", &GraphOperationError{Op: "add_component_execution", Cause: err}
	}
	return id, nil
}

// AddPipelineNode writes a Pipeline vertex.
func (s *SQLiteStore) AddPipelineNode(ctx context.Context, attrs map[string]any) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	return sqlAddPipeline(ctx, s.db, attrs)
}

// GetComponentByHash looks up one vertex by its Hash property.
func (s *SQLiteStore) GetComponentByHash(ctx context.Context, hash string) (map[string]any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlGetByHash(ctx, s.db, hash)
}

// GetExecutionGraph walks DEPENDS_ON edges outward from startHash.
func (s *SQLiteStore) GetExecutionGraph(ctx context.Context, startHash string, maxDepth int) (*Subgraph, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlExecutionGraph(ctx, s.db, startHash, maxDepth)
}

// Search returns matching vertices, newest first.
func (s *SQLiteStore) Search(ctx context.Context, filter Filter, limit int) ([]map[string]any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlSearch(ctx, s.db, filter, limit)
}

// Statistics reports counts over the stored graph.
func (s *SQLiteStore) Statistics(ctx context.Context) (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlStatistics(ctx, s.db)
}

// Transaction groups writes into one commit/rollback unit.
func (s *SQLiteStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &GraphOperationError{Op: "transaction", Cause: err}
	}
	txStore := &sqlTxStore{runner: tx, emitter: s.emitter, endpoint: s.path}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &GraphOperationError{Op: "transaction", Cause: err}
	}
	return nil
}

// sqlRunner is the subset of database/sql shared by *sql.DB and *sql.Tx,
// letting one implementation serve both direct and transactional calls.
type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlTxStore adapts an open transaction to the Store interface. Nested
// transactions run in the enclosing one.
type sqlTxStore struct {
	runner   sqlRunner
	emitter  emit.Emitter
	endpoint string
}

func (t *sqlTxStore) Connect(ctx context.Context) error { return nil }
func (t *sqlTxStore) Close() error                      { return nil }

func (t *sqlTxStore) Clear(ctx context.Context) (int, error) {
	return sqlClear(ctx, t.runner)
}

func (t *sqlTxStore) AddComponentExecution(ctx context.Context, attrs map[string]any, parentIDs []string) (string, error) {
	if err := validateComponentAttrs(attrs); err != nil {
		return "", err
	}
	return sqlAddComponent(ctx, t.runner, attrs, parentIDs, t.emitter)
}

func (t *sqlTxStore) AddPipelineNode(ctx context.Context, attrs map[string]any) (string, error) {
	return sqlAddPipeline(ctx, t.runner, attrs)
}

func (t *sqlTxStore) GetComponentByHash(ctx context.Context, hash string) (map[string]any, error) {
	return sqlGetByHash(ctx, t.runner, hash)
}

func (t *sqlTxStore) GetExecutionGraph(ctx context.Context, startHash string, maxDepth int) (*Subgraph, error) {
	return sqlExecutionGraph(ctx, t.runner, startHash, maxDepth)
}

func (t *sqlTxStore) Search(ctx context.Context, filter Filter, limit int) ([]map[string]any, error) {
	return sqlSearch(ctx, t.runner, filter, limit)
}

func (t *sqlTxStore) Statistics(ctx context.Context) (*Stats, error) {
	return sqlStatistics(ctx, t.runner)
}

func (t *sqlTxStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

// The helpers below hold the shared SQL logic. Both SQLite and MySQL use
// "?" placeholders, so the statements are dialect-neutral except for table
// creation.

func sqlClear(ctx context.Context, run sqlRunner) (int, error) {
	var count int
	if err := run.QueryRowContext(ctx, "SELECT COUNT(*) FROM lineage_vertices").Scan(&count); err != nil {
		return 0, &GraphOperationError{Op: "clear", Cause: err}
	}
	if _, err := run.ExecContext(ctx, "DELETE FROM lineage_edges"); err != nil {
		return 0, &GraphOperationError{Op: "clear", Cause: err}
	}
	if _, err := run.ExecContext(ctx, "DELETE FROM lineage_vertices"); err != nil {
		return 0, &GraphOperationError{Op: "clear", Cause: err}
	}
	return count, nil
}

func sqlInsertVertex(ctx context.Context, run sqlRunner, key, hash, label string, attrs map[string]any) error {
	props := EncodeProperties(attrs)
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return &GraphOperationError{Op: "add_vertex", Cause: err}
	}

	name, _ := attrs["Name"].(string)
	platform, _ := attrs["Platform"].(string)
	startTime, _ := attrs["StartTime"].(string)

	_, err = run.ExecContext(ctx,
		`INSERT INTO lineage_vertices (vertex_key, hash, label, name, platform, start_time, properties)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, hash, label, name, platform, startTime, string(propsJSON))
	if err != nil {
		return &GraphOperationError{Op: "add_vertex", Cause: err}
	}
	return nil
}

func sqlAddComponent(ctx context.Context, run sqlRunner, attrs map[string]any, parentIDs []string, emitter emit.Emitter) (string, error) {
	hash, _ := attrs["Hash"].(string)
	if err := sqlInsertVertex(ctx, run, hash, hash, LabelComponent, attrs); err != nil {
		return "", err
	}

	for _, parent := range parentIDs {
		if parent == "" {
			continue
		}
		var exists int
		err := run.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM lineage_vertices WHERE hash = ?", parent).Scan(&exists)
		if err != nil {
			return "", &GraphOperationError{Op: "add_component_execution", Cause: err}
		}
		if exists == 0 {
			warnSkippedParent(emitter, hash, parent)
			continue
		}
		_, err = run.ExecContext(ctx,
			"INSERT INTO lineage_edges (from_hash, to_hash, label) VALUES (?, ?, ?)",
			parent, hash, EdgeDependsOn)
		if err != nil {
			return "", &GraphOperationError{Op: "add_component_execution", Cause: err}
		}
	}
	return hash, nil
}

func sqlAddPipeline(ctx context.Context, run sqlRunner, attrs map[string]any) (string, error) {
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

	// Start and end vertices share the pipeline ID; key them by Type.
	key := hash
	if typ, _ := attrs["Type"].(string); typ != "" {
		key = hash + ":" + typ
	}
	if err := sqlInsertVertex(ctx, run, key, hash, LabelPipeline, attrs); err != nil {
		return "", err
	}
	return key, nil
}

func sqlScanVertex(propsJSON, label string) (map[string]any, error) {
	var props map[string]any
	if err := json.Unmarshal([]byte(propsJSON), &props); err != nil {
		return nil, &GraphOperationError{Op: "decode_vertex", Cause: err}
	}
	record := DecodeProperties(props)
	record["__label__"] = label
	return record, nil
}

func sqlGetByHash(ctx context.Context, run sqlRunner, hash string) (map[string]any, error) {
	var (
		propsJSON string
		label     string
	)
	err := run.QueryRowContext(ctx,
		"SELECT properties, label FROM lineage_vertices WHERE hash = ? LIMIT 1", hash).
		Scan(&propsJSON, &label)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &GraphOperationError{Op: "get_component_by_hash", Cause: err}
	}
	return sqlScanVertex(propsJSON, label)
}

func sqlExecutionGraph(ctx context.Context, run sqlRunner, startHash string, maxDepth int) (*Subgraph, error) {
	if _, err := sqlGetByHash(ctx, run, startHash); err != nil {
		return nil, err
	}

	sub := &Subgraph{}
	visited := map[string]bool{}
	frontier := []string{startHash}

	for depth := 0; len(frontier) > 0 && depth <= maxDepth; depth++ {
		var next []string
		for _, hash := range frontier {
			if visited[hash] {
				continue
			}
			visited[hash] = true

			record, err := sqlGetByHash(ctx, run, hash)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			sub.Nodes = append(sub.Nodes, record)

			if depth == maxDepth {
				continue
			}
			rows, err := run.QueryContext(ctx,
				"SELECT to_hash FROM lineage_edges WHERE from_hash = ?", hash)
			if err != nil {
				return nil, &GraphOperationError{Op: "get_execution_graph", Cause: err}
			}
			for rows.Next() {
				var to string
				if err := rows.Scan(&to); err != nil {
					_ = rows.Close()
					return nil, &GraphOperationError{Op: "get_execution_graph", Cause: err}
				}
				sub.Edges = append(sub.Edges, EdgeRecord{From: hash, To: to, Label: EdgeDependsOn})
				next = append(next, to)
			}
			if err := rows.Err(); err != nil {
				_ = rows.Close()
				return nil, &GraphOperationError{Op: "get_execution_graph", Cause: err}
			}
			_ = rows.Close()
		}
		frontier = next
	}
	return sub, nil
}

func sqlSearch(ctx context.Context, run sqlRunner, filter Filter, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	query := "SELECT properties, label FROM lineage_vertices WHERE 1=1"
	var args []any
	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}
	if filter.Platform != "" {
		query += " AND platform = ?"
		args = append(args, filter.Platform)
	}
	if filter.ExecutionID != "" {
		query += " AND hash = ?"
		args = append(args, filter.ExecutionID)
	}
	if !filter.Since.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if !filter.Until.IsZero() {
		query += " AND start_time <= ?"
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY created_at DESC, vertex_key DESC LIMIT ?"
	args = append(args, limit)

	rows, err := run.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &GraphOperationError{Op: "search", Cause: err}
	}
	defer func() { _ = rows.Close() }()

	results := []map[string]any{}
	for rows.Next() {
		var propsJSON, label string
		if err := rows.Scan(&propsJSON, &label); err != nil {
			return nil, &GraphOperationError{Op: "search", Cause: err}
		}
		record, err := sqlScanVertex(propsJSON, label)
		if err != nil {
			return nil, err
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, &GraphOperationError{Op: "search", Cause: err}
	}
	return results, nil
}

func sqlStatistics(ctx context.Context, run sqlRunner) (*Stats, error) {
	stats := &Stats{
		Labels:    make(map[string]int64),
		Platforms: make(map[string]int64),
	}

	if err := run.QueryRowContext(ctx, "SELECT COUNT(*) FROM lineage_vertices").Scan(&stats.Vertices); err != nil {
		return nil, &GraphOperationError{Op: "statistics", Cause: err}
	}
	if err := run.QueryRowContext(ctx, "SELECT COUNT(*) FROM lineage_edges").Scan(&stats.Edges); err != nil {
		return nil, &GraphOperationError{Op: "statistics", Cause: err}
	}

	rows, err := run.QueryContext(ctx, "SELECT label, COUNT(*) FROM lineage_vertices GROUP BY label")
	if err != nil {
		return nil, &GraphOperationError{Op: "statistics", Cause: err}
	}
	for rows.Next() {
		var label string
		var count int64
		if err := rows.Scan(&label, &count); err != nil {
			_ = rows.Close()
			return nil, &GraphOperationError{Op: "statistics", Cause: err}
		}
		stats.Labels[label] = count
	}
	_ = rows.Close()

	rows, err = run.QueryContext(ctx,
		"SELECT platform, COUNT(*) FROM lineage_vertices WHERE platform != '' GROUP BY platform")
	if err != nil {
		return nil, &GraphOperationError{Op: "statistics", Cause: err}
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var platform string
		var count int64
		if err := rows.Scan(&platform, &count); err != nil {
			return nil, &GraphOperationError{Op: "statistics", Cause: err}
		}
		stats.Platforms[platform] = count
	}
	if err := rows.Err(); err != nil {
		return nil, &GraphOperationError{Op: "statistics", Cause: err}
	}
	return stats, nil
}
