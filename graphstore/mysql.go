package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/twingraph/twingraph-go/emit"
)

// MySQLStore records lineage in a shared MySQL database.
//
// Designed for multi-process deployments that want relational lineage
// storage without operating a Gremlin endpoint. The schema mirrors the
// SQLite backend; both share the same query logic, since the dialects
// agree on "?" placeholders.
//
// DSN format (github.com/go-sql-driver/mysql):
//
//	user:password@tcp(localhost:3306)/twingraph?parseTime=true
type MySQLStore struct {
	db      *sql.DB
	dsn     string
	emitter emit.Emitter
	mu      sync.RWMutex
	closed  bool
}

// NewMySQLStore opens a connection pool against the DSN and prepares the
// schema. The DSN is not validated until Connect or the first operation.
func NewMySQLStore(dsn string, opts ...Option) (*MySQLStore, error) {
	cfg := newConfig(opts)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, &GraphConnectionError{Endpoint: dsn, Cause: err}
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &MySQLStore{
		db:      db,
		dsn:     dsn,
		emitter: cfg.emitter,
	}
	if err := store.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS lineage_vertices (
			vertex_key VARCHAR(64) NOT NULL PRIMARY KEY,
			hash VARCHAR(64) NOT NULL,
			label VARCHAR(32) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			platform VARCHAR(32) NOT NULL DEFAULT '',
			start_time VARCHAR(64) NOT NULL DEFAULT '',
			properties MEDIUMTEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_vertices_hash (hash),
			INDEX idx_vertices_name (name),
			INDEX idx_vertices_platform (platform)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS lineage_edges (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			from_hash VARCHAR(64) NOT NULL,
			to_hash VARCHAR(64) NOT NULL,
			label VARCHAR(32) NOT NULL DEFAULT 'DEPENDS_ON',
			UNIQUE KEY uniq_edge (from_hash, to_hash, label),
			INDEX idx_edges_from (from_hash),
			INDEX idx_edges_to (to_hash)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &GraphOperationError{Op: "create_tables", Cause: err}
		}
	}
	return nil
}

// Connect verifies the database with a trivial query.
func (s *MySQLStore) Connect(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return &GraphConnectionError{Endpoint: s.dsn, Cause: err}
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return &GraphConnectionError{Endpoint: s.dsn, Cause: err}
	}
	return nil
}

// Close closes the connection pool. Double-close is a no-op.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return &GraphConnectionError{Endpoint: s.dsn, Cause: fmt.Errorf("store is closed")}
	}
	return nil
}

// Clear deletes all vertices and edges, returning the prior vertex count.
func (s *MySQLStore) Clear(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return sqlClear(ctx, s.db)
}

// AddComponentExecution writes a Component vertex plus edges from each
// existing parent in one transaction.
func (s *MySQLStore) AddComponentExecution(ctx context.Context, attrs map[string]any, parentIDs []string) (string, error) {
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
func (s *MySQLStore) AddPipelineNode(ctx context.Context, attrs map[string]any) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	return sqlAddPipeline(ctx, s.db, attrs)
}

// GetComponentByHash looks up one vertex by its Hash property.
func (s *MySQLStore) GetComponentByHash(ctx context.Context, hash string) (map[string]any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlGetByHash(ctx, s.db, hash)
}

// GetExecutionGraph walks DEPENDS_ON edges outward from startHash.
func (s *MySQLStore) GetExecutionGraph(ctx context.Context, startHash string, maxDepth int) (*Subgraph, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlExecutionGraph(ctx, s.db, startHash, maxDepth)
}

// Search returns matching vertices, newest first.
func (s *MySQLStore) Search(ctx context.Context, filter Filter, limit int) ([]map[string]any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlSearch(ctx, s.db, filter, limit)
}

// Statistics reports counts over the stored graph.
func (s *MySQLStore) Statistics(ctx context.Context) (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return sqlStatistics(ctx, s.db)
}

// Transaction groups writes into one commit/rollback unit.
func (s *MySQLStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &GraphOperationError{Op: "transaction", Cause: err}
	}
	txStore := &sqlTxStore{runner: tx, emitter: s.emitter, endpoint: s.dsn}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &GraphOperationError{Op: "transaction", Cause: err}
	}
	return nil
}
