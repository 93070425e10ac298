package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			namespace_id TEXT NOT NULL DEFAULT '',
			block_name TEXT NOT NULL,
			labels_key TEXT NOT NULL DEFAULT '',
			workspace_id TEXT NOT NULL DEFAULT '',
			pipeline_id TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_key ON workflows(namespace_id, block_name, labels_key)`,
		`CREATE TABLE IF NOT EXISTS documents (
			idx INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			workspace_id TEXT NOT NULL DEFAULT '',
			pipeline_id TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT '',
			namespace_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			version INTEGER NOT NULL,
			is_invalidated INTEGER NOT NULL DEFAULT 0,
			is_pending_removal INTEGER NOT NULL DEFAULT 0,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_name_type ON documents(workspace_id, name, type)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_workflow ON documents(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS namespaces (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			workspace_id TEXT NOT NULL DEFAULT '',
			pipeline_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_namespaces_parent ON namespaces(parent_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_dependencies (
			workflow_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			PRIMARY KEY (workflow_id, document_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dependencies_document ON workflow_dependencies(document_id)`,
	},
	upsertPipeline: `INSERT INTO pipelines (id, workspace_id, body) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET workspace_id = excluded.workspace_id, body = excluded.body`,
}

// NewSQLiteStore opens (or creates) a SQLite database at path and prepares
// the schema. Use ":memory:" for an ephemeral database.
//
// The connection pool is pinned to one connection: SQLite allows a single
// writer, and an in-memory database exists per connection.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

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
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
