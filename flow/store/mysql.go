package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const mysqlTableOptions = ` ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id VARCHAR(64) PRIMARY KEY,
			workspace_id VARCHAR(255) NOT NULL DEFAULT '',
			body LONGTEXT NOT NULL
		)` + mysqlTableOptions,
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(64) PRIMARY KEY,
			namespace_id VARCHAR(64) NOT NULL DEFAULT '',
			block_name VARCHAR(255) NOT NULL,
			labels_key VARCHAR(512) NOT NULL DEFAULT '',
			workspace_id VARCHAR(255) NOT NULL DEFAULT '',
			pipeline_id VARCHAR(255) NOT NULL DEFAULT '',
			body LONGTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_workflows_key (namespace_id, block_name, labels_key)
		)` + mysqlTableOptions,
		`CREATE TABLE IF NOT EXISTS documents (
			idx BIGINT AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(64) NOT NULL UNIQUE,
			workspace_id VARCHAR(255) NOT NULL DEFAULT '',
			pipeline_id VARCHAR(255) NOT NULL DEFAULT '',
			workflow_id VARCHAR(64) NOT NULL DEFAULT '',
			namespace_id VARCHAR(64) NOT NULL DEFAULT '',
			name VARCHAR(255) NOT NULL,
			type VARCHAR(255) NOT NULL,
			version INT NOT NULL,
			is_invalidated BOOLEAN NOT NULL DEFAULT FALSE,
			is_pending_removal BOOLEAN NOT NULL DEFAULT FALSE,
			body LONGTEXT NOT NULL,
			INDEX idx_documents_name_type (workspace_id, name, type),
			INDEX idx_documents_workflow (workflow_id)
		)` + mysqlTableOptions,
		`CREATE TABLE IF NOT EXISTS namespaces (
			id VARCHAR(64) PRIMARY KEY,
			parent_id VARCHAR(64) NOT NULL DEFAULT '',
			workspace_id VARCHAR(255) NOT NULL DEFAULT '',
			pipeline_id VARCHAR(255) NOT NULL DEFAULT '',
			name VARCHAR(255) NOT NULL DEFAULT '',
			body LONGTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_namespaces_parent (parent_id)
		)` + mysqlTableOptions,
		`CREATE TABLE IF NOT EXISTS workflow_dependencies (
			workflow_id VARCHAR(64) NOT NULL,
			document_id VARCHAR(64) NOT NULL,
			PRIMARY KEY (workflow_id, document_id),
			INDEX idx_dependencies_document (document_id)
		)` + mysqlTableOptions,
	},
	upsertPipeline: `INSERT INTO pipelines (id, workspace_id, body) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE workspace_id = VALUES(workspace_id), body = VALUES(body)`,
}

// NewMySQLStore connects to MySQL/MariaDB using dsn and prepares the schema.
//
// DSN format: [username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
//	store, err := store.NewMySQLStore("user:pass@tcp(localhost:3306)/pipeflow?parseTime=true")
func NewMySQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s, err := newSQLStore(ctx, db, mysqlDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
