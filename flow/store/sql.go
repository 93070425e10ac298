package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// dialect captures the DDL and upsert differences between SQL backends
// driven through database/sql.
type dialect struct {
	name           string
	schema         []string
	upsertPipeline string
}

// SQLStore implements Store on database/sql. Construct it with
// NewSQLiteStore or NewMySQLStore.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s schema: %w", d.name, err)
		}
	}
	return s, nil
}

func (s *SQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// FindWorkflow implements WorkflowStore.
func (s *SQLStore) FindWorkflow(ctx context.Context, key WorkflowKey) (*Workflow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT body FROM workflows WHERE namespace_id = ? AND block_name = ? AND labels_key = ? ORDER BY created_at DESC LIMIT 1`,
		key.NamespaceID, key.BlockName, key.Labels)
	return s.scanWorkflow(ctx, row)
}

// GetWorkflow implements WorkflowStore.
func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT body FROM workflows WHERE id = ?`, id)
	return s.scanWorkflow(ctx, row)
}

func (s *SQLStore) scanWorkflow(ctx context.Context, row *sql.Row) (*Workflow, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal([]byte(body), &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	docs, err := s.QueryDocuments(ctx, DocumentQuery{WorkflowID: wf.ID, IncludeInvalidated: true})
	if err != nil {
		return nil, err
	}
	wf.Documents = docs
	return &wf, nil
}

// CreateWorkflow implements WorkflowStore.
func (s *SQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if wf.ID == "" {
		wf.ID = NewID()
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	body, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	key := wf.Key()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, namespace_id, block_name, labels_key, workspace_id, pipeline_id, body, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, key.NamespaceID, key.BlockName, key.Labels, wf.WorkspaceID, wf.PipelineID, string(body), wf.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return s.syncDependencies(ctx, s.db, wf)
}

// SaveWorkflow implements WorkflowStore.
func (s *SQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	wf.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE workflows SET body = ? WHERE id = ?`, string(body), wf.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, wf.ID).Scan(&exists); err != nil {
			return ErrNotFound
		}
	}
	if err := s.syncDependencies(ctx, tx, wf); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) syncDependencies(ctx context.Context, db execer, wf *Workflow) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM workflow_dependencies WHERE workflow_id = ?`, wf.ID); err != nil {
		return fmt.Errorf("failed to clear dependencies: %w", err)
	}
	seen := make(map[string]bool, len(wf.Dependencies))
	for _, dep := range wf.Dependencies {
		if seen[dep.DocumentID] {
			continue
		}
		seen[dep.DocumentID] = true
		if _, err := db.ExecContext(ctx,
			`INSERT INTO workflow_dependencies (workflow_id, document_id) VALUES (?, ?)`,
			wf.ID, dep.DocumentID); err != nil {
			return fmt.Errorf("failed to insert dependency: %w", err)
		}
	}
	return nil
}

// CreateDocument implements DocumentStore.
func (s *SQLStore) CreateDocument(ctx context.Context, doc *Document) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if doc.ID == "" {
		doc.ID = NewID()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, workspace_id, pipeline_id, workflow_id, namespace_id, name, type, version, is_invalidated, is_pending_removal, body) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.WorkspaceID, doc.PipelineID, doc.WorkflowID, doc.NamespaceID, doc.Name, doc.Type, doc.Version,
		doc.IsInvalidated, doc.IsPendingRemoval, string(body))
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	idx, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read document index: %w", err)
	}
	doc.Index = idx
	return nil
}

// QueryDocuments implements DocumentStore.
func (s *SQLStore) QueryDocuments(ctx context.Context, q DocumentQuery) ([]*Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query, args := buildDocumentQuery(q, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	docs := []*Document{}
	for rows.Next() {
		var (
			body                 string
			idx                  int64
			invalidated, pending bool
		)
		if err := rows.Scan(&idx, &invalidated, &pending, &body); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := decodeDocument(body, idx, invalidated, pending)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	// Release the connection before the dependents query; SQLite runs on one.
	_ = rows.Close()
	if err := s.attachDependents(ctx, docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *SQLStore) attachDependents(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}
	byID := make(map[string]*Document, len(docs))
	ids := make([]any, 0, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
		ids = append(ids, d.ID)
	}
	query := `SELECT document_id, workflow_id FROM workflow_dependencies WHERE document_id IN (` +
		placeholders(len(ids), 1, func(int) string { return "?" }) + `) ORDER BY workflow_id`
	rows, err := s.db.QueryContext(ctx, query, ids...)
	if err != nil {
		return fmt.Errorf("failed to query dependents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var docID, wfID string
		if err := rows.Scan(&docID, &wfID); err != nil {
			return fmt.Errorf("failed to scan dependent: %w", err)
		}
		byID[docID].Dependents = append(byID[docID].Dependents, wfID)
	}
	return rows.Err()
}

// InvalidateDocuments implements DocumentStore.
func (s *SQLStore) InvalidateDocuments(ctx context.Context, ids []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE documents SET is_invalidated = ? WHERE id IN (` + placeholders(len(ids), 2, func(int) string { return "?" }) + `)`
	args := append([]any{true}, toAny(ids)...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to invalidate documents: %w", err)
	}
	return nil
}

// CreateNamespace implements NamespaceStore.
func (s *SQLStore) CreateNamespace(ctx context.Context, ns *Namespace) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if ns.ID == "" {
		ns.ID = NewID()
	}
	if ns.CreatedAt.IsZero() {
		ns.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(ns)
	if err != nil {
		return fmt.Errorf("failed to marshal namespace: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO namespaces (id, parent_id, workspace_id, pipeline_id, name, body, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ns.ID, ns.ParentID, ns.WorkspaceID, ns.PipelineID, ns.Name, string(body), ns.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to insert namespace: %w", err)
	}
	return nil
}

// GetNamespace implements NamespaceStore.
func (s *SQLStore) GetNamespace(ctx context.Context, id string) (*Namespace, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var parentID, body string
	err := s.db.QueryRowContext(ctx, `SELECT parent_id, body FROM namespaces WHERE id = ?`, id).Scan(&parentID, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load namespace: %w", err)
	}
	return decodeNamespace(parentID, body)
}

// ListChildNamespaces implements NamespaceStore.
func (s *SQLStore) ListChildNamespaces(ctx context.Context, parentID string) ([]*Namespace, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	children := []*Namespace{}
	if parentID == "" {
		return children, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_id, body FROM namespaces WHERE parent_id = ? ORDER BY created_at, name`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid, body string
		if err := rows.Scan(&pid, &body); err != nil {
			return nil, fmt.Errorf("failed to scan namespace: %w", err)
		}
		ns, err := decodeNamespace(pid, body)
		if err != nil {
			return nil, err
		}
		children = append(children, ns)
	}
	return children, rows.Err()
}

// DeleteNamespaces implements NamespaceStore.
func (s *SQLStore) DeleteNamespaces(ctx context.Context, ids []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	in := placeholders(len(ids), 1, func(int) string { return "?" })
	args := toAny(ids)
	if _, err := tx.ExecContext(ctx, `UPDATE namespaces SET parent_id = '' WHERE parent_id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("failed to detach child namespaces: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET is_pending_removal = ? WHERE namespace_id IN (`+in+`)`, append([]any{true}, args...)...); err != nil {
		return fmt.Errorf("failed to flag namespace documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM namespaces WHERE id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete namespaces: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit namespace deletion: %w", err)
	}
	return nil
}

// GetPipeline implements PipelineStore.
func (s *SQLStore) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var body string
	if err := s.db.QueryRowContext(ctx, `SELECT body FROM pipelines WHERE id = ?`, id).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load pipeline: %w", err)
	}
	var p Pipeline
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline: %w", err)
	}
	return &p, nil
}

// SavePipeline implements PipelineStore.
func (s *SQLStore) SavePipeline(ctx context.Context, p *Pipeline) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertPipeline, p.ID, p.WorkspaceID, string(body)); err != nil {
		return fmt.Errorf("failed to save pipeline: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// buildDocumentQuery renders q as a SELECT over the documents table.
// ph renders the n-th (1-based) positional parameter.
func buildDocumentQuery(q DocumentQuery, ph func(int) string) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, ph(len(args))))
	}
	if q.WorkspaceID != "" {
		add("workspace_id = %s", q.WorkspaceID)
	}
	if q.PipelineID != "" {
		add("pipeline_id = %s", q.PipelineID)
	}
	if q.WorkflowID != "" {
		add("workflow_id = %s", q.WorkflowID)
	}
	if q.Name != "" {
		add("name = %s", q.Name)
	}
	if q.Type != "" {
		add("type = %s", q.Type)
	}
	if !q.Global && len(q.NamespaceIDs) > 0 {
		where = append(where, "namespace_id IN ("+placeholders(len(q.NamespaceIDs), len(args)+1, ph)+")")
		args = append(args, toAny(q.NamespaceIDs)...)
	}
	if q.MaxIndex > 0 {
		add("idx <= %s", q.MaxIndex)
	}
	if !q.IncludeInvalidated {
		add("is_invalidated = %s", false)
		add("is_pending_removal = %s", false)
	}

	query := "SELECT idx, is_invalidated, is_pending_removal, body FROM documents"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return query + " ORDER BY idx", args
}

func placeholders(n, start int, ph func(int) string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = ph(start + i)
	}
	return strings.Join(parts, ", ")
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func decodeDocument(body string, idx int64, invalidated, pending bool) (*Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	doc.Index = idx
	doc.IsInvalidated = invalidated
	doc.IsPendingRemoval = pending
	doc.Dependents = nil
	return &doc, nil
}

func decodeNamespace(parentID, body string) (*Namespace, error) {
	var ns Namespace
	if err := json.Unmarshal([]byte(body), &ns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal namespace: %w", err)
	}
	ns.ParentID = parentID
	return &ns, nil
}
