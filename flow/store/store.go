// Package store defines the persistence contract for workflows, documents,
// namespaces and pipelines, with memory, SQLite, MySQL and PostgreSQL backends.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// WorkflowStore persists workflow state machines.
type WorkflowStore interface {
	// FindWorkflow returns the workflow identified by (namespace, block name, labels),
	// with its documents loaded. Returns ErrNotFound when none exists yet.
	FindWorkflow(ctx context.Context, key WorkflowKey) (*Workflow, error)

	// GetWorkflow returns the workflow with id, with its documents loaded.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// CreateWorkflow inserts wf, assigning an id when empty.
	CreateWorkflow(ctx context.Context, wf *Workflow) error

	// SaveWorkflow overwrites wf and its dependency links.
	SaveWorkflow(ctx context.Context, wf *Workflow) error
}

// DocumentStore persists versioned workflow artifacts.
type DocumentStore interface {
	// CreateDocument inserts doc, assigning its id and a monotonically
	// increasing Index.
	CreateDocument(ctx context.Context, doc *Document) error

	// QueryDocuments returns the documents matching q ordered by Index.
	QueryDocuments(ctx context.Context, q DocumentQuery) ([]*Document, error)

	// InvalidateDocuments flags the documents with the given ids as invalidated.
	// Documents are never deleted.
	InvalidateDocuments(ctx context.Context, ids []string) error
}

// NamespaceStore persists the namespace tree.
type NamespaceStore interface {
	CreateNamespace(ctx context.Context, ns *Namespace) error
	GetNamespace(ctx context.Context, id string) (*Namespace, error)
	ListChildNamespaces(ctx context.Context, parentID string) ([]*Namespace, error)

	// DeleteNamespaces removes the namespaces with the given ids. Children of a
	// deleted namespace lose their parent link instead of being deleted, and
	// documents owned by a deleted namespace are flagged IsPendingRemoval.
	DeleteNamespaces(ctx context.Context, ids []string) error
}

// PipelineStore persists pipeline definitions handed to ProcessPipeline.
type PipelineStore interface {
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	SavePipeline(ctx context.Context, p *Pipeline) error
}

// Store is the full storage collaborator used by the engine.
type Store interface {
	WorkflowStore
	DocumentStore
	NamespaceStore
	PipelineStore

	Close() error
}
