package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store. Records are deep-copied on the way in and
// out so callers never share state with the store. Safe for concurrent use.
type MemStore struct {
	mu sync.RWMutex

	workflows  map[string]*Workflow
	documents  map[string]*Document
	namespaces map[string]*Namespace
	pipelines  map[string]*Pipeline

	nextIndex int64
	closed    bool
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:  make(map[string]*Workflow),
		documents:  make(map[string]*Document),
		namespaces: make(map[string]*Namespace),
		pipelines:  make(map[string]*Pipeline),
	}
}

// FindWorkflow implements WorkflowStore.
func (m *MemStore) FindWorkflow(ctx context.Context, key WorkflowKey) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var found *Workflow
	for _, wf := range m.workflows {
		if wf.Key() != key {
			continue
		}
		if found == nil || wf.CreatedAt.After(found.CreatedAt) {
			found = wf
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return m.loadWorkflow(found)
}

// GetWorkflow implements WorkflowStore.
func (m *MemStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.loadWorkflow(wf)
}

// loadWorkflow copies wf and attaches its documents. Caller holds the lock.
func (m *MemStore) loadWorkflow(wf *Workflow) (*Workflow, error) {
	cp, err := cloneJSON(wf)
	if err != nil {
		return nil, err
	}
	docs, err := m.queryLocked(DocumentQuery{WorkflowID: wf.ID, IncludeInvalidated: true})
	if err != nil {
		return nil, err
	}
	cp.Documents = docs
	return cp, nil
}

// CreateWorkflow implements WorkflowStore.
func (m *MemStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if wf.ID == "" {
		wf.ID = NewID()
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	cp, err := cloneJSON(wf)
	if err != nil {
		return err
	}
	m.workflows[wf.ID] = cp
	return nil
}

// SaveWorkflow implements WorkflowStore.
func (m *MemStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.workflows[wf.ID]; !ok {
		return ErrNotFound
	}
	wf.UpdatedAt = time.Now().UTC()
	cp, err := cloneJSON(wf)
	if err != nil {
		return err
	}
	m.workflows[wf.ID] = cp
	return nil
}

// CreateDocument implements DocumentStore.
func (m *MemStore) CreateDocument(ctx context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if doc.ID == "" {
		doc.ID = NewID()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	m.nextIndex++
	doc.Index = m.nextIndex

	cp, err := cloneJSON(doc)
	if err != nil {
		return err
	}
	cp.Dependents = nil
	m.documents[doc.ID] = cp
	return nil
}

// QueryDocuments implements DocumentStore.
func (m *MemStore) QueryDocuments(ctx context.Context, q DocumentQuery) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.queryLocked(q)
}

func (m *MemStore) queryLocked(q DocumentQuery) ([]*Document, error) {
	result := []*Document{}
	for _, doc := range m.documents {
		if !q.Matches(doc) {
			continue
		}
		cp, err := cloneJSON(doc)
		if err != nil {
			return nil, err
		}
		cp.Dependents = m.dependentsLocked(doc.ID)
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

// dependentsLocked derives the back-references of a document from saved workflows.
func (m *MemStore) dependentsLocked(docID string) []string {
	var ids []string
	for _, wf := range m.workflows {
		for _, dep := range wf.Dependencies {
			if dep.DocumentID == docID {
				ids = append(ids, wf.ID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// InvalidateDocuments implements DocumentStore.
func (m *MemStore) InvalidateDocuments(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, id := range ids {
		if doc, ok := m.documents[id]; ok {
			doc.IsInvalidated = true
		}
	}
	return nil
}

// CreateNamespace implements NamespaceStore.
func (m *MemStore) CreateNamespace(ctx context.Context, ns *Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if ns.ID == "" {
		ns.ID = NewID()
	}
	if ns.CreatedAt.IsZero() {
		ns.CreatedAt = time.Now().UTC()
	}
	cp := *ns
	m.namespaces[ns.ID] = &cp
	return nil
}

// GetNamespace implements NamespaceStore.
func (m *MemStore) GetNamespace(ctx context.Context, id string) (*Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	ns, ok := m.namespaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ns
	return &cp, nil
}

// ListChildNamespaces implements NamespaceStore.
func (m *MemStore) ListChildNamespaces(ctx context.Context, parentID string) ([]*Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	children := []*Namespace{}
	for _, ns := range m.namespaces {
		if ns.ParentID == parentID && parentID != "" {
			cp := *ns
			children = append(children, &cp)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].CreatedAt.Equal(children[j].CreatedAt) {
			return children[i].Name < children[j].Name
		}
		return children[i].CreatedAt.Before(children[j].CreatedAt)
	})
	return children, nil
}

// DeleteNamespaces implements NamespaceStore.
func (m *MemStore) DeleteNamespaces(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	deleted := make(map[string]bool, len(ids))
	for _, id := range ids {
		deleted[id] = true
		delete(m.namespaces, id)
	}
	for _, ns := range m.namespaces {
		if deleted[ns.ParentID] {
			ns.ParentID = ""
		}
	}
	for _, doc := range m.documents {
		if deleted[doc.NamespaceID] {
			doc.IsPendingRemoval = true
		}
	}
	return nil
}

// GetPipeline implements PipelineStore.
func (m *MemStore) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	p, ok := m.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(p)
}

// SavePipeline implements PipelineStore.
func (m *MemStore) SavePipeline(ctx context.Context, p *Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp, err := cloneJSON(p)
	if err != nil {
		return err
	}
	m.pipelines[p.ID] = cp
	return nil
}

// Close marks the store closed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
