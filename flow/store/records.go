package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the exit status of a workflow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Reserved places.
const (
	PlaceStart = "start"
	PlaceEnd   = "end"
)

// HistoryEntry records one committed transition.
type HistoryEntry struct {
	Transition string    `json:"transition"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	At         time.Time `json:"at"`
}

// AvailableTransition describes a transition leaving the current place.
type AvailableTransition struct {
	ID     string   `json:"id"`
	To     []string `json:"to"`
	When   string   `json:"when,omitempty"`
	Manual bool     `json:"manual"`
}

// Dependency links a workflow to a document it consumed.
type Dependency struct {
	DocumentID string `json:"documentId"`
	Name       string `json:"name"`
	Type       string `json:"type"`
}

// Workflow is the persisted state machine for one workflow block instance.
type Workflow struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspaceId"`
	PipelineID  string            `json:"pipelineId"`
	NamespaceID string            `json:"namespaceId"`
	BlockName   string            `json:"blockName"`
	Labels      map[string]string `json:"labels,omitempty"`

	Place     string                `json:"place"`
	Status    Status                `json:"status"`
	Error     string                `json:"error,omitempty"`
	History   []HistoryEntry        `json:"history"`
	PlaceInfo []AvailableTransition `json:"placeInfo"`

	Args     map[string]interface{}            `json:"args,omitempty"`
	CurrData map[string]map[string]interface{} `json:"currData"`
	PrevData map[string]map[string]interface{} `json:"prevData"`

	Hashes           map[string]string `json:"hashes,omitempty"`
	DependenciesHash string            `json:"dependenciesHash,omitempty"`
	Dependencies     []Dependency      `json:"dependencies,omitempty"`

	// Documents is loaded by the store and never written through SaveWorkflow.
	Documents []*Document `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewWorkflow returns a workflow at place "start" for the given key.
func NewWorkflow(key WorkflowKey, labels map[string]string) *Workflow {
	return &Workflow{
		NamespaceID: key.NamespaceID,
		BlockName:   key.BlockName,
		Labels:      labels,
		Place:       PlaceStart,
		Status:      StatusPending,
		CurrData:    map[string]map[string]interface{}{},
		PrevData:    map[string]map[string]interface{}{},
		Hashes:      map[string]string{},
	}
}

// Key returns the lookup key of wf.
func (w *Workflow) Key() WorkflowKey {
	return WorkflowKey{NamespaceID: w.NamespaceID, BlockName: w.BlockName, Labels: LabelsKey(w.Labels)}
}

// Clone returns a deep copy of w, including its loaded documents.
func (w *Workflow) Clone() (*Workflow, error) {
	cp, err := cloneJSON(w)
	if err != nil {
		return nil, err
	}
	if w.Documents != nil {
		cp.Documents = make([]*Document, len(w.Documents))
		for i, d := range w.Documents {
			dc, err := cloneJSON(d)
			if err != nil {
				return nil, err
			}
			cp.Documents[i] = dc
		}
	}
	return cp, nil
}

// WorkflowKey identifies a workflow by its position in the namespace tree.
type WorkflowKey struct {
	NamespaceID string
	BlockName   string
	Labels      string
}

// LabelsKey renders labels canonically as sorted "k=v" pairs joined by ",".
func LabelsKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// Document is a versioned artifact produced by a workflow transition.
type Document struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspaceId"`
	PipelineID  string   `json:"pipelineId"`
	WorkflowID  string   `json:"workflowId"`
	NamespaceID string   `json:"namespaceId"`
	Namespaces  []string `json:"namespaces,omitempty"`

	Name    string `json:"name"`
	Type    string `json:"type"`
	Version int    `json:"version"`
	Index   int64  `json:"index"`

	TransitionID string `json:"transitionId,omitempty"`
	Place        string `json:"place,omitempty"`

	Contents interface{}            `json:"contents"`
	Meta     map[string]interface{} `json:"meta,omitempty"`

	IsInvalidated    bool     `json:"isInvalidated"`
	IsPendingRemoval bool     `json:"isPendingRemoval"`
	Dependents       []string `json:"dependents,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// DocumentDraft is a document requested by a tool, before versioning.
type DocumentDraft struct {
	Name     string                 `json:"name" mapstructure:"name"`
	Type     string                 `json:"type" mapstructure:"type"`
	Contents interface{}            `json:"contents" mapstructure:"contents"`
	Meta     map[string]interface{} `json:"meta,omitempty" mapstructure:"meta"`
}

// DocumentQuery selects documents. Empty fields do not filter.
type DocumentQuery struct {
	WorkspaceID string
	PipelineID  string
	WorkflowID  string
	Name        string
	Type        string

	// NamespaceIDs restricts results to documents owned by these namespaces.
	// Ignored when Global is set.
	NamespaceIDs []string
	Global       bool

	// MaxIndex bounds results to Index <= MaxIndex when positive.
	MaxIndex int64

	// IncludeInvalidated also returns invalidated and pending-removal documents.
	IncludeInvalidated bool
}

// Matches reports whether doc satisfies q.
func (q DocumentQuery) Matches(doc *Document) bool {
	if q.WorkspaceID != "" && doc.WorkspaceID != q.WorkspaceID {
		return false
	}
	if q.PipelineID != "" && doc.PipelineID != q.PipelineID {
		return false
	}
	if q.WorkflowID != "" && doc.WorkflowID != q.WorkflowID {
		return false
	}
	if q.Name != "" && doc.Name != q.Name {
		return false
	}
	if q.Type != "" && doc.Type != q.Type {
		return false
	}
	if !q.Global && len(q.NamespaceIDs) > 0 && !contains(q.NamespaceIDs, doc.NamespaceID) {
		return false
	}
	if q.MaxIndex > 0 && doc.Index > q.MaxIndex {
		return false
	}
	if !q.IncludeInvalidated && (doc.IsInvalidated || doc.IsPendingRemoval) {
		return false
	}
	return true
}

// Namespace is a node in the per-pipeline namespace tree.
type Namespace struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	PipelineID  string    `json:"pipelineId"`
	ParentID    string    `json:"parentId,omitempty"`
	Name        string    `json:"name"`
	Label       string    `json:"label"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Pipeline is the stored definition a ProcessPipeline call starts from.
type Pipeline struct {
	ID          string                 `json:"id"`
	WorkspaceID string                 `json:"workspaceId"`
	Block       string                 `json:"block"`
	Args        map[string]interface{} `json:"args,omitempty"`
	NamespaceID string                 `json:"namespaceId,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// NewID returns a random record id.
func NewID() string {
	return uuid.NewString()
}

func cloneJSON[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
