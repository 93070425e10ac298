// Package block defines the block kinds a pipeline is built from, the
// registration table that names them, and the factory that instantiates
// them with validated arguments.
package block

import (
	"fmt"

	"github.com/dshills/pipeflow/flow/tool"
)

// Kind discriminates the closed set of block variants.
type Kind string

const (
	KindWorkflow  Kind = "workflow"
	KindTool      Kind = "tool"
	KindDocument  Kind = "document"
	KindPipeline  Kind = "pipeline"
	KindWorkspace Kind = "workspace"
	KindFactory   Kind = "factory"
)

// Kinds lists every block kind.
var Kinds = []Kind{KindWorkflow, KindTool, KindDocument, KindPipeline, KindWorkspace, KindFactory}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Block is a runtime block instance. The concrete type is one of
// *Workflow, *Tool, *Document, *Pipeline, *Workspace or *FactoryBlock; callers
// switch on Kind, never on the dynamic type.
type Block interface {
	Kind() Kind

	// Common returns the fields shared by every kind.
	Common() *Base

	// Init seeds a freshly built instance. args have already been
	// validated against the definition's schema.
	Init(item *Definition, args map[string]interface{}, bctx ExecContext) error
}

// ExecContext locates a block instance in the workspace and namespace tree.
type ExecContext struct {
	WorkspaceID string
	PipelineID  string
	NamespaceID string
	UserID      string
	Labels      map[string]string
	Payload     map[string]interface{}
}

// Vars exposes c to expressions as the "ctx" variable.
func (c ExecContext) Vars() map[string]interface{} {
	labels := make(map[string]interface{}, len(c.Labels))
	for k, v := range c.Labels {
		labels[k] = v
	}
	return map[string]interface{}{
		"workspaceId": c.WorkspaceID,
		"pipelineId":  c.PipelineID,
		"namespaceId": c.NamespaceID,
		"userId":      c.UserID,
		"labels":      labels,
		"payload":     c.Payload,
	}
}

// Child returns a copy of c scoped to namespaceID with labels.
func (c ExecContext) Child(namespaceID string, labels map[string]string) ExecContext {
	c.NamespaceID = namespaceID
	c.Labels = labels
	return c
}

// Base holds what every block kind carries.
type Base struct {
	// Name is the registry name; ID the block's id inside its parent.
	Name string
	ID   string

	// Processor is the id of the record that backs this instance, such as
	// the persisted workflow id.
	Processor string

	Item   *Definition
	Args   map[string]interface{}
	Ctx    ExecContext
	Config map[string]interface{}

	// State holds the block's outputs.
	State map[string]interface{}

	caps Capabilities
}

// Common implements Block.
func (b *Base) Common() *Base { return b }

// Capabilities returns the collaborators resolved for this instance.
func (b *Base) Capabilities() Capabilities { return b.caps }

func (b *Base) init(item *Definition, args map[string]interface{}, bctx ExecContext) {
	b.Name = item.Name
	b.Item = item
	b.Args = args
	if b.Args == nil {
		b.Args = map[string]interface{}{}
	}
	b.Ctx = bctx
	b.Config = item.Config
	if b.State == nil {
		b.State = map[string]interface{}{}
	}
}

// Workflow is a persisted state machine driven by its transitions.
type Workflow struct {
	Base
	Spec WorkflowConfig
}

func (w *Workflow) Kind() Kind { return KindWorkflow }

func (w *Workflow) Init(item *Definition, args map[string]interface{}, bctx ExecContext) error {
	w.init(item, args, bctx)
	return decodeConfig(item.Config, &w.Spec)
}

// Tool wraps a registered tool so it can run standalone in a pipeline.
// The tool id is the definition's "tool" config entry, or its name.
type Tool struct {
	Base
	Impl tool.Tool
}

func (t *Tool) Kind() Kind { return KindTool }

func (t *Tool) Init(item *Definition, args map[string]interface{}, bctx ExecContext) error {
	t.init(item, args, bctx)
	return nil
}

func (t *Tool) resolve(item *Definition, caps Capabilities) error {
	if caps.Tools == nil {
		return fmt.Errorf("no tool registry available for %q", item.Name)
	}
	id := item.Name
	if s, ok := item.Config["tool"].(string); ok && s != "" {
		id = s
	}
	impl, err := caps.Tools.Lookup(id)
	if err != nil {
		return err
	}
	t.Impl = impl
	return nil
}

// Document exposes the latest version of a named document.
type Document struct {
	Base
	Spec DocumentConfig
}

func (d *Document) Kind() Kind { return KindDocument }

func (d *Document) Init(item *Definition, args map[string]interface{}, bctx ExecContext) error {
	d.init(item, args, bctx)
	if err := decodeConfig(item.Config, &d.Spec); err != nil {
		return err
	}
	if d.Spec.Name == "" {
		d.Spec.Name = item.Name
	}
	return nil
}

// Pipeline runs its child blocks in order.
type Pipeline struct {
	Base
	Spec PipelineConfig
}

func (p *Pipeline) Kind() Kind { return KindPipeline }

func (p *Pipeline) Init(item *Definition, args map[string]interface{}, bctx ExecContext) error {
	p.init(item, args, bctx)
	return decodeConfig(item.Config, &p.Spec)
}

// Workspace is the root pipeline of a workspace.
type Workspace struct {
	Base
	Spec PipelineConfig
}

func (w *Workspace) Kind() Kind { return KindWorkspace }

func (w *Workspace) Init(item *Definition, args map[string]interface{}, bctx ExecContext) error {
	w.init(item, args, bctx)
	return decodeConfig(item.Config, &w.Spec)
}

// FactoryBlock instantiates one child block per item of a list.
type FactoryBlock struct {
	Base
	Spec FactoryConfig
}

func (f *FactoryBlock) Kind() Kind { return KindFactory }

func (f *FactoryBlock) Init(item *Definition, args map[string]interface{}, bctx ExecContext) error {
	f.init(item, args, bctx)
	if err := decodeConfig(item.Config, &f.Spec); err != nil {
		return err
	}
	if f.Spec.Block == "" {
		return fmt.Errorf("factory %q: block is required", item.Name)
	}
	return nil
}

// KindConstructor returns the constructor of the base block for k.
func KindConstructor(k Kind) (Constructor, bool) {
	switch k {
	case KindWorkflow:
		return func() Block { return &Workflow{} }, true
	case KindTool:
		return func() Block { return &Tool{} }, true
	case KindDocument:
		return func() Block { return &Document{} }, true
	case KindPipeline:
		return func() Block { return &Pipeline{} }, true
	case KindWorkspace:
		return func() Block { return &Workspace{} }, true
	case KindFactory:
		return func() Block { return &FactoryBlock{} }, true
	}
	return nil, false
}

// DefaultOutputs is the result visibility group of each kind.
func DefaultOutputs(k Kind) []string {
	switch k {
	case KindWorkflow:
		return []string{"place", "status", "result"}
	case KindTool:
		return []string{"data"}
	case KindDocument:
		return []string{"id", "name", "type", "version", "contents"}
	case KindPipeline, KindWorkspace:
		return []string{"blocks"}
	case KindFactory:
		return []string{"items"}
	}
	return nil
}
