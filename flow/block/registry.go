package block

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"dario.cat/mergo"

	"github.com/dshills/pipeflow/flow/schema"
	"github.com/dshills/pipeflow/flow/tool"
	"github.com/dshills/pipeflow/internal/ctxlog"
)

// ErrNotFound is returned when no block is registered under a name.
var ErrNotFound = errors.New("block not found")

// Constructor allocates a zero block instance.
type Constructor func() Block

// Definition is one entry of the registration table.
type Definition struct {
	Name        string
	Kind        Kind
	Constructor Constructor

	// Inputs are the properties other blocks may assign into; they default
	// to the schema's property names. Outputs are the state entries exposed
	// in result snapshots and default to DefaultOutputs(Kind).
	Inputs  []string
	Outputs []string

	// Imports names the blocks this one instantiates.
	Imports []string

	Schema schema.Schema
	Config map[string]interface{}

	// Source is the file the definition was loaded from, if any.
	Source string
}

// HasInput reports whether property is a declared input.
func (d *Definition) HasInput(property string) bool {
	for _, in := range d.Inputs {
		if in == property {
			return true
		}
	}
	return false
}

// Registry is the block registration table.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates def and adds it. The kind is forced from the
// constructor's structural kind, whatever def.Kind says.
func (r *Registry) Register(def Definition) error {
	normalized, err := normalize(def)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[normalized.Name]; exists {
		return fmt.Errorf("block %q already registered", normalized.Name)
	}
	r.defs[normalized.Name] = normalized
	return nil
}

// MustRegister is Register that panics on error, for static tables.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the definition registered as name.
func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return def, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.defs)
}

// LoadSources registers every declaration the sources yield. A
// declaration reuses the constructor, schema and config of the block (or
// bare kind) its Type names, with its own config merged over the base
// config. A declaration whose name is already registered and whose Type is
// empty or equal to that name overrides the existing entry's config.
func (r *Registry) LoadSources(ctx context.Context, sources ...Source) error {
	logger := ctxlog.FromContext(ctx)
	for _, src := range sources {
		decls, err := src.Declarations(ctx)
		if err != nil {
			return fmt.Errorf("failed to load block source %s: %w", src, err)
		}
		for _, decl := range decls {
			def, err := r.fromDeclaration(decl)
			if err != nil {
				return fmt.Errorf("%s: block %q: %w", decl.Source, decl.Name, err)
			}
			normalized, err := normalize(def)
			if err != nil {
				return fmt.Errorf("%s: block %q: %w", decl.Source, decl.Name, err)
			}
			r.mu.Lock()
			r.defs[normalized.Name] = normalized
			r.mu.Unlock()
			logger.Debug("Registered block from source.", "block", normalized.Name, "kind", normalized.Kind, "source", decl.Source)
		}
	}
	return nil
}

func (r *Registry) fromDeclaration(decl Declaration) (Definition, error) {
	if decl.Name == "" {
		return Definition{}, errors.New("name is required")
	}
	baseName := decl.Type
	if baseName == "" {
		baseName = decl.Name
	}

	var base Definition
	if existing, err := r.Lookup(baseName); err == nil {
		base = *existing
	} else if ctor, ok := KindConstructor(Kind(baseName)); ok {
		base = Definition{Constructor: ctor}
	} else {
		return Definition{}, fmt.Errorf("unknown base block or kind %q", baseName)
	}

	config, err := MergeConfig(base.Config, decl.Config)
	if err != nil {
		return Definition{}, err
	}

	def := Definition{
		Name:        decl.Name,
		Constructor: base.Constructor,
		Inputs:      base.Inputs,
		Outputs:     base.Outputs,
		Schema:      base.Schema,
		Config:      config,
		Source:      decl.Source,
	}
	if len(decl.Inputs) > 0 {
		def.Inputs = decl.Inputs
	}
	if len(decl.Outputs) > 0 {
		def.Outputs = decl.Outputs
	}
	if !decl.Schema.IsZero() {
		def.Schema = decl.Schema
		if len(decl.Inputs) == 0 {
			def.Inputs = nil
		}
	}
	return def, nil
}

// MergeConfig deep-merges override over base into a new map. Lists are
// replaced, not appended.
func MergeConfig(base, override map[string]interface{}) (map[string]interface{}, error) {
	out := deepCopyMap(base)
	if out == nil {
		out = map[string]interface{}{}
	}
	if len(override) == 0 {
		return out, nil
	}
	if err := mergo.Merge(&out, deepCopyMap(override), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	return out, nil
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

// deepCopy copies generic trees, also normalizing the typed slices and
// maps that Go-declared configs tend to use into []interface{} and
// map[string]interface{}.
func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = deepCopyMap(item)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = item
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	}
	return v
}

func normalize(def Definition) (*Definition, error) {
	if def.Name == "" {
		return nil, errors.New("block name cannot be empty")
	}
	if def.Constructor == nil {
		if ctor, ok := KindConstructor(def.Kind); ok {
			def.Constructor = ctor
		} else {
			return nil, fmt.Errorf("block %q: constructor is required", def.Name)
		}
	}
	if err := def.Schema.Check(); err != nil {
		return nil, fmt.Errorf("block %q: %w", def.Name, err)
	}

	def.Config = deepCopyMap(def.Config)
	sample := def.Constructor()
	def.Kind = sample.Kind()
	if len(def.Inputs) == 0 {
		def.Inputs = def.Schema.Names()
	}
	if len(def.Outputs) == 0 {
		def.Outputs = DefaultOutputs(def.Kind)
	}
	if err := sample.Init(&def, nil, ExecContext{}); err != nil {
		return nil, fmt.Errorf("block %q: %w", def.Name, err)
	}
	def.Imports = imports(sample)

	out := def
	return &out, nil
}

func imports(b Block) []string {
	var names []string
	switch v := b.(type) {
	case *Pipeline:
		for _, c := range v.Spec.Blocks {
			names = append(names, c.Block)
		}
	case *Workspace:
		for _, c := range v.Spec.Blocks {
			names = append(names, c.Block)
		}
	case *FactoryBlock:
		names = append(names, v.Spec.Block)
	case *Workflow:
		for _, t := range v.Spec.Transitions {
			for _, c := range t.Call {
				names = append(names, c.Tool)
			}
		}
	}
	return names
}

// RegisterTools registers one tool block per tool in tools.
func RegisterTools(r *Registry, tools *tool.Registry) error {
	for _, name := range tools.Names() {
		t, err := tools.Lookup(name)
		if err != nil {
			return err
		}
		if err := r.Register(Definition{
			Name:        name,
			Constructor: func() Block { return &Tool{} },
			Schema:      t.Schema(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies that every import of every definition is registered.
func (r *Registry) Check() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, name := range sortedNames(r.defs) {
		for _, imp := range r.defs[name].Imports {
			if _, ok := r.defs[imp]; !ok {
				errs = append(errs, fmt.Errorf("block %q imports unknown block %q", name, imp))
			}
		}
	}
	return errors.Join(errs...)
}

func sortedNames(m map[string]*Definition) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
