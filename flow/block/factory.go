package block

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dshills/pipeflow/flow/emit"
	"github.com/dshills/pipeflow/flow/expr"
	"github.com/dshills/pipeflow/flow/store"
	"github.com/dshills/pipeflow/flow/tool"
	"github.com/dshills/pipeflow/internal/ctxlog"
)

// ErrSchemaValidation is matched by every *SchemaError.
var ErrSchemaValidation = errors.New("schema validation failed")

// SchemaError reports arguments or contents that do not match a block's
// declared schema.
type SchemaError struct {
	Block    string
	Property string
	Cause    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("block %q: %v", e.Block, e.Cause)
}

func (e *SchemaError) Unwrap() error { return e.Cause }

// Is matches ErrSchemaValidation.
func (e *SchemaError) Is(target error) bool { return target == ErrSchemaValidation }

// Capabilities are the collaborators a block instance may depend on.
type Capabilities struct {
	Store     store.Store
	Tools     *tool.Registry
	Evaluator *expr.Evaluator
	Logger    *slog.Logger
	Emitter   emit.Emitter
}

// resolver is implemented by kinds that resolve collaborators at build time.
type resolver interface {
	resolve(item *Definition, caps Capabilities) error
}

// CapabilityBuilder builds fresh block instances with their collaborators
// resolved.
type CapabilityBuilder struct {
	caps Capabilities
}

// NewCapabilityBuilder returns a builder handing caps to every instance.
func NewCapabilityBuilder(caps Capabilities) *CapabilityBuilder {
	return &CapabilityBuilder{caps: caps}
}

// Build returns a new, uninitialized instance of item.
func (b *CapabilityBuilder) Build(item *Definition) (Block, error) {
	blk := item.Constructor()
	if blk.Kind() != item.Kind {
		return nil, fmt.Errorf("block %q: constructor built kind %q, registered as %q", item.Name, blk.Kind(), item.Kind)
	}
	blk.Common().caps = b.caps
	if r, ok := blk.(resolver); ok {
		if err := r.resolve(item, b.caps); err != nil {
			return nil, fmt.Errorf("block %q: %w", item.Name, err)
		}
	}
	return blk, nil
}

// Factory resolves block names to initialized instances.
type Factory struct {
	registry *Registry
	builder  *CapabilityBuilder
}

// NewFactory returns a factory over registry.
func NewFactory(registry *Registry, builder *CapabilityBuilder) *Factory {
	return &Factory{registry: registry, builder: builder}
}

// Registry returns the registry the factory resolves against.
func (f *Factory) Registry() *Registry { return f.registry }

// CreateBlock looks up name, validates args against its schema, builds a
// fresh instance and initializes it with bctx.
func (f *Factory) CreateBlock(ctx context.Context, name string, args map[string]interface{}, bctx ExecContext) (Block, error) {
	item, err := f.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	parsed, err := item.Schema.Validate(args)
	if err != nil {
		return nil, &SchemaError{Block: name, Property: propertyOf(err), Cause: err}
	}

	blk, err := f.builder.Build(item)
	if err != nil {
		return nil, err
	}
	if err := blk.Init(item, parsed, bctx); err != nil {
		return nil, fmt.Errorf("block %q: init: %w", name, err)
	}

	ctxlog.FromContext(ctx).Debug("Block created.", "block", name, "kind", item.Kind, "namespace", bctx.NamespaceID)
	return blk, nil
}
