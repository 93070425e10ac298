package flow

import (
	"context"
	"sort"

	"github.com/dshills/pipeflow/flow/block"
	"github.com/dshills/pipeflow/flow/emit"
	"github.com/dshills/pipeflow/flow/store"
	"github.com/dshills/pipeflow/internal/ctxlog"
)

// DefaultNamespaceLabel labels namespaces created without an explicit label.
const DefaultNamespaceLabel = "Group"

// NamespaceProps describes a namespace to create.
type NamespaceProps struct {
	Name  string
	Label string
}

// CreateNamespace returns the child namespace named props.Name under the
// parent context's namespace, creating it on first use. Reusing the
// existing node keeps documents and workflows keyed to it stable across
// runs.
func (e *Engine) CreateNamespace(ctx context.Context, parent block.ExecContext, props NamespaceProps) (*store.Namespace, error) {
	children, err := e.store.ListChildNamespaces(ctx, parent.NamespaceID)
	if err != nil {
		return nil, storeErr("list namespaces", err)
	}
	for _, ns := range children {
		if ns.Name == props.Name {
			return ns, nil
		}
	}

	label := props.Label
	if label == "" {
		label = DefaultNamespaceLabel
	}
	ns := &store.Namespace{
		WorkspaceID: parent.WorkspaceID,
		PipelineID:  parent.PipelineID,
		ParentID:    parent.NamespaceID,
		Name:        props.Name,
		Label:       label,
	}
	if err := e.store.CreateNamespace(ctx, ns); err != nil {
		return nil, storeErr("create namespace", err)
	}
	ctxlog.FromContext(ctx).Debug("Namespace created.", "namespace_id", ns.ID, "name", ns.Name, "parent_id", ns.ParentID)
	return ns, nil
}

// CleanupNamespace deletes every child namespace of the parent context's
// namespace that none of the produced child contexts refers to. It
// returns the ids it deleted.
func (e *Engine) CleanupNamespace(ctx context.Context, parent block.ExecContext, produced []block.ExecContext) ([]string, error) {
	children, err := e.store.ListChildNamespaces(ctx, parent.NamespaceID)
	if err != nil {
		return nil, storeErr("list namespaces", err)
	}

	referenced := make(map[string]bool, len(produced))
	for _, c := range produced {
		referenced[c.NamespaceID] = true
	}

	var stale []string
	for _, ns := range children {
		if !referenced[ns.ID] {
			stale = append(stale, ns.ID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	sort.Strings(stale)

	if err := e.store.DeleteNamespaces(ctx, stale); err != nil {
		return nil, storeErr("delete namespaces", err)
	}
	e.metrics.AddNamespacesDeleted(len(stale))
	ctxlog.FromContext(ctx).Info("Deleted unreferenced namespaces.", "parent_id", parent.NamespaceID, "count", len(stale))
	return stale, nil
}

func (e *Engine) cleanup(ctx context.Context, r *run, b block.Block, produced []block.ExecContext) error {
	deleted, err := e.CleanupNamespace(ctx, b.Common().Ctx, produced)
	if err != nil {
		return err
	}
	for _, id := range deleted {
		e.emit(r, 0, b.Common().Name, "", emit.MsgNamespaceDeleted, map[string]interface{}{"namespace_id": id})
	}
	return nil
}
