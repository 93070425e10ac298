package flow

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/dshills/pipeflow/flow/block"
	"github.com/dshills/pipeflow/flow/expr"
	"github.com/dshills/pipeflow/flow/store"
)

// processPipelineBlock runs the children of a pipeline or workspace in
// declared order. Each child sees the snapshots of earlier siblings as
// "blocks". Container children (pipelines, factories) get a namespace of
// their own under this block's namespace.
func (e *Engine) processPipelineBlock(ctx context.Context, r *run, b block.Block) error {
	var spec block.PipelineConfig
	switch v := b.(type) {
	case *block.Pipeline:
		spec = v.Spec
	case *block.Workspace:
		spec = v.Spec
	default:
		return fmt.Errorf("unexpected block type %T for kind %s", b, b.Kind())
	}
	c := b.Common()

	results := map[string]interface{}{}
	var produced []block.ExecContext
	for _, child := range spec.Blocks {
		id := child.ID
		if id == "" {
			id = child.Block
		}
		path := fmt.Sprintf("blocks[%s]", id)

		vars := map[string]interface{}{
			"args":   c.Args,
			"ctx":    c.Ctx.Vars(),
			"blocks": results,
		}
		if err := e.refuseWorkflowRefs(b, path, child.Args, child.Labels); err != nil {
			return err
		}
		args, err := e.evaluateArgs(child.Args, vars)
		if err != nil {
			return traceErr(b, path+".args", err)
		}
		labels, err := e.evaluateLabels(child.Labels, vars)
		if err != nil {
			return traceErr(b, path+".labels", err)
		}

		childCtx := c.Ctx.Child(c.Ctx.NamespaceID, mergeLabels(c.Ctx.Labels, labels))
		if def, err := e.registry.Lookup(child.Block); err == nil && isContainer(def.Kind) {
			label, _ := def.Config["label"].(string)
			ns, err := e.CreateNamespace(ctx, c.Ctx, NamespaceProps{Name: id, Label: label})
			if err != nil {
				return traceErr(b, path, err)
			}
			childCtx.NamespaceID = ns.ID
			produced = append(produced, childCtx)
		}

		childBlock, err := e.factory.CreateBlock(ctx, child.Block, args, childCtx)
		if err != nil {
			return traceErr(b, path, err)
		}
		childBlock.Common().ID = id
		if err := e.process(ctx, r, childBlock); err != nil {
			return err
		}
		results[id] = block.Snapshot(childBlock)
	}

	c.State["blocks"] = results
	return e.cleanup(ctx, r, b, produced)
}

// processFactory instantiates its block once per item, each in a
// namespace named by the item's index, then reclaims namespaces of items
// that no longer exist.
func (e *Engine) processFactory(ctx context.Context, r *run, b block.Block) error {
	f, ok := b.(*block.FactoryBlock)
	if !ok {
		return fmt.Errorf("unexpected block type %T for kind %s", b, b.Kind())
	}
	c := f.Common()

	if err := e.refuseWorkflowRefs(b, "items", f.Spec.Items, f.Spec.Args); err != nil {
		return err
	}
	base := map[string]interface{}{"args": c.Args, "ctx": c.Ctx.Vars()}
	rawItems, err := e.evaluator.EvaluateTree(f.Spec.Items, base)
	if err != nil {
		return traceErr(b, "items", err)
	}
	items, err := asList(rawItems)
	if err != nil {
		return traceErr(b, "items", err)
	}

	outputs := make([]interface{}, 0, len(items))
	produced := make([]block.ExecContext, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("items[%d]", i)
		ns, err := e.CreateNamespace(ctx, c.Ctx, NamespaceProps{Name: strconv.Itoa(i), Label: f.Spec.Label})
		if err != nil {
			return traceErr(b, path, err)
		}
		childCtx := c.Ctx.Child(ns.ID, c.Ctx.Labels)
		produced = append(produced, childCtx)

		vars := map[string]interface{}{
			"args":  c.Args,
			"ctx":   childCtx.Vars(),
			"item":  item,
			"index": i,
		}
		args, err := e.evaluateArgs(f.Spec.Args, vars)
		if err != nil {
			return traceErr(b, path+".args", err)
		}

		child, err := e.factory.CreateBlock(ctx, f.Spec.Block, args, childCtx)
		if err != nil {
			return traceErr(b, path, err)
		}
		child.Common().ID = fmt.Sprintf("%s[%d]", c.ID, i)
		if err := e.process(ctx, r, child); err != nil {
			return err
		}
		outputs = append(outputs, block.Snapshot(child))
	}

	c.State["items"] = outputs
	return e.cleanup(ctx, r, b, produced)
}

// processDocument exposes the latest valid version of the named document
// visible from the block's namespace, or across the pipeline when global.
func (e *Engine) processDocument(ctx context.Context, r *run, b block.Block) error {
	d, ok := b.(*block.Document)
	if !ok {
		return fmt.Errorf("unexpected block type %T for kind %s", b, b.Kind())
	}
	c := d.Common()

	q := store.DocumentQuery{
		PipelineID: c.Ctx.PipelineID,
		Name:       d.Spec.Name,
		Type:       d.Spec.Type,
		Global:     d.Spec.Global,
	}
	if !d.Spec.Global {
		q.NamespaceIDs = []string{c.Ctx.NamespaceID}
	}
	docs, err := e.store.QueryDocuments(ctx, q)
	if err != nil {
		return storeErr("query documents", err)
	}
	c.State["name"] = d.Spec.Name
	c.State["type"] = d.Spec.Type
	if len(docs) == 0 {
		c.State["contents"] = nil
		return nil
	}
	latest := docs[len(docs)-1]
	c.Processor = latest.ID
	for k, v := range documentView(latest) {
		c.State[k] = v
	}
	return nil
}

// processTool runs a tool block outside a workflow; its data becomes the
// block's output. Effects need a workflow and are ignored here.
func (e *Engine) processTool(ctx context.Context, r *run, b block.Block) error {
	t, ok := b.(*block.Tool)
	if !ok || t.Impl == nil {
		return fmt.Errorf("tool block %q has no tool", b.Common().Name)
	}
	c := t.Common()
	res, err := e.callTool(ctx, t.Impl, c.Args)
	if err != nil {
		return err
	}
	if !res.Success {
		return &EngineError{Code: CodeToolFailed, Message: fmt.Sprintf("tool %s: %s", t.Impl.Name(), res.Message())}
	}
	c.State["data"] = res.Data
	return nil
}

func (e *Engine) refuseWorkflowRefs(b block.Block, path string, values ...interface{}) error {
	for _, v := range values {
		for _, root := range expr.RootReferences(v) {
			if root == "workflow" {
				return &WorkflowValidationError{Block: b.Common().Name, Path: path}
			}
		}
	}
	return nil
}

func (e *Engine) evaluateArgs(raw map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	out, err := e.evaluator.EvaluateTree(raw, vars)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("args evaluated to %T, want object", out)
	}
	return m, nil
}

func (e *Engine) evaluateLabels(raw map[string]interface{}, vars map[string]interface{}) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	evaluated, err := e.evaluateArgs(raw, vars)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(evaluated))
	for k, v := range evaluated {
		labels[k] = labelString(v)
	}
	return labels, nil
}

func labelString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func mergeLabels(parent, child map[string]string) map[string]string {
	if len(parent) == 0 && len(child) == 0 {
		return nil
	}
	out := make(map[string]string, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range child {
		out[k] = v
	}
	return out
}

func isContainer(k block.Kind) bool {
	return k == block.KindPipeline || k == block.KindWorkspace || k == block.KindFactory
}

// asList accepts a list, or an object whose values are taken in key order.
func asList(v interface{}) ([]interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return t, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = t[k]
		}
		return out, nil
	}
	return nil, fmt.Errorf("items evaluated to %T, want a list", v)
}

func documentView(doc *store.Document) map[string]interface{} {
	return map[string]interface{}{
		"id":       doc.ID,
		"name":     doc.Name,
		"type":     doc.Type,
		"version":  doc.Version,
		"contents": doc.Contents,
		"meta":     doc.Meta,
	}
}
