package flow

import (
	"context"
	"testing"

	"github.com/dshills/pipeflow/flow/block"
	"github.com/dshills/pipeflow/flow/emit"
	"github.com/dshills/pipeflow/flow/store"
	"github.com/dshills/pipeflow/flow/tool"
)

// fixture wires an engine over an in-memory store, a buffered emitter and
// the given tools and block definitions.
type fixture struct {
	t        *testing.T
	registry *block.Registry
	tools    *tool.Registry
	store    *store.MemStore
	emitter  *emit.BufferedEmitter
	engine   *Engine
}

func newFixture(t *testing.T, tools []tool.Tool, defs []block.Definition, opts ...Option) *fixture {
	t.Helper()

	tr, err := tool.NewRegistry(tools...)
	if err != nil {
		t.Fatalf("tool registry: %v", err)
	}
	reg := block.NewRegistry()
	if err := block.RegisterTools(reg, tr); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Name, err)
		}
	}

	f := &fixture{
		t:        t,
		registry: reg,
		tools:    tr,
		store:    store.NewMemStore(),
		emitter:  emit.NewBufferedEmitter(),
	}
	opts = append([]Option{WithEmitter(f.emitter)}, opts...)
	f.engine, err = New(reg, tr, f.store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

// pipeline stores a pipeline rooted at blockName and returns its id.
func (f *fixture) pipeline(blockName string, args map[string]interface{}) string {
	f.t.Helper()
	p := &store.Pipeline{WorkspaceID: "ws-1", Block: blockName, Args: args}
	if err := f.store.SavePipeline(context.Background(), p); err != nil {
		f.t.Fatalf("SavePipeline: %v", err)
	}
	return p.ID
}

func (f *fixture) run(pipelineID string, payload Payload) (map[string]interface{}, error) {
	return f.engine.ProcessPipeline(context.Background(), pipelineID, "user-1", payload)
}

func (f *fixture) mustRun(pipelineID string, payload Payload) map[string]interface{} {
	f.t.Helper()
	out, err := f.run(pipelineID, payload)
	if err != nil {
		f.t.Fatalf("ProcessPipeline: %v", err)
	}
	return out
}

// rootWorkflow loads the workflow named name that runs directly in the
// pipeline's root namespace.
func (f *fixture) rootWorkflow(pipelineID, name string) *store.Workflow {
	f.t.Helper()
	ctx := context.Background()
	p, err := f.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		f.t.Fatalf("GetPipeline: %v", err)
	}
	wf, err := f.store.FindWorkflow(ctx, store.WorkflowKey{NamespaceID: p.NamespaceID, BlockName: name})
	if err != nil {
		f.t.Fatalf("FindWorkflow(%s): %v", name, err)
	}
	return wf
}

// events returns every event of the most recent runs, in order.
func (f *fixture) events(msg string) []emit.Event {
	var out []emit.Event
	for _, id := range f.emitter.RunIDs() {
		for _, e := range f.emitter.GetHistory(id) {
			if msg == "" || e.Msg == msg {
				out = append(out, e)
			}
		}
	}
	return out
}

func workflowDef(name string, config map[string]interface{}) block.Definition {
	return block.Definition{
		Name:        name,
		Constructor: func() block.Block { return &block.Workflow{} },
		Config:      config,
	}
}

func pipelineDef(name string, children ...map[string]interface{}) block.Definition {
	blocks := make([]interface{}, len(children))
	for i, c := range children {
		blocks[i] = c
	}
	return block.Definition{
		Name:        name,
		Constructor: func() block.Block { return &block.Pipeline{} },
		Config:      map[string]interface{}{"blocks": blocks},
	}
}

func transition(id, from, to string, extra map[string]interface{}) map[string]interface{} {
	t := map[string]interface{}{"id": id, "from": from, "to": to}
	for k, v := range extra {
		t[k] = v
	}
	return t
}

func transitions(ts ...map[string]interface{}) map[string]interface{} {
	list := make([]interface{}, len(ts))
	for i, t := range ts {
		list[i] = t
	}
	return map[string]interface{}{"transitions": list}
}

func historyPairs(wf *store.Workflow) [][2]string {
	out := make([][2]string, len(wf.History))
	for i, h := range wf.History {
		out[i] = [2]string{h.From, h.To}
	}
	return out
}
