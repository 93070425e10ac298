package flow

import (
	"context"
	"testing"

	"github.com/dshills/pipeflow/flow/block"
	"github.com/dshills/pipeflow/flow/schema"
	"github.com/dshills/pipeflow/flow/store"
	"github.com/dshills/pipeflow/flow/tool"
)

func TestHashDependencies(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		same bool
	}{
		{name: "permutation", a: []string{"d1", "d2", "d3"}, b: []string{"d3", "d1", "d2"}, same: true},
		{name: "different member", a: []string{"d1", "d2"}, b: []string{"d1", "d4"}},
		{name: "subset", a: []string{"d1", "d2"}, b: []string{"d1"}},
		{name: "both empty", a: nil, b: []string{}, same: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HashDependencies(tt.a) == HashDependencies(tt.b)
			if got != tt.same {
				t.Errorf("equal hashes = %v, want %v", got, tt.same)
			}
		})
	}

	if HashDependencies(nil) != "" {
		t.Error("empty set should hash to empty string")
	}
}

func TestHashArgs(t *testing.T) {
	a, err := HashArgs(map[string]interface{}{"x": 1.0, "y": []interface{}{"a"}})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := HashArgs(map[string]interface{}{"y": []interface{}{"a"}, "x": 1.0})
	if a != b {
		t.Error("hash depends on key order")
	}
	c, _ := HashArgs(map[string]interface{}{"x": 2.0, "y": []interface{}{"a"}})
	if a == c {
		t.Error("different args hash equally")
	}
	if h, _ := HashArgs(nil); h != "" {
		t.Errorf("empty args hash = %q", h)
	}
}

func TestDependencyValidator(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	ns := &store.Namespace{PipelineID: "p1", Name: "root"}
	if err := st.CreateNamespace(ctx, ns); err != nil {
		t.Fatal(err)
	}

	addDoc := func(name, workflowID string) *store.Document {
		d := &store.Document{PipelineID: "p1", NamespaceID: ns.ID, WorkflowID: workflowID, Name: name, Type: "document", Version: 1}
		if err := st.CreateDocument(ctx, d); err != nil {
			t.Fatal(err)
		}
		return d
	}
	brief := addDoc("brief", "producer")
	addDoc("brief", "consumer")

	wb := &block.Workflow{Spec: block.WorkflowConfig{
		Dependencies: []block.DependencyConfig{{Name: "brief"}},
	}}
	wf := &store.Workflow{
		ID:          "consumer",
		PipelineID:  "p1",
		NamespaceID: ns.ID,
		Dependencies: []store.Dependency{
			{DocumentID: "unrelated", Name: "notes", Type: "document"},
		},
	}

	vc := &ValidationContext{Store: st, Block: wb, Workflow: wf}
	verdict, err := DependencyValidator{}.Validate(ctx, vc)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Valid {
		t.Error("changed dependency set reported valid")
	}

	ids := dependencyIDs(wf.Dependencies)
	if !sameIDs(ids, []string{"unrelated", brief.ID}) {
		t.Errorf("dependencies = %v, want unrelated + %s", ids, brief.ID)
	}
	if vc.Documents["brief"] == nil || vc.Documents["brief"].ID != brief.ID {
		t.Errorf("deps scope = %v", vc.Documents)
	}

	t.Run("unchanged set is valid", func(t *testing.T) {
		applyHashes(wf, map[string]string{verdict.Target: verdict.Hash})
		wf.Dependencies = []store.Dependency{wf.Dependencies[1], wf.Dependencies[0]}
		again, err := DependencyValidator{}.Validate(ctx, &ValidationContext{Store: st, Block: wb, Workflow: wf})
		if err != nil {
			t.Fatal(err)
		}
		if !again.Valid {
			t.Error("reordered dependency set reported invalid")
		}
	})
}

func TestFirstRunAndOptionValidators(t *testing.T) {
	ctx := context.Background()
	wb := &block.Workflow{}
	wb.Args = map[string]interface{}{"topic": "a"}
	wf := &store.Workflow{Hashes: map[string]string{}}
	vc := &ValidationContext{Block: wb, Workflow: wf}

	valid, updates, err := canSkipRun(ctx, []Validator{FirstRunValidator{}, OptionValidator{}}, vc)
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Error("first run reported valid")
	}
	applyHashes(wf, updates)

	valid, _, _ = canSkipRun(ctx, []Validator{FirstRunValidator{}, OptionValidator{}}, vc)
	if !valid {
		t.Error("unchanged workflow reported invalid")
	}

	wb.Args = map[string]interface{}{"topic": "b"}
	valid, _, _ = canSkipRun(ctx, []Validator{FirstRunValidator{}, OptionValidator{}}, vc)
	if valid {
		t.Error("changed args reported valid")
	}
}

func TestWorkflow_RerunsWhenDependencyChanges(t *testing.T) {
	recorder := &tool.MockTool{ToolName: "recorder"}

	producer := workflowDef("producer", transitions(
		transition("write", "start", "end", map[string]interface{}{
			"call": []interface{}{map[string]interface{}{
				"tool": tool.DocumentWriteName,
				"args": map[string]interface{}{"name": "brief", "contents": "${args.topic}"},
			}},
		}),
	))
	producer.Schema = schema.Schema{Properties: map[string]schema.Property{"topic": {Type: "string"}}}

	consumer := workflowDef("consumer", map[string]interface{}{
		"dependencies": []interface{}{map[string]interface{}{"name": "brief"}},
		"transitions": []interface{}{
			transition("read", "start", "end", map[string]interface{}{
				"call": []interface{}{map[string]interface{}{
					"tool": "recorder",
					"args": map[string]interface{}{"text": "${deps.brief.contents}"},
				}},
			}),
		},
	})

	f := newFixture(t, []tool.Tool{recorder, tool.NewDocumentTool()}, []block.Definition{
		producer,
		consumer,
		pipelineDef("root",
			map[string]interface{}{"block": "producer", "args": map[string]interface{}{"topic": "${args.topic}"}},
			map[string]interface{}{"block": "consumer"},
		),
	})
	id := f.pipeline("root", map[string]interface{}{"topic": "a"})

	f.mustRun(id, Payload{})
	f.mustRun(id, Payload{})
	if recorder.CallCount() != 1 {
		t.Fatalf("recorder calls after unchanged rerun = %d, want 1", recorder.CallCount())
	}

	ctx := context.Background()
	p, _ := f.store.GetPipeline(ctx, id)
	p.Args = map[string]interface{}{"topic": "b"}
	if err := f.store.SavePipeline(ctx, p); err != nil {
		t.Fatal(err)
	}
	f.mustRun(id, Payload{})

	if recorder.CallCount() != 2 {
		t.Fatalf("recorder calls = %d, want 2", recorder.CallCount())
	}
	if got := recorder.Calls[1].Args["text"]; got != "b" {
		t.Errorf("consumer saw %v, want b", got)
	}

	wf := f.rootWorkflow(id, "consumer")
	if len(wf.History) != 2 {
		t.Errorf("consumer history = %d entries, want 2", len(wf.History))
	}
	if _, ok := wf.PrevData["read"]; !ok {
		t.Errorf("prevData lost the previous run: %v", wf.PrevData)
	}
}
