package flow

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/dshills/pipeflow/flow/block"
	"github.com/dshills/pipeflow/flow/emit"
	"github.com/dshills/pipeflow/flow/schema"
	"github.com/dshills/pipeflow/flow/store"
	"github.com/dshills/pipeflow/flow/tool"
)

func TestWorkflow_ReachesEnd(t *testing.T) {
	f := newFixture(t, nil, []block.Definition{
		workflowDef("wf", transitions(
			transition("t1", "start", "a", map[string]interface{}{"when": "onEntry"}),
			transition("t2", "a", "end", map[string]interface{}{"when": "onEntry"}),
		)),
	})
	id := f.pipeline("wf", nil)

	out := f.mustRun(id, Payload{})
	if out["place"] != "end" {
		t.Errorf("place = %v, want end", out["place"])
	}
	if out["status"] != string(store.StatusCompleted) {
		t.Errorf("status = %v, want completed", out["status"])
	}

	wf := f.rootWorkflow(id, "wf")
	want := [][2]string{{"start", "a"}, {"a", "end"}}
	if got := historyPairs(wf); !reflect.DeepEqual(got, want) {
		t.Errorf("history = %v, want %v", got, want)
	}
	if wf.History[0].Transition != "t1" || wf.History[1].Transition != "t2" {
		t.Errorf("history transitions = %s, %s", wf.History[0].Transition, wf.History[1].Transition)
	}
	if wf.Status != store.StatusCompleted {
		t.Errorf("stored status = %s", wf.Status)
	}

	t.Run("rerun with unchanged inputs fires nothing", func(t *testing.T) {
		f.mustRun(id, Payload{})
		wf := f.rootWorkflow(id, "wf")
		if len(wf.History) != 2 {
			t.Errorf("history length = %d, want 2", len(wf.History))
		}
		if wf.Status != store.StatusCompleted {
			t.Errorf("status = %s, want completed", wf.Status)
		}
	})
}

func TestWorkflow_SuspendsWithoutAutomaticTransition(t *testing.T) {
	f := newFixture(t, nil, []block.Definition{
		workflowDef("wf", transitions(
			transition("draft", "start", "review", nil),
			transition("approve", "review", "end", map[string]interface{}{"when": "manual"}),
		)),
	})
	id := f.pipeline("wf", nil)

	out := f.mustRun(id, Payload{})
	if out["place"] != "review" || out["status"] != string(store.StatusWaiting) {
		t.Fatalf("got place=%v status=%v, want review/waiting", out["place"], out["status"])
	}
	wf := f.rootWorkflow(id, "wf")
	if len(wf.PlaceInfo) != 1 || wf.PlaceInfo[0].ID != "approve" || !wf.PlaceInfo[0].Manual {
		t.Errorf("PlaceInfo = %+v", wf.PlaceInfo)
	}
}

func TestWorkflow_OnErrorRedirects(t *testing.T) {
	setter := &tool.MockTool{ToolName: "setter", Results: []*tool.Result{tool.OK(map[string]interface{}{"v": "x"})}}
	boom := &tool.MockTool{ToolName: "boom", Err: errors.New("kaboom")}

	def := workflowDef("wf", transitions(
		transition("t1", "start", "a", map[string]interface{}{
			"onError": "errorPlace",
			"call": []interface{}{
				map[string]interface{}{"tool": "setter", "assign": map[string]interface{}{"note": "${result.v}"}},
				map[string]interface{}{"tool": "boom"},
			},
		}),
	))
	def.Schema = schema.Schema{Properties: map[string]schema.Property{"note": {Type: "string"}}}

	f := newFixture(t, []tool.Tool{setter, boom}, []block.Definition{def})
	id := f.pipeline("wf", nil)

	out := f.mustRun(id, Payload{})
	if out["place"] != "errorPlace" {
		t.Fatalf("place = %v, want errorPlace", out["place"])
	}

	wf := f.rootWorkflow(id, "wf")
	if wf.Error != "" {
		t.Errorf("Error = %q, want empty", wf.Error)
	}
	if got := wf.CurrData["t1"]["error"]; got != "kaboom" {
		t.Errorf("data[t1].error = %v, want kaboom", got)
	}
	if _, ok := wf.Args["note"]; ok {
		t.Errorf("assign from the failed transition survived: %v", wf.Args)
	}
	if got := historyPairs(wf); !reflect.DeepEqual(got, [][2]string{{"start", "errorPlace"}}) {
		t.Errorf("history = %v", got)
	}
	if wf.Status != store.StatusWaiting {
		t.Errorf("status = %s, want waiting", wf.Status)
	}
	if n := len(f.events(emit.MsgTransitionRedirect)); n != 1 {
		t.Errorf("redirect events = %d, want 1", n)
	}
}

func TestWorkflow_ErrorWithoutOnErrorFails(t *testing.T) {
	boom := &tool.MockTool{ToolName: "boom", Err: errors.New("kaboom")}
	f := newFixture(t, []tool.Tool{boom}, []block.Definition{
		workflowDef("wf", transitions(
			transition("t1", "start", "end", map[string]interface{}{
				"call": []interface{}{map[string]interface{}{"tool": "boom"}},
			}),
		)),
	})
	id := f.pipeline("wf", nil)

	_, err := f.run(id, Payload{})
	if err == nil {
		t.Fatal("expected error")
	}
	var trace *ConfigTraceError
	if !errors.As(err, &trace) {
		t.Fatalf("error %T is not a ConfigTraceError", err)
	}
	if trace.Block != "wf" {
		t.Errorf("trace block = %q", trace.Block)
	}
	if !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("error %q does not mention the cause", err)
	}

	wf := f.rootWorkflow(id, "wf")
	if wf.Status != store.StatusFailed || !strings.Contains(wf.Error, "kaboom") {
		t.Errorf("status=%s error=%q", wf.Status, wf.Error)
	}
	if wf.Place != "start" {
		t.Errorf("place = %s, want start", wf.Place)
	}
}

func TestWorkflow_UnsuccessfulToolResult(t *testing.T) {
	flaky := &tool.MockTool{ToolName: "flaky", Results: []*tool.Result{tool.Failed("upstream said no")}}
	f := newFixture(t, []tool.Tool{flaky}, []block.Definition{
		workflowDef("wf", transitions(
			transition("t1", "start", "end", map[string]interface{}{
				"onError": "retry",
				"call":    []interface{}{map[string]interface{}{"tool": "flaky"}},
			}),
		)),
	})
	id := f.pipeline("wf", nil)
	f.mustRun(id, Payload{})

	wf := f.rootWorkflow(id, "wf")
	msg, _ := wf.CurrData["t1"]["error"].(string)
	if !strings.Contains(msg, "upstream said no") {
		t.Errorf("data[t1].error = %q", msg)
	}
	if wf.Place != "retry" {
		t.Errorf("place = %s, want retry", wf.Place)
	}
}

func TestWorkflow_LoopGuard(t *testing.T) {
	m := newTestMetrics()
	f := newFixture(t, nil, []block.Definition{
		workflowDef("spin", transitions(
			transition("enter", "start", "a", nil),
			transition("ab", "a", "b", nil),
			transition("ba", "b", "a", nil),
		)),
	}, WithMaxIterations(5), WithMetrics(m))
	id := f.pipeline("spin", nil)

	_, err := f.run(id, Payload{})
	if !errors.Is(err, ErrLoopExceeded) {
		t.Fatalf("err = %v, want ErrLoopExceeded", err)
	}
	wf := f.rootWorkflow(id, "spin")
	if len(wf.History) != 5 {
		t.Errorf("history length = %d, want 5", len(wf.History))
	}
	if wf.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed", wf.Status)
	}
	if got := counterValue(t, m.loopGuardTrips.WithLabelValues("spin")); got != 1 {
		t.Errorf("loop guard trips = %v, want 1", got)
	}
}

func TestWorkflow_CallResultsAndAssign(t *testing.T) {
	fetch := &tool.MockTool{ToolName: "fetch", Results: []*tool.Result{tool.OK(map[string]interface{}{"title": "Hello"})}}
	echo := &tool.MockTool{ToolName: "echo", Results: []*tool.Result{tool.OK(map[string]interface{}{"said": "Hello!"})}}
	quiet := &tool.MockTool{ToolName: "quiet", Results: []*tool.Result{{Success: true, Data: "ignored"}}}

	def := workflowDef("wf", map[string]interface{}{
		"transitions": []interface{}{
			transition("t1", "start", "end", map[string]interface{}{
				"call": []interface{}{
					map[string]interface{}{"tool": "fetch", "id": "page"},
					map[string]interface{}{
						"tool":   "echo",
						"args":   map[string]interface{}{"text": "${calls.page.title}!"},
						"assign": map[string]interface{}{"greeting": "${result.said}"},
					},
					map[string]interface{}{"tool": "quiet"},
				},
			}),
		},
		"result": map[string]interface{}{"greeting": "${args.greeting}"},
	})
	def.Schema = schema.Schema{Properties: map[string]schema.Property{"greeting": {Type: "string"}}}

	f := newFixture(t, []tool.Tool{fetch, echo, quiet}, []block.Definition{def})
	id := f.pipeline("wf", nil)
	out := f.mustRun(id, Payload{})

	if got := echo.Calls[0].Args["text"]; got != "Hello!" {
		t.Errorf("echo text = %v, want Hello!", got)
	}

	wf := f.rootWorkflow(id, "wf")
	data := wf.CurrData["t1"]
	for _, key := range []string{"0", "page", "1"} {
		if _, ok := data[key]; !ok {
			t.Errorf("data[t1] missing %q: %v", key, data)
		}
	}
	if _, ok := data["2"]; ok {
		t.Errorf("non-persisted result recorded: %v", data["2"])
	}
	if wf.Args["greeting"] != "Hello!" {
		t.Errorf("args.greeting = %v", wf.Args["greeting"])
	}
	result, _ := out["result"].(map[string]interface{})
	if result["greeting"] != "Hello!" {
		t.Errorf("result = %v", out["result"])
	}
}

func TestWorkflow_AssignUndeclaredInput(t *testing.T) {
	echo := &tool.MockTool{ToolName: "echo"}
	f := newFixture(t, []tool.Tool{echo}, []block.Definition{
		workflowDef("wf", transitions(
			transition("t1", "start", "end", map[string]interface{}{
				"call": []interface{}{map[string]interface{}{
					"tool":   "echo",
					"assign": map[string]interface{}{"nope": "x"},
				}},
			}),
		)),
	})
	_, err := f.run(f.pipeline("wf", nil), Payload{})
	if !errors.Is(err, block.ErrUndeclaredInput) {
		t.Fatalf("err = %v, want ErrUndeclaredInput", err)
	}
}

func TestWorkflow_RouteOverridesLanding(t *testing.T) {
	tests := []struct {
		name    string
		place   string
		wantErr bool
	}{
		{name: "declared place", place: "rejected"},
		{name: "undeclared place", place: "elsewhere", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []tool.Tool{tool.NewRouteTool()}, []block.Definition{
				workflowDef("wf", transitions(
					map[string]interface{}{
						"id":   "decide",
						"from": "start",
						"to":   []interface{}{"approved", "rejected"},
						"call": []interface{}{map[string]interface{}{
							"tool": tool.RouteName,
							"args": map[string]interface{}{"place": tt.place},
						}},
					},
				)),
			})
			id := f.pipeline("wf", nil)
			out, err := f.run(id, Payload{})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidLanding) {
					t.Fatalf("err = %v, want ErrInvalidLanding", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ProcessPipeline: %v", err)
			}
			if out["place"] != tt.place {
				t.Errorf("place = %v, want %s", out["place"], tt.place)
			}
		})
	}
}

func TestWorkflow_TemplatedTransitions(t *testing.T) {
	def := workflowDef("wf", transitions(
		transition("go", "start", "${args.target}", nil),
	))
	def.Schema = schema.Schema{Properties: map[string]schema.Property{"target": {Type: "string", Default: "end"}}}
	f := newFixture(t, nil, []block.Definition{def})

	out := f.mustRun(f.pipeline("wf", nil), Payload{})
	if out["place"] != "end" {
		t.Errorf("place = %v, want end", out["place"])
	}
}

func TestWorkflow_ToolTimeout(t *testing.T) {
	slow := &tool.MockTool{
		ToolName: "slow",
		CallFunc: func(ctx context.Context, args map[string]interface{}) (*tool.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f := newFixture(t, []tool.Tool{slow}, []block.Definition{
		workflowDef("wf", transitions(
			transition("t1", "start", "end", map[string]interface{}{
				"onError": "timedOut",
				"call":    []interface{}{map[string]interface{}{"tool": "slow"}},
			}),
		)),
	}, WithToolTimeout(10*time.Millisecond))
	id := f.pipeline("wf", nil)
	f.mustRun(id, Payload{})

	wf := f.rootWorkflow(id, "wf")
	if wf.Place != "timedOut" {
		t.Errorf("place = %s, want timedOut", wf.Place)
	}
	msg, _ := wf.CurrData["t1"]["error"].(string)
	if !strings.Contains(msg, CodeToolTimeout) {
		t.Errorf("data[t1].error = %q, want %s", msg, CodeToolTimeout)
	}
}

func TestWorkflow_Events(t *testing.T) {
	f := newFixture(t, nil, []block.Definition{
		workflowDef("wf", transitions(transition("t1", "start", "end", nil))),
	})
	f.mustRun(f.pipeline("wf", nil), Payload{})

	var msgs []string
	for _, e := range f.events("") {
		msgs = append(msgs, e.Msg)
	}
	want := []string{
		emit.MsgWorkflowStart,
		emit.MsgWorkflowInvalidated,
		emit.MsgTransitionSelected,
		emit.MsgTransitionCommitted,
		emit.MsgWorkflowEnd,
	}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("events = %v, want %v", msgs, want)
	}
}

func TestWorkflowTransitions_ConfigOutOfSync(t *testing.T) {
	reg := block.NewRegistry()
	reg.MustRegister(workflowDef("wf", transitions(transition("t1", "start", "end", nil))))
	def, err := reg.Lookup("wf")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		raw  interface{}
	}{
		{name: "not a list", raw: "t1"},
		{name: "length differs", raw: []interface{}{}},
		{name: "missing", raw: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &block.Workflow{}
			if err := w.Init(def, nil, block.ExecContext{}); err != nil {
				t.Fatal(err)
			}
			w.Config = map[string]interface{}{"transitions": tt.raw}

			wr := &workflowRun{w: w}
			_, err := wr.transitions()
			var trace *ConfigTraceError
			if !errors.As(err, &trace) {
				t.Fatalf("err = %v, want ConfigTraceError", err)
			}
			if trace.Path != "transitions" {
				t.Errorf("path = %q, want transitions", trace.Path)
			}
		})
	}
}
