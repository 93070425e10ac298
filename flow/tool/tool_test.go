package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/pipeflow/flow/llm"
)

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(NewDocumentTool(), NewRouteTool())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	t.Run("lookup", func(t *testing.T) {
		got, err := r.Lookup(RouteName)
		if err != nil {
			t.Fatal(err)
		}
		if got.Name() != RouteName {
			t.Errorf("Name = %q", got.Name())
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := r.Lookup("nope"); !errors.Is(err, ErrToolNotFound) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		if err := r.Register(NewRouteTool()); err == nil {
			t.Error("expected duplicate error")
		}
	})

	t.Run("empty name", func(t *testing.T) {
		if err := r.Register(&MockTool{}); err == nil {
			t.Error("expected empty-name error")
		}
	})

	t.Run("names sorted", func(t *testing.T) {
		names := r.Names()
		if len(names) != 2 || names[0] != DocumentWriteName || names[1] != RouteName {
			t.Errorf("Names = %v", names)
		}
	})
}

func TestEffectsMerge(t *testing.T) {
	var acc Effects
	doc, _ := NewDocumentTool().Call(context.Background(), map[string]interface{}{"name": "a", "contents": 1})
	route, _ := NewRouteTool().Call(context.Background(), map[string]interface{}{"place": "review"})

	acc.Merge(doc.Effects)
	acc.Merge(route.Effects)
	acc.Merge(Effects{})

	if len(acc.AddWorkflowDocuments) != 1 || acc.AddWorkflowDocuments[0].Name != "a" {
		t.Errorf("documents = %+v", acc.AddWorkflowDocuments)
	}
	if acc.AddWorkflowDocuments[0].Type != "document" {
		t.Errorf("default type = %q", acc.AddWorkflowDocuments[0].Type)
	}
	if acc.SetTransitionPlace != "review" {
		t.Errorf("place = %q", acc.SetTransitionPlace)
	}
	if acc.Commit {
		t.Error("commit should be false")
	}
}

func TestDocumentToolCommit(t *testing.T) {
	res, err := NewDocumentTool().Call(context.Background(), map[string]interface{}{
		"name": "draft", "type": "md", "contents": "# hi", "commit": true,
		"meta": map[string]interface{}{"lang": "en"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Persist || !res.Effects.Commit {
		t.Errorf("result = %+v", res)
	}
	if res.Effects.AddWorkflowDocuments[0].Meta["lang"] != "en" {
		t.Errorf("meta = %v", res.Effects.AddWorkflowDocuments[0].Meta)
	}
}

func TestRouteToolRequiresPlace(t *testing.T) {
	if _, err := NewRouteTool().Call(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("expected error")
	}
}

func TestResultMessage(t *testing.T) {
	tests := []struct {
		name string
		res  *Result
		want string
	}{
		{"failed helper", Failed("nope"), "nope"},
		{"string data", &Result{Data: "bad"}, "bad"},
		{"no message", &Result{}, "tool reported failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.res.Message(); got != tt.want {
				t.Errorf("Message() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChatTool(t *testing.T) {
	model := &llm.MockChatModel{Responses: []llm.Response{{Text: "summary", Model: "m", InputTokens: 1, OutputTokens: 2}}}
	tool := NewChatTool("", model)
	if tool.Name() != ChatName {
		t.Errorf("Name = %q", tool.Name())
	}

	res, err := tool.Call(context.Background(), map[string]interface{}{
		"prompt":   "summarize",
		"system":   "be terse",
		"context":  map[string]interface{}{"k": "v"},
		"document": "summary",
	})
	if err != nil {
		t.Fatal(err)
	}
	data := res.Data.(map[string]interface{})
	if data["text"] != "summary" || data["output_tokens"] != 2 {
		t.Errorf("data = %v", data)
	}
	if len(res.Effects.AddWorkflowDocuments) != 1 || res.Effects.AddWorkflowDocuments[0].Contents != "summary" {
		t.Errorf("effects = %+v", res.Effects)
	}

	calls := model.Calls()
	if len(calls) != 1 || len(calls[0]) != 2 || calls[0][0].Role != llm.RoleSystem {
		t.Fatalf("calls = %+v", calls)
	}
	if want := "summarize\n\n{\n  \"k\": \"v\"\n}"; calls[0][1].Content != want {
		t.Errorf("prompt = %q", calls[0][1].Content)
	}
}

func TestChatToolModelError(t *testing.T) {
	boom := errors.New("quota")
	tool := NewChatTool("llm.fast", &llm.MockChatModel{Err: boom})
	if _, err := tool.Call(context.Background(), map[string]interface{}{"prompt": "x"}); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestMockTool(t *testing.T) {
	m := &MockTool{ToolName: "m", Results: []*Result{OK(1), OK(2)}}
	ctx := context.Background()
	var got []interface{}
	for i := 0; i < 3; i++ {
		r, err := m.Call(ctx, map[string]interface{}{"i": i})
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, r.Data)
	}
	if got[0] != 1 || got[1] != 2 || got[2] != 2 {
		t.Errorf("data = %v", got)
	}
	if m.CallCount() != 3 {
		t.Errorf("CallCount = %d", m.CallCount())
	}
	m.Reset()
	if m.CallCount() != 0 {
		t.Error("Reset did not clear calls")
	}
}
