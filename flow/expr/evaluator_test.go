package expr

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func testVars() map[string]interface{} {
	return map[string]interface{}{
		"args": map[string]interface{}{
			"topic": "go",
			"count": 3,
			"ok":    true,
			"items": []interface{}{"a", "b", "c"},
			"html":  "<b>bold</b>",
			"i":     1,
		},
		"data": map[string]interface{}{
			"draft": map[string]interface{}{
				"text":  "hello",
				"score": 0.5,
			},
		},
	}
}

func TestEvaluator_PathExpressions(t *testing.T) {
	e := New(DefaultOptions())
	tests := []struct {
		name  string
		input string
		want  interface{}
	}{
		{"string", "${args.topic}", "go"},
		{"number", "${args.count}", float64(3)},
		{"bool", "${args.ok}", true},
		{"index", "${args.items[1]}", "b"},
		{"quoted index", `${data["draft"].text}`, "hello"},
		{"dynamic index", "${args.items[args.i]}", "b"},
		{"comparison", "${args.count > 2}", true},
		{"conditional", `${args.ok ? "yes" : "no"}`, "yes"},
		{"object", "${data.draft}", map[string]interface{}{"text": "hello", "score": 0.5}},
		{"list", "${args.items}", []interface{}{"a", "b", "c"}},
		{"try fallback", `${try(args.missing, "fallback")}`, "fallback"},
		{"length", "${length(args.items)}", float64(3)},
		{"surrounding whitespace", "  ${args.topic}  ", "go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.input, testVars())
			if err != nil {
				t.Fatalf("Evaluate(%q) error = %v", tt.input, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Evaluate(%q) = %#v, want %#v", tt.input, got, tt.want)
			}
		})
	}
}

func TestEvaluator_Templates(t *testing.T) {
	e := New(DefaultOptions())
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"interpolation", "Write about ${args.topic}!", "Write about go!"},
		{"number interpolation", "n=${args.count}", "n=3"},
		{"two interpolations", "${args.topic}/${data.draft.text}", "go/hello"},
		{"if", "%{ if args.ok }yes%{ else }no%{ endif }", "yes"},
		{"for", "%{ for x in args.items }${x}%{ endfor }", "abc"},
		{"escaped sigil", "cost $${price} for ${args.topic}", "cost ${price} for go"},
		{"no escaping by default", "v: ${args.html}", "v: <b>bold</b>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.input, testVars())
			if err != nil {
				t.Fatalf("Evaluate(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEvaluator_EscapeOutput(t *testing.T) {
	opts := DefaultOptions()
	opts.EscapeOutput = true
	e := New(opts)

	got, err := e.Evaluate("v: ${args.html}", testVars())
	if err != nil {
		t.Fatal(err)
	}
	if got != "v: &lt;b&gt;bold&lt;/b&gt;" {
		t.Errorf("got %q", got)
	}

	// Path expressions return raw values regardless of escaping.
	raw, err := e.Evaluate("${args.html}", testVars())
	if err != nil {
		t.Fatal(err)
	}
	if raw != "<b>bold</b>" {
		t.Errorf("raw = %q", raw)
	}
}

func TestEvaluator_Passthrough(t *testing.T) {
	e := New(DefaultOptions())
	for _, v := range []interface{}{42, true, nil, "plain text", "braces } alone {", 1.5} {
		got, err := e.Evaluate(v, testVars())
		if err != nil {
			t.Fatalf("Evaluate(%v) error = %v", v, err)
		}
		if !reflect.DeepEqual(got, v) {
			t.Errorf("Evaluate(%v) = %v", v, got)
		}
	}
}

func TestEvaluator_Errors(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxLength = 40
	opts.MaxDepth = 3
	opts.MaxTemplateSize = 100
	e := New(opts)

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"missing brace", "${args.topic", ErrMissingClosingBrace},
		{"missing brace in template", "hi ${args.topic", ErrMissingClosingBrace},
		{"empty", "${ }", ErrEmptyExpression},
		{"too long", "${" + strings.Repeat("a", 41) + "}", ErrTooLong},
		{"too deep", "${a.b.c.d}", ErrDepthExceeded},
		{"proto", "${args.__proto__}", ErrSecurityViolation},
		{"double underscore", "${args.__secret}", ErrSecurityViolation},
		{"constructor string key", `${args["constructor"]}`, ErrSecurityViolation},
		{"prototype", "${args.prototype}", ErrSecurityViolation},
		{"global root", "${process.env}", ErrSecurityViolation},
		{"fractional index", "${args.items[1.5]}", ErrInvalidSegment},
		{"computed denied key", `${args[join("",["con","structor"])]}`, ErrSecurityViolation},
		{"computed denied key in try", `${try(args[lower("CONSTRUCTOR")],1)}`, ErrSecurityViolation},
		{"unresolved dynamic key", "${args.items[args.nope]}", ErrInvalidSegment},
		{"loop variable key", `${[for k in ["a"]: args[k]]}`, ErrInvalidSegment},
		{"syntax error", "${args..topic}", ErrInvalidFormat},
		{"unknown attribute", "${args.missing}", ErrEvaluationFailed},
		{"function not allowed", `${file("x")}`, ErrHelperNotAllowed},
		{"template function", "hi ${upper(args.topic)}", ErrHelperNotAllowed},
		{"template dynamic index", "hi ${args.items[args.i]}", ErrInvalidSegment},
		{"template directive", "%{ include x }", ErrHelperNotAllowed},
		{"template too large", "${args.topic}" + strings.Repeat("x", 100), ErrTemplateTooLarge},
		{"template proto", "hi ${args.__proto__}", ErrSecurityViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Evaluate(tt.input, testVars())
			if !errors.Is(err, tt.want) {
				t.Errorf("Evaluate(%q) error = %v, want %v", tt.input, err, tt.want.(*Error).Kind)
			}
		})
	}
}

func TestEvaluator_EvaluateTree(t *testing.T) {
	e := New(DefaultOptions())
	tree := map[string]interface{}{
		"prompt": "About ${args.topic}",
		"count":  "${args.count}",
		"nested": []interface{}{"${args.items[0]}", 7, map[string]interface{}{"x": "${args.ok}"}},
		"static": "text",
		"labels": map[string]string{"lang": "${args.topic}"},
	}
	got, err := e.EvaluateTree(tree, testVars())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]interface{}{
		"prompt": "About go",
		"count":  float64(3),
		"nested": []interface{}{"a", 7, map[string]interface{}{"x": true}},
		"static": "text",
		"labels": map[string]interface{}{"lang": "go"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EvaluateTree() = %#v\nwant %#v", got, want)
	}
	if tree["prompt"] != "About ${args.topic}" {
		t.Error("EvaluateTree must not modify its input")
	}
}

func TestEvaluator_ScopeIsSanitized(t *testing.T) {
	e := New(DefaultOptions())
	vars := map[string]interface{}{
		"args": map[string]interface{}{
			"fn":        func() {},
			"prototype": "x",
			"ok":        "yes",
		},
	}
	if _, err := e.Evaluate("${args.fn}", vars); !errors.Is(err, ErrEvaluationFailed) {
		t.Errorf("functions must not be reachable, got %v", err)
	}
	got, err := e.Evaluate("${args.ok}", vars)
	if err != nil || got != "yes" {
		t.Errorf("Evaluate() = %v, %v", got, err)
	}
}

func TestRootReferences(t *testing.T) {
	tree := map[string]interface{}{
		"a": "${workflow.place}",
		"b": []interface{}{"x ${args.topic} ${data.y}"},
		"c": "no refs",
		"d": "${broken",
	}
	got := RootReferences(tree)
	want := []string{"args", "data", "workflow"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RootReferences() = %v, want %v", got, want)
	}
}
