package expr

import (
	"html"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// allowedDirectives are the only template directives accepted.
var allowedDirectives = map[string]bool{
	"if":     true,
	"else":   true,
	"endif":  true,
	"for":    true,
	"endfor": true,
}

// TemplateHandler renders strings that mix literal text with "${...}"
// interpolations and "%{if}"/"%{for}" directives. Templates cannot call
// functions or index with computed keys.
type TemplateHandler struct {
	validator *Validator
	maxSize   int
	escape    bool
}

// Handle implements Handler.
func (h *TemplateHandler) Handle(value string, scope *Scope) (interface{}, bool, error) {
	if !strings.Contains(value, Sigil) && !strings.Contains(value, DirectiveSigil) {
		return nil, false, nil
	}
	if h.maxSize > 0 && len(value) > h.maxSize {
		return nil, true, newError(KindTemplateTooLarge, truncate(value), "template size %d exceeds limit %d", len(value), h.maxSize)
	}

	spans, err := scanSpans(value)
	if err != nil {
		return nil, true, err
	}
	for _, sp := range spans {
		if err := h.checkSpan(sp); err != nil {
			return nil, true, err
		}
	}

	tmpl, diags := hclsyntax.ParseTemplate([]byte(value), "template", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, true, &Error{Kind: KindInvalidFormat, Expression: truncate(value), Message: diags.Error(), Cause: diags}
	}
	if err := h.validator.checkTree(truncate(value), tmpl, false); err != nil {
		return nil, true, err
	}

	evalCtx, err := h.evalContext(scope)
	if err != nil {
		return nil, true, err
	}
	val, diags := tmpl.Value(evalCtx)
	if diags.HasErrors() {
		return nil, true, &Error{Kind: KindEvaluationFailed, Expression: truncate(value), Message: diags.Error(), Cause: diags}
	}
	str, err := convert.Convert(val, cty.String)
	if err != nil || str.IsNull() || !str.IsKnown() {
		return nil, true, newError(KindEvaluationFailed, truncate(value), "template did not render to a string")
	}
	return str.AsString(), true, nil
}

func (h *TemplateHandler) checkSpan(sp span) error {
	if !sp.directive {
		return h.validator.checkText(sp.content)
	}
	keyword, rest, _ := strings.Cut(sp.content, " ")
	if !allowedDirectives[keyword] {
		return newError(KindHelperNotAllowed, sp.content, "template directive %q is not allowed", keyword)
	}
	switch keyword {
	case "if":
		return h.validator.checkText(rest)
	case "for":
		_, coll, found := strings.Cut(rest, " in ")
		if !found {
			return newError(KindInvalidFormat, sp.content, "for directive must have the form \"for x in collection\"")
		}
		return h.validator.checkText(coll)
	}
	return nil
}

func (h *TemplateHandler) evalContext(scope *Scope) (*hcl.EvalContext, error) {
	if !h.escape {
		return scope.ctx, nil
	}
	if scope.escaped == nil {
		vars, err := toCtyVars(escapeStrings(scope.vars).(map[string]interface{}))
		if err != nil {
			return nil, err
		}
		scope.escaped = &hcl.EvalContext{Variables: vars}
	}
	return scope.escaped, nil
}

// escapeStrings returns a copy of v with every string HTML-escaped.
func escapeStrings(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return html.EscapeString(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = escapeStrings(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = escapeStrings(item)
		}
		return out
	}
	return v
}
