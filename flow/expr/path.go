package expr

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty/function"
)

// PathHandler evaluates strings that consist of exactly one "${...}"
// expression and returns the raw typed result.
type PathHandler struct {
	validator *Validator
	functions map[string]function.Function
}

// Handle implements Handler.
func (h *PathHandler) Handle(value string, scope *Scope) (interface{}, bool, error) {
	complete, err := IsCompleteExpression(value)
	if err != nil {
		return nil, true, err
	}
	if !complete {
		return nil, false, nil
	}
	content, err := ExtractExpressionContent(value)
	if err != nil {
		return nil, true, err
	}

	parsed, err := h.validator.parse(content, true)
	if err != nil {
		return nil, true, err
	}

	evalCtx := &hcl.EvalContext{Variables: scope.ctx.Variables, Functions: h.functions}
	if err := h.validator.checkDynamicKeys(content, parsed, evalCtx); err != nil {
		return nil, true, err
	}
	val, diags := parsed.Value(evalCtx)
	if diags.HasErrors() {
		return nil, true, &Error{Kind: KindEvaluationFailed, Expression: content, Message: diags.Error(), Cause: diags}
	}
	native, err := FromCty(val)
	if err != nil {
		return nil, true, &Error{Kind: KindEvaluationFailed, Expression: content, Message: err.Error(), Cause: err}
	}
	return native, true, nil
}
