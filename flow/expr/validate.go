package expr

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// DefaultDeniedRoots are names that may never be used as the root of a path.
var DefaultDeniedRoots = []string{"globalThis", "global", "window", "process", "require", "module", "eval", "Function"}

var identToken = regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*`)

// Validator enforces the structural limits on an expression body before it
// is evaluated: length, traversal depth, denylisted names and segments.
type Validator struct {
	MaxLength   int
	MaxDepth    int
	DeniedNames []string
	DeniedRoots []string

	// Functions lists the function names an expression may call.
	Functions map[string]bool
}

// Validate checks an expression body (the text between "${" and "}").
func (v *Validator) Validate(content string) error {
	_, err := v.parse(content, true)
	return err
}

// parse validates content and returns its syntax tree.
func (v *Validator) parse(content string, allowDynamicIndex bool) (hclsyntax.Expression, error) {
	if err := v.checkText(content); err != nil {
		return nil, err
	}
	expr, diags := hclsyntax.ParseExpression([]byte(content), "expression", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, &Error{Kind: KindInvalidFormat, Expression: content, Message: diags.Error(), Cause: diags}
	}
	if err := v.checkTree(content, expr, allowDynamicIndex); err != nil {
		return nil, err
	}
	return expr, nil
}

// checkText runs the checks that need no parsing.
func (v *Validator) checkText(content string) error {
	if strings.TrimSpace(content) == "" {
		return newError(KindEmptyExpression, content, "expression is empty")
	}
	if v.MaxLength > 0 && len(content) > v.MaxLength {
		return newError(KindTooLong, truncate(content), "expression length %d exceeds limit %d", len(content), v.MaxLength)
	}
	for _, tok := range identToken.FindAllString(content, -1) {
		if v.deniedName(tok) {
			return newError(KindSecurityViolation, content, "access to %q is not allowed", tok)
		}
	}
	return nil
}

func (v *Validator) deniedName(name string) bool {
	if strings.HasPrefix(name, "__") {
		return true
	}
	for _, d := range v.DeniedNames {
		if name == d {
			return true
		}
	}
	return false
}

func (v *Validator) deniedRoot(name string) bool {
	for _, d := range v.DeniedRoots {
		if name == d {
			return true
		}
	}
	return false
}

// checkTree walks the parsed expression checking traversal depth, roots,
// index segments and function calls.
func (v *Validator) checkTree(content string, root hclsyntax.Expression, allowDynamicIndex bool) error {
	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	walk(root, func(node hclsyntax.Expression) {
		switch e := node.(type) {
		case *hclsyntax.ScopeTraversalExpr:
			if v.deniedRoot(e.Traversal.RootName()) {
				fail(newError(KindSecurityViolation, content, "access to %q is not allowed", e.Traversal.RootName()))
			}
			if err := v.checkTraversal(content, e.Traversal); err != nil {
				fail(err)
			}
			if d := len(e.Traversal); v.MaxDepth > 0 && d > v.MaxDepth {
				fail(newError(KindDepthExceeded, content, "path depth %d exceeds limit %d", d, v.MaxDepth))
			}
		case *hclsyntax.RelativeTraversalExpr:
			if err := v.checkTraversal(content, e.Traversal); err != nil {
				fail(err)
			}
			if d := chainDepth(e); v.MaxDepth > 0 && d > v.MaxDepth {
				fail(newError(KindDepthExceeded, content, "path depth %d exceeds limit %d", d, v.MaxDepth))
			}
		case *hclsyntax.IndexExpr:
			if lit, ok := e.Key.(*hclsyntax.LiteralValueExpr); ok {
				if err := checkIndexKey(content, lit.Val); err != nil {
					fail(err)
				}
			} else if !allowDynamicIndex {
				fail(newError(KindInvalidSegment, content, "dynamic index lookups are not allowed in templates"))
			}
			if d := chainDepth(e); v.MaxDepth > 0 && d > v.MaxDepth {
				fail(newError(KindDepthExceeded, content, "path depth %d exceeds limit %d", d, v.MaxDepth))
			}
		case *hclsyntax.FunctionCallExpr:
			if !v.Functions[e.Name] {
				fail(newError(KindHelperNotAllowed, content, "function %q is not allowed", e.Name))
			}
		}
	})
	return firstErr
}

func (v *Validator) checkTraversal(content string, t hcl.Traversal) error {
	for _, step := range t {
		switch s := step.(type) {
		case hcl.TraverseAttr:
			if v.deniedName(s.Name) {
				return newError(KindSecurityViolation, content, "access to %q is not allowed", s.Name)
			}
		case hcl.TraverseIndex:
			if err := checkIndexKey(content, s.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkDynamicKeys resolves every non-literal index key of root in ctx and
// applies the segment checks to the result before the expression itself is
// evaluated. A key that cannot be resolved up front is rejected.
func (v *Validator) checkDynamicKeys(content string, root hclsyntax.Expression, ctx *hcl.EvalContext) error {
	var firstErr error
	walk(root, func(node hclsyntax.Expression) {
		e, ok := node.(*hclsyntax.IndexExpr)
		if !ok || firstErr != nil {
			return
		}
		if _, lit := e.Key.(*hclsyntax.LiteralValueExpr); lit {
			return
		}
		key, diags := e.Key.Value(ctx)
		if diags.HasErrors() {
			firstErr = newError(KindInvalidSegment, content, "index key cannot be resolved: %s", diags.Error())
			return
		}
		if err := checkIndexKey(content, key); err != nil {
			firstErr = err
			return
		}
		if key.Type() == cty.String && v.deniedName(key.AsString()) {
			firstErr = newError(KindSecurityViolation, content, "access to %q is not allowed", key.AsString())
		}
	})
	return firstErr
}

// checkIndexKey accepts string keys and whole non-negative numbers.
func checkIndexKey(content string, key cty.Value) error {
	if key.IsNull() || !key.IsKnown() {
		return newError(KindInvalidSegment, content, "index key must be known and non-null")
	}
	switch key.Type() {
	case cty.String:
		return nil
	case cty.Number:
		bf := key.AsBigFloat()
		if bf.Sign() < 0 || !bf.IsInt() {
			return newError(KindInvalidSegment, content, "index %s must be a whole non-negative number", bf.Text('f', -1))
		}
		if bf.Cmp(big.NewFloat(1<<31)) >= 0 {
			return newError(KindInvalidSegment, content, "index %s is out of range", bf.Text('f', -1))
		}
		return nil
	}
	return newError(KindInvalidSegment, content, "index key of type %s is not allowed", key.Type().FriendlyName())
}

// chainDepth counts the segments of an attribute/index access chain.
func chainDepth(e hclsyntax.Expression) int {
	switch t := e.(type) {
	case *hclsyntax.ScopeTraversalExpr:
		return len(t.Traversal)
	case *hclsyntax.RelativeTraversalExpr:
		return chainDepth(t.Source) + len(t.Traversal)
	case *hclsyntax.IndexExpr:
		return chainDepth(t.Collection) + 1
	case *hclsyntax.SplatExpr:
		return chainDepth(t.Source) + 1
	case *hclsyntax.ParenthesesExpr:
		return chainDepth(t.Expression)
	}
	return 1
}

// walk calls visit for expr and every expression nested in it.
func walk(expr hclsyntax.Expression, visit func(hclsyntax.Expression)) {
	if expr == nil {
		return
	}
	visit(expr)
	switch e := expr.(type) {
	case *hclsyntax.FunctionCallExpr:
		for _, arg := range e.Args {
			walk(arg, visit)
		}
	case *hclsyntax.BinaryOpExpr:
		walk(e.LHS, visit)
		walk(e.RHS, visit)
	case *hclsyntax.ConditionalExpr:
		walk(e.Condition, visit)
		walk(e.TrueResult, visit)
		walk(e.FalseResult, visit)
	case *hclsyntax.UnaryOpExpr:
		walk(e.Val, visit)
	case *hclsyntax.TemplateExpr:
		for _, part := range e.Parts {
			walk(part, visit)
		}
	case *hclsyntax.TemplateWrapExpr:
		walk(e.Wrapped, visit)
	case *hclsyntax.TemplateJoinExpr:
		walk(e.Tuple, visit)
	case *hclsyntax.TupleConsExpr:
		for _, item := range e.Exprs {
			walk(item, visit)
		}
	case *hclsyntax.ObjectConsExpr:
		for _, item := range e.Items {
			walk(item.KeyExpr, visit)
			walk(item.ValueExpr, visit)
		}
	case *hclsyntax.ObjectConsKeyExpr:
		walk(e.Wrapped, visit)
	case *hclsyntax.ForExpr:
		walk(e.CollExpr, visit)
		walk(e.KeyExpr, visit)
		walk(e.ValExpr, visit)
		walk(e.CondExpr, visit)
	case *hclsyntax.IndexExpr:
		walk(e.Collection, visit)
		walk(e.Key, visit)
	case *hclsyntax.RelativeTraversalExpr:
		walk(e.Source, visit)
	case *hclsyntax.SplatExpr:
		walk(e.Source, visit)
		walk(e.Each, visit)
	case *hclsyntax.ParenthesesExpr:
		walk(e.Expression, visit)
	}
}

func truncate(s string) string {
	if len(s) > maxErrorSnippet {
		return s[:maxErrorSnippet] + "..."
	}
	return s
}
