package expr

import (
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// RootReferences returns the sorted root variable names referenced by any
// expression or template found in value (walking maps and slices).
// Strings that fail to parse contribute nothing.
func RootReferences(value interface{}) []string {
	seen := map[string]bool{}
	collectRoots(value, seen)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func collectRoots(value interface{}, seen map[string]bool) {
	switch t := value.(type) {
	case string:
		for _, name := range stringRoots(t) {
			seen[name] = true
		}
	case map[string]interface{}:
		for _, v := range t {
			collectRoots(v, seen)
		}
	case []interface{}:
		for _, v := range t {
			collectRoots(v, seen)
		}
	}
}

func stringRoots(s string) []string {
	var parsed hclsyntax.Expression
	if complete, err := IsCompleteExpression(s); err == nil && complete {
		content, _ := ExtractExpressionContent(s)
		expr, diags := hclsyntax.ParseExpression([]byte(content), "expression", hcl.InitialPos)
		if diags.HasErrors() {
			return nil
		}
		parsed = expr
	} else if containsSigil(s) {
		tmpl, diags := hclsyntax.ParseTemplate([]byte(s), "template", hcl.InitialPos)
		if diags.HasErrors() {
			return nil
		}
		parsed = tmpl
	} else {
		return nil
	}

	var roots []string
	for _, traversal := range parsed.Variables() {
		roots = append(roots, traversal.RootName())
	}
	return roots
}

func containsSigil(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if (s[i] == '$' || s[i] == '%') && s[i+1] == '{' {
			return true
		}
	}
	return false
}
