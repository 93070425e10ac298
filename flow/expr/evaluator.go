// Package expr evaluates "${...}" expressions and mixed-content templates
// embedded in block configuration.
//
// A value that is exactly one "${path}" expression evaluates to the raw
// typed result. A string mixing text with "${...}" interpolations or
// "%{if}"/"%{for}" directives renders as a template. Anything else passes
// through unchanged. Expressions use HCL syntax and only see the sanitized
// variables they are given.
package expr

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/tryfunc"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Options configures an Evaluator.
type Options struct {
	// MaxLength bounds the length of a single expression body.
	MaxLength int

	// MaxDepth bounds the number of segments in an access path.
	MaxDepth int

	// MaxTemplateSize bounds the length of a template string.
	MaxTemplateSize int

	// SanitizeDepth bounds the nesting of variables exposed to expressions.
	SanitizeDepth int

	// EscapeOutput HTML-escapes every string a template interpolates.
	EscapeOutput bool

	DeniedNames []string
	DeniedRoots []string

	Logger *slog.Logger
}

// DefaultOptions returns the default limits.
func DefaultOptions() Options {
	return Options{
		MaxLength:       1000,
		MaxDepth:        16,
		MaxTemplateSize: 64 * 1024,
		SanitizeDepth:   32,
		DeniedNames:     DefaultDeniedNames,
		DeniedRoots:     DefaultDeniedRoots,
	}
}

// Handler claims and evaluates one string dialect.
type Handler interface {
	// Handle returns handled=false when value is not in its dialect.
	Handle(value string, scope *Scope) (result interface{}, handled bool, err error)
}

// Evaluator dispatches strings to the path handler, then the template
// handler, and passes everything else through.
type Evaluator struct {
	opts      Options
	sanitizer *Sanitizer
	handlers  []Handler
	logger    *slog.Logger
}

// New creates an Evaluator. Zero limits fall back to DefaultOptions.
func New(opts Options) *Evaluator {
	def := DefaultOptions()
	if opts.MaxLength <= 0 {
		opts.MaxLength = def.MaxLength
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if opts.MaxTemplateSize <= 0 {
		opts.MaxTemplateSize = def.MaxTemplateSize
	}
	if opts.SanitizeDepth <= 0 {
		opts.SanitizeDepth = def.SanitizeDepth
	}
	if opts.DeniedNames == nil {
		opts.DeniedNames = def.DeniedNames
	}
	if opts.DeniedRoots == nil {
		opts.DeniedRoots = def.DeniedRoots
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	funcs := pathFunctions()
	allowed := make(map[string]bool, len(funcs))
	for name := range funcs {
		allowed[name] = true
	}
	pathValidator := &Validator{
		MaxLength:   opts.MaxLength,
		MaxDepth:    opts.MaxDepth,
		DeniedNames: opts.DeniedNames,
		DeniedRoots: opts.DeniedRoots,
		Functions:   allowed,
	}
	templateValidator := &Validator{
		MaxLength:   opts.MaxLength,
		MaxDepth:    opts.MaxDepth,
		DeniedNames: opts.DeniedNames,
		DeniedRoots: opts.DeniedRoots,
		Functions:   map[string]bool{},
	}

	return &Evaluator{
		opts:      opts,
		sanitizer: &Sanitizer{MaxDepth: opts.SanitizeDepth, DeniedNames: opts.DeniedNames, Logger: logger},
		handlers: []Handler{
			&PathHandler{validator: pathValidator, functions: funcs},
			&TemplateHandler{validator: templateValidator, maxSize: opts.MaxTemplateSize, escape: opts.EscapeOutput},
		},
		logger: logger,
	}
}

// Options returns the effective options.
func (e *Evaluator) Options() Options { return e.opts }

// Scope is a sanitized variable set ready for evaluation.
type Scope struct {
	vars    map[string]interface{}
	ctx     *hcl.EvalContext
	escaped *hcl.EvalContext
}

// Has reports whether name is a root variable of the scope.
func (s *Scope) Has(name string) bool {
	_, ok := s.vars[name]
	return ok
}

// NewScope sanitizes vars and converts them for evaluation.
func (e *Evaluator) NewScope(vars map[string]interface{}) (*Scope, error) {
	clean := e.sanitizer.Sanitize(vars)
	ctxVars, err := toCtyVars(clean)
	if err != nil {
		return nil, err
	}
	return &Scope{vars: clean, ctx: &hcl.EvalContext{Variables: ctxVars}}, nil
}

func toCtyVars(vars map[string]interface{}) (map[string]cty.Value, error) {
	out := make(map[string]cty.Value, len(vars))
	for _, k := range sortedKeys(vars) {
		cv, err := ToCty(vars[k])
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

// Evaluate evaluates a single value against vars. Non-string values are
// returned unchanged.
func (e *Evaluator) Evaluate(value interface{}, vars map[string]interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	scope, err := e.NewScope(vars)
	if err != nil {
		return nil, err
	}
	return e.EvaluateString(s, scope)
}

// EvaluateString evaluates s in scope.
func (e *Evaluator) EvaluateString(s string, scope *Scope) (interface{}, error) {
	for _, h := range e.handlers {
		result, handled, err := h.Handle(s, scope)
		if err != nil {
			return nil, err
		}
		if handled {
			return result, nil
		}
	}
	return s, nil
}

// EvaluateTree evaluates every string found in maps and slices nested in
// value, returning a new tree.
func (e *Evaluator) EvaluateTree(value interface{}, vars map[string]interface{}) (interface{}, error) {
	scope, err := e.NewScope(vars)
	if err != nil {
		return nil, err
	}
	return e.EvaluateTreeIn(value, scope)
}

// EvaluateTreeIn is EvaluateTree with a prepared scope.
func (e *Evaluator) EvaluateTreeIn(value interface{}, scope *Scope) (interface{}, error) {
	switch t := value.(type) {
	case string:
		return e.EvaluateString(t, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			ev, err := e.EvaluateTreeIn(v, scope)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = ev
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			ev, err := e.EvaluateTreeIn(v, scope)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			ev, err := e.EvaluateString(v, scope)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = ev
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(t))
		for i, v := range t {
			ev, err := e.EvaluateString(v, scope)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	}
	return value, nil
}

// pathFunctions is the allowlist of functions callable from path expressions.
func pathFunctions() map[string]function.Function {
	return map[string]function.Function{
		"try":      tryfunc.TryFunc,
		"can":      tryfunc.CanFunc,
		"length":   stdlib.LengthFunc,
		"coalesce": stdlib.CoalesceFunc,
		"upper":    stdlib.UpperFunc,
		"lower":    stdlib.LowerFunc,
		"keys":     stdlib.KeysFunc,
		"contains": stdlib.ContainsFunc,
		"join":     stdlib.JoinFunc,
	}
}
