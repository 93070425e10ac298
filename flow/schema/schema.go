// Package schema declares and validates the argument objects accepted by
// blocks and tools. Property types are HCL type expressions such as
// "string", "list(string)" or "object({name=string})".
package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/typeexpr"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/dshills/pipeflow/flow/expr"
)

// ErrInvalid is matched by every validation failure.
var ErrInvalid = errors.New("schema validation failed")

// Error describes a single property that failed validation.
type Error struct {
	Property string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Property == "" {
		return e.Message
	}
	return fmt.Sprintf("property %q: %s", e.Property, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches ErrInvalid.
func (e *Error) Is(target error) bool { return target == ErrInvalid }

// Property declares one argument.
type Property struct {
	Type        string      `yaml:"type" mapstructure:"type" json:"type,omitempty"`
	Required    bool        `yaml:"required" mapstructure:"required" json:"required,omitempty"`
	Default     interface{} `yaml:"default" mapstructure:"default" json:"default,omitempty"`
	Description string      `yaml:"description" mapstructure:"description" json:"description,omitempty"`
}

// Schema is an object schema. The zero value accepts anything.
type Schema struct {
	Properties      map[string]Property `yaml:"properties" mapstructure:"properties" json:"properties,omitempty"`
	AllowAdditional bool                `yaml:"additional" mapstructure:"additional" json:"additional,omitempty"`
}

// IsZero reports whether s declares nothing, in which case Validate
// passes arguments through untouched.
func (s Schema) IsZero() bool {
	return len(s.Properties) == 0 && !s.AllowAdditional
}

// Names returns the declared property names, sorted.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check parses every property type and reports the first malformed one.
func (s Schema) Check() error {
	for _, name := range s.Names() {
		if _, err := parseType(s.Properties[name].Type); err != nil {
			return &Error{Property: name, Message: "invalid type", Cause: err}
		}
	}
	return nil
}

// Validate applies defaults, checks required properties and converts each
// value to its declared type. It returns a new map; args is not modified.
func (s Schema) Validate(args map[string]interface{}) (map[string]interface{}, error) {
	if s.IsZero() {
		out := make(map[string]interface{}, len(args))
		for k, v := range args {
			out[k] = v
		}
		return out, nil
	}

	out := make(map[string]interface{}, len(s.Properties))
	for _, name := range s.Names() {
		prop := s.Properties[name]
		value, ok := args[name]
		if !ok || value == nil {
			if prop.Default != nil {
				value, ok = prop.Default, true
			} else if prop.Required {
				return nil, &Error{Property: name, Message: "is required"}
			} else {
				continue
			}
		}

		converted, err := coerce(prop.Type, value)
		if err != nil {
			return nil, &Error{Property: name, Message: err.Error(), Cause: err}
		}
		out[name] = converted
	}

	for k, v := range args {
		if _, declared := s.Properties[k]; declared {
			continue
		}
		if !s.AllowAdditional {
			return nil, &Error{Property: k, Message: "is not declared"}
		}
		out[k] = v
	}
	return out, nil
}

func coerce(typeExpr string, value interface{}) (interface{}, error) {
	ty, err := parseType(typeExpr)
	if err != nil {
		return nil, err
	}
	if ty == cty.DynamicPseudoType {
		return value, nil
	}
	cv, err := expr.ToCty(value)
	if err != nil {
		return nil, err
	}
	converted, err := convert.Convert(cv, ty)
	if err != nil {
		return nil, fmt.Errorf("want %s: %w", ty.FriendlyName(), err)
	}
	return expr.FromCty(converted)
}

var typeCache sync.Map

// parseType parses an HCL type expression. An empty string means any.
func parseType(s string) (cty.Type, error) {
	if s == "" {
		return cty.DynamicPseudoType, nil
	}
	if cached, ok := typeCache.Load(s); ok {
		return cached.(cty.Type), nil
	}

	e, diags := hclsyntax.ParseExpression([]byte(s), "type", hcl.InitialPos)
	if diags.HasErrors() {
		return cty.NilType, diags
	}
	ty, diags := typeexpr.TypeConstraint(e)
	if diags.HasErrors() {
		return cty.NilType, diags
	}
	typeCache.Store(s, ty)
	return ty, nil
}
