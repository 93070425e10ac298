package block

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/dshills/pipeflow/flow/expr"
)

// HCLSource reads every *.hcl file under a directory (or a single file).
//
//	block "summarize" {
//	  type    = "workflow"
//	  inputs  = ["topic"]
//	  schema  = { properties = { topic = { type = "string", required = true } } }
//	  config  = {
//	    transitions = [{ id = "go", from = "start", to = "end" }]
//	  }
//	}
//
// Attribute values are static; write "$${args.topic}" to keep a literal
// "${args.topic}" for the engine to evaluate.
type HCLSource string

func (s HCLSource) String() string { return string(s) }

type hclFile struct {
	Blocks []*hclBlock `hcl:"block,block"`
	Remain hcl.Body    `hcl:",remain"`
}

type hclBlock struct {
	Name    string         `hcl:"name,label"`
	Type    string         `hcl:"type,optional"`
	Inputs  []string       `hcl:"inputs,optional"`
	Outputs []string       `hcl:"outputs,optional"`
	Schema  hcl.Expression `hcl:"schema,optional"`
	Config  hcl.Expression `hcl:"config,optional"`
}

// Declarations implements Source.
func (s HCLSource) Declarations(ctx context.Context) ([]Declaration, error) {
	files, err := findFiles(string(s), ".hcl")
	if err != nil {
		return nil, err
	}

	parser := hclparse.NewParser()
	var decls []Declaration
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		var root hclFile
		if diags := gohcl.DecodeBody(f.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		for _, b := range root.Blocks {
			decl, err := b.declaration()
			if err != nil {
				return nil, fmt.Errorf("%s: block %q: %w", file, b.Name, err)
			}
			decl.Source = file
			decls = append(decls, decl)
		}
	}
	return decls, nil
}

func (b *hclBlock) declaration() (Declaration, error) {
	decl := Declaration{
		Name:    b.Name,
		Type:    b.Type,
		Inputs:  b.Inputs,
		Outputs: b.Outputs,
	}

	config, err := staticValue(b.Config)
	if err != nil {
		return decl, fmt.Errorf("config: %w", err)
	}
	if config != nil {
		m, ok := config.(map[string]interface{})
		if !ok {
			return decl, fmt.Errorf("config must be an object")
		}
		decl.Config = m
	}

	rawSchema, err := staticValue(b.Schema)
	if err != nil {
		return decl, fmt.Errorf("schema: %w", err)
	}
	if rawSchema != nil {
		if err := Decode(rawSchema, &decl.Schema); err != nil {
			return decl, fmt.Errorf("schema: %w", err)
		}
	}
	return decl, nil
}

func staticValue(e hcl.Expression) (interface{}, error) {
	if e == nil {
		return nil, nil
	}
	v, diags := e.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	return expr.FromCty(v)
}
