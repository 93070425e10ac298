package tool

import (
	"context"
	"fmt"

	"github.com/dshills/pipeflow/flow/schema"
	"github.com/dshills/pipeflow/flow/store"
)

// DocumentWriteName is the id of the document writer.
const DocumentWriteName = "document.write"

// DocumentTool asks the calling workflow to store a document. The new
// version supersedes earlier versions with the same name and type.
//
// With commit=true the document is stored as soon as the call returns
// instead of when the transition commits, so it survives a later
// failure in the same transition.
type DocumentTool struct{}

// NewDocumentTool returns the document writer.
func NewDocumentTool() *DocumentTool { return &DocumentTool{} }

// Name implements Tool.
func (d *DocumentTool) Name() string { return DocumentWriteName }

// Schema implements Tool.
func (d *DocumentTool) Schema() schema.Schema {
	return schema.Schema{Properties: map[string]schema.Property{
		"name":     {Type: "string", Required: true},
		"type":     {Type: "string", Default: "document"},
		"contents": {Required: true},
		"meta":     {Description: "document metadata"},
		"commit":   {Type: "bool", Default: false},
	}}
}

// Call implements Tool.
func (d *DocumentTool) Call(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := stringArg(args, "name")
	if name == "" {
		return nil, fmt.Errorf("name parameter required (string)")
	}
	draft := store.DocumentDraft{
		Name:     name,
		Type:     stringArg(args, "type"),
		Contents: args["contents"],
	}
	if draft.Type == "" {
		draft.Type = "document"
	}
	if meta, ok := args["meta"].(map[string]interface{}); ok {
		draft.Meta = meta
	}

	res := OK(map[string]interface{}{"name": draft.Name, "type": draft.Type})
	res.Effects = Effects{
		AddWorkflowDocuments: []store.DocumentDraft{draft},
		Commit:               boolArg(args, "commit"),
	}
	return res, nil
}
