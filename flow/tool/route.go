package tool

import (
	"context"
	"fmt"

	"github.com/dshills/pipeflow/flow/schema"
)

// RouteName is the id of the place router.
const RouteName = "workflow.route"

// RouteTool overrides the landing place of the calling transition. The
// place must still be one the transition declares.
type RouteTool struct{}

// NewRouteTool returns the place router.
func NewRouteTool() *RouteTool { return &RouteTool{} }

// Name implements Tool.
func (r *RouteTool) Name() string { return RouteName }

// Schema implements Tool.
func (r *RouteTool) Schema() schema.Schema {
	return schema.Schema{Properties: map[string]schema.Property{
		"place": {Type: "string", Required: true},
	}}
}

// Call implements Tool.
func (r *RouteTool) Call(ctx context.Context, args map[string]interface{}) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	place := stringArg(args, "place")
	if place == "" {
		return nil, fmt.Errorf("place parameter required (string)")
	}
	return &Result{
		Success: true,
		Data:    map[string]interface{}{"place": place},
		Effects: Effects{SetTransitionPlace: place},
	}, nil
}
