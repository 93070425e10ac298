package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/pipeflow/flow/llm"
	"github.com/dshills/pipeflow/flow/schema"
	"github.com/dshills/pipeflow/flow/store"
)

// ChatName is the default id of the chat tool.
const ChatName = "llm.chat"

// ChatTool sends a prompt to a chat model.
//
// Arguments: prompt (required), system, context (any value, rendered as
// JSON after the prompt) and document (a name; when set the reply is also
// written as a "text" document).
type ChatTool struct {
	name  string
	model llm.ChatModel
}

// NewChatTool creates a chat tool bound to model. An empty name uses
// ChatName, which lets several models be registered side by side.
func NewChatTool(name string, model llm.ChatModel) *ChatTool {
	if name == "" {
		name = ChatName
	}
	return &ChatTool{name: name, model: model}
}

// Name implements Tool.
func (c *ChatTool) Name() string { return c.name }

// Schema implements Tool.
func (c *ChatTool) Schema() schema.Schema {
	return schema.Schema{Properties: map[string]schema.Property{
		"prompt":   {Type: "string", Required: true},
		"system":   {Type: "string"},
		"context":  {},
		"document": {Type: "string"},
	}}
}

// Call implements Tool.
func (c *ChatTool) Call(ctx context.Context, args map[string]interface{}) (*Result, error) {
	prompt := stringArg(args, "prompt")
	if prompt == "" {
		return nil, fmt.Errorf("prompt parameter required (string)")
	}
	if extra, ok := args["context"]; ok && extra != nil {
		data, err := json.MarshalIndent(extra, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode context: %w", err)
		}
		prompt += "\n\n" + string(data)
	}

	var messages []llm.Message
	if system := stringArg(args, "system"); system != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	resp, err := c.model.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}

	res := OK(map[string]interface{}{
		"text":          resp.Text,
		"model":         resp.Model,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	})
	if name := stringArg(args, "document"); name != "" {
		res.Effects.AddWorkflowDocuments = []store.DocumentDraft{{
			Name:     name,
			Type:     "text",
			Contents: resp.Text,
			Meta:     map[string]interface{}{"model": resp.Model},
		}}
	}
	return res, nil
}
