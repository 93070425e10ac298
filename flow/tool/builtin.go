package tool

import (
	"net/http"

	"github.com/dshills/pipeflow/flow/llm"
)

// Builtins returns the built-in tools. Chat models are registered under
// their map key (use ChatName for the default).
func Builtins(client *http.Client, models map[string]llm.ChatModel) []Tool {
	tools := []Tool{
		NewHTTPTool(client),
		NewDocumentTool(),
		NewRouteTool(),
	}
	for name, model := range models {
		tools = append(tools, NewChatTool(name, model))
	}
	return tools
}
