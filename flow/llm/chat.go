// Package llm is the chat-model abstraction used by the llm.chat tool.
// Provider adapters live in the anthropic, openai and google subpackages.
package llm

import (
	"context"
	"errors"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyConversation is returned when Chat is called without a user message.
var ErrEmptyConversation = errors.New("conversation has no user message")

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Response is a model completion.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// ChatModel completes a conversation. Implementations must be safe for
// concurrent use and honor ctx cancellation.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (Response, error)
}

// SplitSystem separates system messages (joined by blank lines) from the
// rest of the conversation.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	var rest []Message
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}
