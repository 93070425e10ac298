// Package anthropic adapts Anthropic's Messages API to llm.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/pipeflow/flow/llm"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "claude-sonnet-4-5-20250929"

const defaultMaxTokens = 4096

// ChatModel implements llm.ChatModel for Claude.
//
// Anthropic takes the system prompt as a separate parameter, so system
// messages are lifted out of the conversation before sending.
type ChatModel struct {
	modelName string
	maxTokens int64
	client    messageClient
}

// messageClient is the slice of the SDK ChatModel depends on.
type messageClient interface {
	createMessage(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error)
}

// NewChatModel creates a Claude chat model.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{
		modelName: modelName,
		maxTokens: defaultMaxTokens,
		client:    &sdkClient{client: &client},
	}
}

// Chat implements llm.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []llm.Message) (llm.Response, error) {
	if ctx.Err() != nil {
		return llm.Response{}, ctx.Err()
	}

	system, rest := llm.SplitSystem(messages)
	if len(rest) == 0 {
		return llm.Response{}, llm.ErrEmptyConversation
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  make([]sdk.MessageParam, 0, len(rest)),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	for _, msg := range rest {
		block := sdk.NewTextBlock(msg.Content)
		if msg.Role == llm.RoleAssistant {
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, sdk.NewUserMessage(block))
		}
	}

	message, err := m.client.createMessage(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("anthropic: %w", err)
	}
	if message == nil {
		return llm.Response{}, errors.New("anthropic: empty response")
	}

	out := llm.Response{
		Model:        m.modelName,
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			out.Text += block.Text
		}
	}
	return out, nil
}

type sdkClient struct {
	client *sdk.Client
}

func (c *sdkClient) createMessage(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error) {
	return c.client.Messages.New(ctx, params)
}
