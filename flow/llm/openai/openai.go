// Package openai adapts the OpenAI chat completions API to llm.ChatModel.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/pipeflow/flow/llm"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "gpt-4o"

// ChatModel implements llm.ChatModel for OpenAI.
type ChatModel struct {
	modelName string
	client    completionClient
}

type completionClient interface {
	createCompletion(ctx context.Context, params sdk.ChatCompletionNewParams) (*sdk.ChatCompletion, error)
}

// NewChatModel creates an OpenAI chat model.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{
		modelName: modelName,
		client:    &sdkClient{client: &client},
	}
}

// Chat implements llm.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []llm.Message) (llm.Response, error) {
	if ctx.Err() != nil {
		return llm.Response{}, ctx.Err()
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	hasUser := false
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			params.Messages = append(params.Messages, sdk.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			params.Messages = append(params.Messages, sdk.AssistantMessage(msg.Content))
		default:
			hasUser = true
			params.Messages = append(params.Messages, sdk.UserMessage(msg.Content))
		}
	}
	if !hasUser {
		return llm.Response{}, llm.ErrEmptyConversation
	}

	completion, err := m.client.createCompletion(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: %w", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return llm.Response{}, errors.New("openai: no choices in response")
	}

	return llm.Response{
		Text:         completion.Choices[0].Message.Content,
		Model:        m.modelName,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

type sdkClient struct {
	client *sdk.Client
}

func (c *sdkClient) createCompletion(ctx context.Context, params sdk.ChatCompletionNewParams) (*sdk.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}
