// Package google adapts the Gemini API to llm.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/pipeflow/flow/llm"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "gemini-1.5-flash"

// ChatModel implements llm.ChatModel for Gemini.
//
// The final user message is sent; earlier turns become chat history.
type ChatModel struct {
	modelName string
	client    generateClient
}

type generateClient interface {
	generate(ctx context.Context, system string, history []*genai.Content, prompt string) (*genai.GenerateContentResponse, error)
}

// NewChatModel creates a Gemini chat model. The client is opened lazily on
// each call and closed afterwards.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		modelName: modelName,
		client:    &sdkClient{apiKey: apiKey, modelName: modelName},
	}
}

// Chat implements llm.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []llm.Message) (llm.Response, error) {
	if ctx.Err() != nil {
		return llm.Response{}, ctx.Err()
	}

	system, rest := llm.SplitSystem(messages)
	if len(rest) == 0 || rest[len(rest)-1].Role != llm.RoleUser {
		return llm.Response{}, llm.ErrEmptyConversation
	}
	prompt := rest[len(rest)-1].Content

	history := make([]*genai.Content, 0, len(rest)-1)
	for _, msg := range rest[:len(rest)-1] {
		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}

	resp, err := m.client.generate(ctx, system, history, prompt)
	if err != nil {
		return llm.Response{}, fmt.Errorf("google: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.Response{}, errors.New("google: no candidates in response")
	}

	out := llm.Response{Model: m.modelName}
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.Text += string(text)
		}
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

type sdkClient struct {
	apiKey    string
	modelName string
}

func (c *sdkClient) generate(ctx context.Context, system string, history []*genai.Content, prompt string) (*genai.GenerateContentResponse, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, err
	}
	defer client.Close()

	model := client.GenerativeModel(c.modelName)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(history) == 0 {
		return model.GenerateContent(ctx, genai.Text(prompt))
	}
	session := model.StartChat()
	session.History = history
	return session.SendMessage(ctx, genai.Text(prompt))
}
