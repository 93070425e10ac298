package google

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/dshills/pipeflow/flow/llm"
)

type fakeClient struct {
	system  string
	history []*genai.Content
	prompt  string
	resp    *genai.GenerateContentResponse
	err     error
}

func (f *fakeClient) generate(_ context.Context, system string, history []*genai.Content, prompt string) (*genai.GenerateContentResponse, error) {
	f.system, f.history, f.prompt = system, history, prompt
	return f.resp, f.err
}

func TestChat(t *testing.T) {
	f := &fakeClient{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text("bon"), genai.Text("jour")}},
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2},
	}}
	m := &ChatModel{modelName: "gemini-test", client: f}

	out, err := m.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "translate"},
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "salut"},
		{Role: llm.RoleUser, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out.Text != "bonjour" || out.InputTokens != 4 || out.OutputTokens != 2 {
		t.Errorf("out = %+v", out)
	}
	if f.system != "translate" || f.prompt != "hello" {
		t.Errorf("system=%q prompt=%q", f.system, f.prompt)
	}
	if len(f.history) != 2 || f.history[1].Role != "model" {
		t.Errorf("history = %+v", f.history)
	}
}

func TestChatRequiresTrailingUserMessage(t *testing.T) {
	m := &ChatModel{modelName: "gemini-test", client: &fakeClient{}}
	_, err := m.Chat(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "salut"},
	})
	if !errors.Is(err, llm.ErrEmptyConversation) {
		t.Errorf("err = %v", err)
	}
}

func TestChatNoCandidates(t *testing.T) {
	m := &ChatModel{modelName: "gemini-test", client: &fakeClient{resp: &genai.GenerateContentResponse{}}}
	if _, err := m.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "x"}}); err == nil {
		t.Error("expected error")
	}
}
