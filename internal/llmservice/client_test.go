package llmservice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"guideline-rag/internal/config"
)

func TestNewModel(t *testing.T) {
	llm, err := NewModel(&config.LLMConfig{Provider: "openai", Key: "Bearer sk-test", Model: "gpt-4o"})
	require.NoError(t, err)
	assert.NotNil(t, llm)

	llm, err = NewModel(&config.LLMConfig{Provider: "ollama", BaseURL: "http://localhost:11434", Model: "llama3"})
	require.NoError(t, err)
	assert.NotNil(t, llm)
}

func TestGenerateContentPassesTools(t *testing.T) {
	mock := &MockModel{Responses: []*llms.ContentResponse{TextResponse("ok")}}
	tools := []llms.Tool{{Type: "function", Function: &llms.FunctionDefinition{Name: "lookup"}}}

	res, err := GenerateContent(context.Background(), mock, tools, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Choices[0].Content)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Options.Tools, 1)
	assert.Equal(t, "lookup", calls[0].Options.Tools[0].Function.Name)
	assert.Equal(t, "hi", LastHumanText(calls[0]))
}

func TestGenerateContentNoChoices(t *testing.T) {
	mock := &MockModel{Responses: []*llms.ContentResponse{{}}}
	_, err := GenerateContent(context.Background(), mock, nil, nil)
	assert.Error(t, err)
}

func TestComplete(t *testing.T) {
	mock := &MockModel{Responses: []*llms.ContentResponse{TextResponse("answer")}}
	out, err := Complete(context.Background(), mock, "question")
	require.NoError(t, err)
	assert.Equal(t, "answer", out)

	_, err = Complete(context.Background(), mock, "again")
	assert.ErrorIs(t, err, ErrNoScriptedResponse)
}
