package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"guideline-rag/internal/llmservice"
)

func TestParseSubQuestions(t *testing.T) {
	cases := map[string]string{
		"wrapped":     `{"items": [{"sub_question": "What is the dose?", "tool_name": "doc-a"}]}`,
		"bare array":  `[{"sub_question": "What is the dose?", "tool_name": "doc-a"}]`,
		"code fence":  "```json\n{\"items\": [{\"sub_question\": \"What is the dose?\", \"tool_name\": \"doc-a\"}]}\n```",
		"think block": "<think>the user wants\na dose</think>\n{\"items\": [{\"sub_question\": \"What is the dose?\", \"tool_name\": \"doc-a\"}]}",
	}
	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			subs, err := ParseSubQuestions(out)
			require.NoError(t, err)
			assert.Equal(t, []SubQuestion{{Question: "What is the dose?", ToolName: "doc-a"}}, subs)
		})
	}

	_, err := ParseSubQuestions("I would ask the dosage tool.")
	assert.Error(t, err)
}

func TestLLMDecomposer(t *testing.T) {
	model := &llmservice.MockModel{Responses: []*llms.ContentResponse{
		llmservice.TextResponse(`{"items": [{"sub_question": "Who issued it?", "tool_name": "doc-b"}]}`),
	}}
	subs, err := NewLLMDecomposer(model).Decompose(context.Background(), "Who issued it?", []ToolMetadata{
		{Name: "doc-b", Description: "Issuer details"},
	})
	require.NoError(t, err)
	assert.Equal(t, []SubQuestion{{Question: "Who issued it?", ToolName: "doc-b"}}, subs)

	call := model.Calls()[0]
	assert.True(t, call.Options.JSONMode)
	prompt := llmservice.LastHumanText(call)
	assert.Contains(t, prompt, `"name": "doc-b"`)
	assert.Contains(t, prompt, "User question: Who issued it?")
}
