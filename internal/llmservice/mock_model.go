package llmservice

import (
	"context"
	"errors"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

var ErrNoScriptedResponse = errors.New("mock model: no scripted response left")

// MockCall records a single GenerateContent invocation.
type MockCall struct {
	Messages []llms.MessageContent
	Options  llms.CallOptions
}

// MockModel is an llms.Model for tests. Responder decides each reply; when it
// is nil the scripted Responses are returned in order.
type MockModel struct {
	Responder func(ctx context.Context, call MockCall) (*llms.ContentResponse, error)
	Responses []*llms.ContentResponse

	mu    sync.Mutex
	calls []MockCall
	next  int
}

func (m *MockModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	call := MockCall{Messages: append([]llms.MessageContent(nil), messages...), Options: opts}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	responder := m.Responder
	var scripted *llms.ContentResponse
	if responder == nil && m.next < len(m.Responses) {
		scripted = m.Responses[m.next]
		m.next++
	}
	m.mu.Unlock()

	if opts.StreamingFunc != nil && scripted != nil && len(scripted.Choices) > 0 {
		if err := opts.StreamingFunc(ctx, []byte(scripted.Choices[0].Content)); err != nil {
			return nil, err
		}
	}

	if responder != nil {
		return responder(ctx, call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scripted == nil {
		return nil, ErrNoScriptedResponse
	}
	return scripted, nil
}

func (m *MockModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// Calls returns every recorded invocation.
func (m *MockModel) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// TextResponse builds a response with a single text choice.
func TextResponse(text string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text, StopReason: "stop"}}}
}

// ToolCallResponse builds a response requesting the given tool calls.
func ToolCallResponse(calls ...llms.ToolCall) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{ToolCalls: calls, StopReason: "tool_calls"}}}
}

// LastHumanText returns the text of the last human message in call.
func LastHumanText(call MockCall) string {
	for i := len(call.Messages) - 1; i >= 0; i-- {
		msg := call.Messages[i]
		if msg.Role != llms.ChatMessageTypeHuman {
			continue
		}
		for _, p := range msg.Parts {
			if t, ok := p.(llms.TextContent); ok {
				return t.Text
			}
		}
	}
	return ""
}
