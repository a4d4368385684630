// Package agent runs one conversational turn against a completion model that
// may call a single retrieval tool a bounded number of times.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"guideline-rag/internal/models"
	"guideline-rag/internal/query"
)

const (
	DefaultMaxToolCalls = 3
	DefaultTurnTimeout  = 2 * time.Minute
)

var ErrTurnInProgress = errors.New("agent turn already in progress")

// Tool is the retrieval surface the model may call.
type Tool struct {
	Name        string
	Description string
	Engine      query.Engine
}

func (t Tool) definition() llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					models.TopLevelToolParameter: map[string]any{
						"type":        "string",
						"description": "A self-contained question about the selected clinical guidelines.",
					},
				},
				"required": []string{models.TopLevelToolParameter},
			},
		},
	}
}

// ToolResult is one executed tool call of a turn.
type ToolResult struct {
	Input  string             `json:"input"`
	Output string             `json:"output"`
	Failed bool               `json:"failed,omitempty"`
	Source []query.SourceNode `json:"sources,omitempty"`
}

type Response struct {
	Text            string       `json:"text"`
	ToolResults     []ToolResult `json:"tool_results,omitempty"`
	BudgetExhausted bool         `json:"budget_exhausted,omitempty"`
	TimedOut        bool         `json:"timed_out,omitempty"`
}

type Option func(*Agent)

func WithMaxToolCalls(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.maxToolCalls = n
		}
	}
}

func WithTurnTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

func WithObserver(o Observer) Option {
	return func(a *Agent) { a.observer = o }
}

// WithStreamingFunc forwards model output chunks as they arrive.
func WithStreamingFunc(fn func(ctx context.Context, chunk []byte) error) Option {
	return func(a *Agent) { a.streaming = fn }
}

func WithCallOptions(opts ...llms.CallOption) Option {
	return func(a *Agent) { a.callOptions = append(a.callOptions, opts...) }
}

type Agent struct {
	model        llms.Model
	tool         Tool
	history      []llms.MessageContent
	titles       []string
	maxToolCalls int
	timeout      time.Duration
	now          func() time.Time
	observer     Observer
	streaming    func(ctx context.Context, chunk []byte) error
	callOptions  []llms.CallOption

	mu    sync.Mutex
	state State
}

// New builds an agent for one conversation. history is filtered and ordered
// with BuildChatHistory; titles name the selected documents.
func New(model llms.Model, tool Tool, history []models.Message, titles []string, opts ...Option) *Agent {
	a := &Agent{
		model:        model,
		tool:         tool,
		history:      BuildChatHistory(history),
		titles:       titles,
		maxToolCalls: DefaultMaxToolCalls,
		timeout:      DefaultTurnTimeout,
		now:          time.Now,
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// turn is the scratch state of one Chat call.
type turn struct {
	messages        []llms.MessageContent
	calls           int
	results         []ToolResult
	budgetExhausted bool
}

// Chat runs one turn for message and returns the assistant's reply. Tool
// failures and budget exhaustion are folded into the reply; a turn that
// exceeds the timeout returns the partial results gathered so far.
func (a *Agent) Chat(ctx context.Context, message string) (Response, error) {
	if err := a.begin(); err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	t := &turn{}
	t.messages = append(t.messages, llms.TextParts(llms.ChatMessageTypeSystem, BuildSystemPrompt(a.titles, a.now())))
	t.messages = append(t.messages, a.history...)
	t.messages = append(t.messages, llms.TextParts(llms.ChatMessageTypeHuman, message))

	resp, err := a.loop(ctx, t)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		log.Warn().Int("tool_calls", t.calls).Msg("Turn timed out")
		resp, err = a.timedOut(t), nil
	}
	a.finish()
	return resp, err
}

func (a *Agent) finish() {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	if state != StateResponding {
		a.transition(StateResponding)
	}
	a.transition(StateIdle)
}

// loop alternates model calls and tool dispatch. Once the tool budget is spent
// the loop returns to awaiting_model for one last call without tools, so the
// reply is always written by the model from the gathered tool outputs; only a
// failure of that call answers from the outputs directly.
func (a *Agent) loop(ctx context.Context, t *turn) (Response, error) {
	for {
		opts := append([]llms.CallOption(nil), a.callOptions...)
		withTools := t.calls < a.maxToolCalls
		if withTools {
			opts = append(opts, llms.WithTools([]llms.Tool{a.tool.definition()}))
		}
		if a.streaming != nil {
			opts = append(opts, llms.WithStreamingFunc(a.streaming))
		}

		res, err := a.model.GenerateContent(ctx, t.messages, opts...)
		if err == nil && len(res.Choices) == 0 {
			err = errors.New("model returned no choices")
		}
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			if !withTools && len(t.results) > 0 {
				log.Warn().Err(err).Msg("Final model call failed, answering from tool results")
				a.transition(StateResponding)
				return t.response(""), nil
			}
			return Response{}, fmt.Errorf("chat model: %w", err)
		}
		choice := res.Choices[0]

		if len(choice.ToolCalls) == 0 {
			a.transition(StateResponding)
			return t.response(choice.Content), nil
		}
		if !withTools {
			// the model asked for more tools after the budget was spent
			t.budgetExhausted = true
			a.transition(StateResponding)
			return t.response(choice.Content), nil
		}

		a.transition(StateToolDispatch)
		t.messages = append(t.messages, aiToolCallMessage(choice))
		for _, tc := range choice.ToolCalls {
			if t.calls >= a.maxToolCalls {
				t.budgetExhausted = true
				t.messages = append(t.messages, toolMessage(tc, models.ToolBudgetExhausted))
				continue
			}
			t.calls++
			result, err := a.execute(ctx, tc)
			if err != nil {
				return Response{}, err
			}
			t.results = append(t.results, result)
			t.messages = append(t.messages, toolMessage(tc, result.Output))
		}
		a.transition(StateAwaitingModel)
	}
}

// execute runs one tool call. Tool errors become the tool output; only
// cancellation of the turn is returned as an error.
func (a *Agent) execute(ctx context.Context, tc llms.ToolCall) (ToolResult, error) {
	input := toolInput(tc)
	if tc.FunctionCall == nil || tc.FunctionCall.Name != a.tool.Name {
		name := ""
		if tc.FunctionCall != nil {
			name = tc.FunctionCall.Name
		}
		return ToolResult{Input: input, Output: fmt.Sprintf("Error: unknown tool %q", name), Failed: true}, nil
	}

	log.Debug().Str("tool", a.tool.Name).Str("input", input).Msg("Calling tool")
	resp, err := a.tool.Engine.Query(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return ToolResult{}, ctx.Err()
		}
		log.Warn().Err(err).Str("tool", a.tool.Name).Msg("Tool call failed")
		return ToolResult{Input: input, Output: "Error: " + err.Error(), Failed: true}, nil
	}
	return ToolResult{Input: input, Output: resp.Text, Source: resp.Sources}, nil
}

func (a *Agent) timedOut(t *turn) Response {
	resp := t.response("")
	resp.TimedOut = true
	parts := []string{models.UnableToComplete}
	for _, r := range t.results {
		if !r.Failed && r.Output != "" {
			parts = append(parts, r.Output)
		}
	}
	resp.Text = strings.Join(parts, "\n\n")
	return resp
}

// response assembles the reply; with no model text it falls back to the
// successful tool outputs, then to the unable-to-complete text.
func (t *turn) response(text string) Response {
	resp := Response{ToolResults: t.results, BudgetExhausted: t.budgetExhausted}
	text = strings.TrimSpace(text)
	if text == "" {
		var outputs []string
		for _, r := range t.results {
			if !r.Failed && r.Output != "" {
				outputs = append(outputs, r.Output)
			}
		}
		text = strings.Join(outputs, "\n\n")
	}
	if text == "" {
		text = models.UnableToComplete
	}
	resp.Text = text
	return resp
}

func toolInput(tc llms.ToolCall) string {
	if tc.FunctionCall == nil {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err == nil {
		if v, ok := args[models.TopLevelToolParameter].(string); ok {
			return v
		}
	}
	return tc.FunctionCall.Arguments
}

func aiToolCallMessage(choice *llms.ContentChoice) llms.MessageContent {
	msg := llms.MessageContent{Role: llms.ChatMessageTypeAI}
	if choice.Content != "" {
		msg.Parts = append(msg.Parts, llms.TextContent{Text: choice.Content})
	}
	for _, tc := range choice.ToolCalls {
		msg.Parts = append(msg.Parts, tc)
	}
	return msg
}

func toolMessage(tc llms.ToolCall, content string) llms.MessageContent {
	name := ""
	if tc.FunctionCall != nil {
		name = tc.FunctionCall.Name
	}
	return llms.MessageContent{
		Role: llms.ChatMessageTypeTool,
		Parts: []llms.ContentPart{llms.ToolCallResponse{
			ToolCallID: tc.ID,
			Name:       name,
			Content:    content,
		}},
	}
}
