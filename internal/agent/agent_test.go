package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"guideline-rag/internal/llmservice"
	"guideline-rag/internal/models"
	"guideline-rag/internal/query"
)

type engineFunc func(ctx context.Context, q string) (query.Response, error)

func (f engineFunc) Query(ctx context.Context, q string) (query.Response, error) { return f(ctx, q) }

type countingEngine struct {
	calls  atomic.Int64
	inputs sync.Map
}

func (e *countingEngine) Query(ctx context.Context, q string) (query.Response, error) {
	n := e.calls.Add(1)
	e.inputs.Store(n, q)
	return query.Response{Text: fmt.Sprintf("result %d", n)}, nil
}

func toolCall(id, input string) llms.ToolCall {
	return llms.ToolCall{
		ID:   id,
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      models.TopLevelToolName,
			Arguments: fmt.Sprintf(`{"%s": %q}`, models.TopLevelToolParameter, input),
		},
	}
}

func clinicalTool(engine query.Engine) Tool {
	return Tool{Name: models.TopLevelToolName, Description: models.TopLevelToolDescription, Engine: engine}
}

// greedyModel requests a tool call whenever tools are offered and answers with
// text otherwise.
func greedyModel() *llmservice.MockModel {
	m := &llmservice.MockModel{}
	var n atomic.Int64
	m.Responder = func(ctx context.Context, call llmservice.MockCall) (*llms.ContentResponse, error) {
		i := n.Add(1)
		if len(call.Options.Tools) > 0 {
			return llmservice.ToolCallResponse(toolCall(fmt.Sprintf("call-%d", i), "dose?")), nil
		}
		return llmservice.TextResponse("final answer"), nil
	}
	return m
}

func systemText(call llmservice.MockCall) string {
	msg := call.Messages[0]
	if msg.Role != llms.ChatMessageTypeSystem {
		return ""
	}
	return msg.Parts[0].(llms.TextContent).Text
}

func TestChat_toolBudgetOfExactlyThree(t *testing.T) {
	engine := &countingEngine{}
	model := greedyModel()
	var states []State
	a := New(model, clinicalTool(engine), nil, []string{"Guideline X"},
		WithObserver(func(tr Transition) { states = append(states, tr.To) }))

	resp, err := a.Chat(context.Background(), "What is the dose?")
	require.NoError(t, err)

	assert.Equal(t, int64(3), engine.calls.Load())
	calls := model.Calls()
	require.Len(t, calls, 4)
	for i := 0; i < 3; i++ {
		assert.Len(t, calls[i].Options.Tools, 1, "call %d offers the tool", i)
	}
	assert.Empty(t, calls[3].Options.Tools)
	assert.Equal(t, "final answer", resp.Text)
	assert.Len(t, resp.ToolResults, 3)
	assert.Equal(t, StateIdle, a.State())

	assert.Equal(t, []State{
		StateAwaitingModel,
		StateToolDispatch, StateAwaitingModel,
		StateToolDispatch, StateAwaitingModel,
		StateToolDispatch, StateAwaitingModel,
		StateResponding, StateIdle,
	}, states)
}

func TestChat_modelInsistingPastBudgetForcesResponse(t *testing.T) {
	engine := &countingEngine{}
	model := &llmservice.MockModel{}
	model.Responder = func(ctx context.Context, call llmservice.MockCall) (*llms.ContentResponse, error) {
		return llmservice.ToolCallResponse(toolCall(fmt.Sprintf("c%d", len(model.Calls())), "more")), nil
	}
	a := New(model, clinicalTool(engine), nil, nil)

	resp, err := a.Chat(context.Background(), "Tell me everything")
	require.NoError(t, err)
	assert.Equal(t, int64(3), engine.calls.Load())
	assert.Len(t, model.Calls(), 4)
	assert.True(t, resp.BudgetExhausted)
	assert.Equal(t, "result 1\n\nresult 2\n\nresult 3", resp.Text)
	assert.Equal(t, StateIdle, a.State())
}

func TestChat_parallelToolCallsBeyondBudget(t *testing.T) {
	engine := &countingEngine{}
	model := &llmservice.MockModel{Responses: []*llms.ContentResponse{
		llmservice.ToolCallResponse(
			toolCall("a", "q1"), toolCall("b", "q2"), toolCall("c", "q3"), toolCall("d", "q4"), toolCall("e", "q5"),
		),
		llmservice.TextResponse("combined"),
	}}
	a := New(model, clinicalTool(engine), nil, nil)

	resp, err := a.Chat(context.Background(), "five questions")
	require.NoError(t, err)
	assert.Equal(t, int64(3), engine.calls.Load())
	assert.True(t, resp.BudgetExhausted)
	assert.Equal(t, "combined", resp.Text)

	second := model.Calls()[1]
	assert.Empty(t, second.Options.Tools)
	var exhausted, answered int
	for _, msg := range second.Messages {
		if msg.Role != llms.ChatMessageTypeTool {
			continue
		}
		r := msg.Parts[0].(llms.ToolCallResponse)
		if r.Content == models.ToolBudgetExhausted {
			exhausted++
		} else {
			answered++
		}
	}
	assert.Equal(t, 3, answered)
	assert.Equal(t, 2, exhausted)
}

func TestChat_emptyDocumentSetPrompt(t *testing.T) {
	model := &llmservice.MockModel{Responses: []*llms.ContentResponse{llmservice.TextResponse("Please select a guideline.")}}
	a := New(model, clinicalTool(&countingEngine{}), nil, nil)

	_, err := a.Chat(context.Background(), "hi")
	require.NoError(t, err)
	assert.Contains(t, systemText(model.Calls()[0]), models.NoDocumentsSelected)
}

func TestChat_systemPromptHasTitlesAndDate(t *testing.T) {
	model := &llmservice.MockModel{Responses: []*llms.ContentResponse{llmservice.TextResponse("ok")}}
	clock := func() time.Time { return time.Date(2024, 3, 5, 23, 30, 0, 0, time.UTC) }
	a := New(model, clinicalTool(&countingEngine{}), nil, []string{"Guideline X (ADA, 2023)", "Guideline Y"}, WithClock(clock))

	_, err := a.Chat(context.Background(), "hi")
	require.NoError(t, err)
	prompt := systemText(model.Calls()[0])
	assert.Contains(t, prompt, "- Guideline X (ADA, 2023)\n- Guideline Y")
	assert.Contains(t, prompt, "2024-03-05")
	assert.NotContains(t, prompt, models.NoDocumentsSelected)
}

func TestChat_historyIsFilteredAndOrdered(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	history := []models.Message{
		{ID: "3", Role: models.RoleUser, Content: "third", Status: models.StatusSuccess, CreatedAt: base.Add(3 * time.Minute)},
		{ID: "1", Role: models.RoleUser, Content: "first", Status: models.StatusSuccess, CreatedAt: base.Add(time.Minute)},
		{ID: "x", Role: models.RoleAssistant, Content: "boom", Status: models.StatusError, CreatedAt: base.Add(90 * time.Second)},
		{ID: "y", Role: models.RoleAssistant, Content: "", Status: models.StatusSuccess, CreatedAt: base.Add(100 * time.Second)},
		{ID: "2", Role: models.RoleAssistant, Content: "second", Status: models.StatusSuccess, CreatedAt: base.Add(2 * time.Minute)},
	}
	model := &llmservice.MockModel{Responses: []*llms.ContentResponse{llmservice.TextResponse("ok")}}
	a := New(model, clinicalTool(&countingEngine{}), history, nil)

	_, err := a.Chat(context.Background(), "now")
	require.NoError(t, err)

	msgs := model.Calls()[0].Messages
	require.Len(t, msgs, 5)
	var got []string
	for _, m := range msgs[1:] {
		got = append(got, string(m.Role)+":"+m.Parts[0].(llms.TextContent).Text)
	}
	assert.Equal(t, []string{"human:first", "ai:second", "human:third", "human:now"}, got)
}

func TestChat_timeoutReturnsPartialResults(t *testing.T) {
	var n atomic.Int64
	engine := engineFunc(func(ctx context.Context, q string) (query.Response, error) {
		if n.Add(1) == 1 {
			return query.Response{Text: "partial answer"}, nil
		}
		<-ctx.Done()
		return query.Response{}, ctx.Err()
	})
	a := New(greedyModel(), clinicalTool(engine), nil, nil, WithTurnTimeout(50*time.Millisecond))

	resp, err := a.Chat(context.Background(), "dose?")
	require.NoError(t, err)
	assert.True(t, resp.TimedOut)
	assert.True(t, strings.HasPrefix(resp.Text, models.UnableToComplete))
	assert.Contains(t, resp.Text, "partial answer")
	assert.Equal(t, StateIdle, a.State())
}

func TestChat_toolFailureIsReportedToModel(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, q string) (query.Response, error) {
		return query.Response{}, errors.New("index unavailable")
	})
	model := &llmservice.MockModel{Responses: []*llms.ContentResponse{
		llmservice.ToolCallResponse(toolCall("a", "dose?")),
		llmservice.TextResponse("I could not reach the guideline."),
	}}
	a := New(model, clinicalTool(engine), nil, nil)

	resp, err := a.Chat(context.Background(), "dose?")
	require.NoError(t, err)
	assert.Equal(t, "I could not reach the guideline.", resp.Text)
	require.Len(t, resp.ToolResults, 1)
	assert.True(t, resp.ToolResults[0].Failed)
	assert.Contains(t, resp.ToolResults[0].Output, "index unavailable")
}

func TestChat_unknownToolIsNotExecuted(t *testing.T) {
	engine := &countingEngine{}
	bad := llms.ToolCall{ID: "z", Type: "function", FunctionCall: &llms.FunctionCall{Name: "web_search", Arguments: "{}"}}
	model := &llmservice.MockModel{Responses: []*llms.ContentResponse{
		llmservice.ToolCallResponse(bad),
		llmservice.TextResponse("done"),
	}}
	a := New(model, clinicalTool(engine), nil, nil)

	resp, err := a.Chat(context.Background(), "search")
	require.NoError(t, err)
	assert.Equal(t, int64(0), engine.calls.Load())
	assert.True(t, resp.ToolResults[0].Failed)
}

func TestChat_modelErrorFailsTurn(t *testing.T) {
	model := &llmservice.MockModel{}
	a := New(model, clinicalTool(&countingEngine{}), nil, nil)

	_, err := a.Chat(context.Background(), "hi")
	assert.ErrorIs(t, err, llmservice.ErrNoScriptedResponse)
	assert.Equal(t, StateIdle, a.State())
}

func TestChat_toolInputAndStreaming(t *testing.T) {
	engine := &countingEngine{}
	model := &llmservice.MockModel{Responses: []*llms.ContentResponse{
		llmservice.ToolCallResponse(toolCall("a", "metformin dose in CKD")),
		llmservice.TextResponse("answer"),
	}}
	var streamed strings.Builder
	a := New(model, clinicalTool(engine), nil, nil, WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		streamed.Write(chunk)
		return nil
	}))

	_, err := a.Chat(context.Background(), "dose?")
	require.NoError(t, err)
	input, _ := engine.inputs.Load(int64(1))
	assert.Equal(t, "metformin dose in CKD", input)
	assert.Equal(t, "answer", streamed.String())
	assert.NotNil(t, model.Calls()[0].Options.StreamingFunc)
}

func TestToolDefinition(t *testing.T) {
	def := clinicalTool(nil).definition()
	assert.Equal(t, "function", def.Type)
	assert.Equal(t, models.TopLevelToolName, def.Function.Name)
	params := def.Function.Parameters.(map[string]any)
	assert.Equal(t, []string{models.TopLevelToolParameter}, params["required"])
}

func TestToolInputFallsBackToRawArguments(t *testing.T) {
	tc := llms.ToolCall{FunctionCall: &llms.FunctionCall{Name: models.TopLevelToolName, Arguments: "plain text"}}
	assert.Equal(t, "plain text", toolInput(tc))
}

func TestChat_concurrentTurnIsRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	model := &llmservice.MockModel{}
	model.Responder = func(ctx context.Context, call llmservice.MockCall) (*llms.ContentResponse, error) {
		close(entered)
		<-release
		return llmservice.TextResponse("done"), nil
	}
	a := New(model, clinicalTool(&countingEngine{}), nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := a.Chat(context.Background(), "first")
		done <- err
	}()
	<-entered

	_, err := a.Chat(context.Background(), "second")
	assert.ErrorIs(t, err, ErrTurnInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, a.State())
}
