package router

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"guideline-rag/internal/llmservice"
	"guideline-rag/internal/models"
)

var (
	thinkRe     = regexp.MustCompile(models.ThinkTag)
	codeFenceRe = regexp.MustCompile(models.CodeFenceRegex)
)

// Decomposer splits a query into sub-questions, each assigned to one tool.
type Decomposer interface {
	Decompose(ctx context.Context, query string, tools []ToolMetadata) ([]SubQuestion, error)
}

// LLMDecomposer asks a completion model for the decomposition as JSON.
type LLMDecomposer struct {
	model llms.Model
}

func NewLLMDecomposer(model llms.Model) *LLMDecomposer {
	return &LLMDecomposer{model: model}
}

func (d *LLMDecomposer) Decompose(ctx context.Context, query string, tools []ToolMetadata) ([]SubQuestion, error) {
	toolsJSON, err := json.MarshalIndent(tools, "", "  ")
	if err != nil {
		return nil, err
	}
	prompt := fmt.Sprintf(models.DecomposePromptTemplate, toolsJSON, query)

	out, err := llmservice.Complete(ctx, d.model, prompt, llms.WithJSONMode(), llms.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}
	subs, err := ParseSubQuestions(out)
	if err != nil {
		log.Warn().Err(err).Str("output", out).Msg("Unparseable decomposition")
		return nil, err
	}
	return subs, nil
}

// ParseSubQuestions reads a decomposition from model output. Reasoning blocks
// and code fences are stripped; both {"items": [...]} and a bare array are accepted.
func ParseSubQuestions(out string) ([]SubQuestion, error) {
	out = strings.TrimSpace(thinkRe.ReplaceAllString(out, ""))
	if m := codeFenceRe.FindStringSubmatch(out); m != nil {
		out = m[1]
	}

	var wrapped struct {
		Items []SubQuestion `json:"items"`
	}
	if err := json.Unmarshal([]byte(out), &wrapped); err == nil {
		return wrapped.Items, nil
	}
	var bare []SubQuestion
	if err := json.Unmarshal([]byte(out), &bare); err != nil {
		return nil, fmt.Errorf("decompose: invalid json: %w", err)
	}
	return bare, nil
}
