package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"guideline-rag/internal/llmservice"
	"guideline-rag/internal/models"
	"guideline-rag/internal/vectorstore"
)

type ResponseMode string

const (
	// ResponseModeCompact packs as many chunks as fit into each prompt and
	// refines across packs.
	ResponseModeCompact ResponseMode = "compact"
	// ResponseModeRefine answers from the first chunk and refines once per chunk.
	ResponseModeRefine ResponseMode = "refine"
	// ResponseModeAccumulate answers once per chunk and concatenates the answers.
	ResponseModeAccumulate ResponseMode = "accumulate"
)

const defaultMaxContextChars = 12000

func ParseResponseMode(s string) (ResponseMode, error) {
	switch m := ResponseMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ResponseModeCompact, ResponseModeRefine, ResponseModeAccumulate:
		return m, nil
	case "":
		return ResponseModeCompact, nil
	default:
		return "", fmt.Errorf("unknown response mode %q", s)
	}
}

// SynthesisConfig controls how retrieved chunks become one answer.
type SynthesisConfig struct {
	SimilarityTopK int
	ResponseMode   ResponseMode
	// CitationStyle is prepended to every answer prompt.
	CitationStyle string
}

// Synthesizer turns retrieved chunks into an answer with a completion model.
type Synthesizer struct {
	model           llms.Model
	maxContextChars int
	options         []llms.CallOption
}

func NewSynthesizer(model llms.Model, opts ...llms.CallOption) *Synthesizer {
	return &Synthesizer{model: model, maxContextChars: defaultMaxContextChars, options: opts}
}

func (s *Synthesizer) Synthesize(ctx context.Context, query string, matches []vectorstore.Match, cfg SynthesisConfig) (string, error) {
	if len(matches) == 0 {
		return models.CouldNotAnswer, nil
	}
	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Node.Text
	}

	switch cfg.ResponseMode {
	case ResponseModeRefine:
		return s.refine(ctx, query, texts, cfg.CitationStyle)
	case ResponseModeAccumulate:
		return s.accumulate(ctx, query, texts, cfg.CitationStyle)
	default:
		return s.refine(ctx, query, s.pack(texts), cfg.CitationStyle)
	}
}

// pack joins consecutive chunks while they fit within maxContextChars.
func (s *Synthesizer) pack(texts []string) []string {
	var packs []string
	var cur strings.Builder
	for _, t := range texts {
		if cur.Len() > 0 && cur.Len()+len(models.ContextSeparator)+len(t) > s.maxContextChars {
			packs = append(packs, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString(models.ContextSeparator)
		}
		cur.WriteString(t)
	}
	if cur.Len() > 0 {
		packs = append(packs, cur.String())
	}
	return packs
}

func (s *Synthesizer) refine(ctx context.Context, query string, texts []string, style string) (string, error) {
	answer, err := s.complete(ctx, fmt.Sprintf(models.QAPromptTemplate, style, texts[0], query))
	if err != nil {
		return "", err
	}
	for _, t := range texts[1:] {
		refined, err := s.complete(ctx, fmt.Sprintf(models.RefinePromptTemplate, query, answer, style, t))
		if err != nil {
			return "", err
		}
		if refined != "" {
			answer = refined
		}
	}
	return answer, nil
}

func (s *Synthesizer) accumulate(ctx context.Context, query string, texts []string, style string) (string, error) {
	answers := make([]string, 0, len(texts))
	for i, t := range texts {
		a, err := s.complete(ctx, fmt.Sprintf(models.QAPromptTemplate, style, t, query))
		if err != nil {
			return "", err
		}
		answers = append(answers, fmt.Sprintf("Response %d: %s", i+1, a))
	}
	return strings.Join(answers, "\n---------------------\n"), nil
}

func (s *Synthesizer) complete(ctx context.Context, prompt string) (string, error) {
	out, err := llmservice.Complete(ctx, s.model, prompt, s.options...)
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	return strings.TrimSpace(out), nil
}
