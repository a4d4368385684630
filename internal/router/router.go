// Package router answers a query over many document tools by splitting it into
// sub-questions, one tool each, and merging the sub-answers.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"guideline-rag/internal/models"
	"guideline-rag/internal/query"
	"guideline-rag/internal/vectorstore"
)

// ErrNoToolAssignment means the query could not be given to any tool.
var ErrNoToolAssignment = errors.New("no tool assignment for query")

const defaultConcurrency = 8

type ToolMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Tool struct {
	Metadata ToolMetadata
	Engine   query.Engine
}

// NewDocumentTool names a document engine by document id and describes it
// from the document metadata.
func NewDocumentTool(doc models.Document, engine query.Engine) Tool {
	return Tool{
		Metadata: ToolMetadata{Name: doc.ID, Description: models.BuildDescriptionForDocument(doc)},
		Engine:   engine,
	}
}

type SubQuestion struct {
	Question string `json:"sub_question"`
	ToolName string `json:"tool_name"`
}

type SubAnswer struct {
	SubQuestion
	Answer    string             `json:"answer"`
	Sources   []query.SourceNode `json:"sources,omitempty"`
	Available bool               `json:"available"`
}

type Result struct {
	Answer     string      `json:"answer"`
	SubAnswers []SubAnswer `json:"sub_answers"`
}

type Option func(*Router)

func WithConcurrency(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithSynthesizer merges sub-answers with a model instead of concatenating them.
func WithSynthesizer(s *query.Synthesizer) Option {
	return func(r *Router) { r.synth = s }
}

type Router struct {
	decomposer  Decomposer
	synth       *query.Synthesizer
	concurrency int
}

func New(decomposer Decomposer, opts ...Option) *Router {
	r := &Router{decomposer: decomposer, concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route answers q using tools. A failing tool marks its sub-answer unavailable
// without failing the route. When decomposition fails the whole query goes to
// the most relevant tool; ErrNoToolAssignment is returned, along with a
// could-not-answer result, when there is none.
func (r *Router) Route(ctx context.Context, q string, tools []Tool) (Result, error) {
	if len(tools) == 0 {
		return Result{Answer: models.CouldNotAnswer}, ErrNoToolAssignment
	}
	byName := make(map[string]Tool, len(tools))
	metas := make([]ToolMetadata, len(tools))
	for i, t := range tools {
		byName[t.Metadata.Name] = t
		metas[i] = t.Metadata
	}

	subs, err := r.decomposer.Decompose(ctx, q, metas)
	if err != nil && ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	subs = assignable(subs, byName)
	if len(subs) == 0 {
		log.Warn().Err(err).Str("query", q).Msg("Decomposition produced no tool assignment, falling back")
		tool, ok := mostRelevant(q, tools)
		if !ok {
			return Result{Answer: models.CouldNotAnswer}, ErrNoToolAssignment
		}
		subs = []SubQuestion{{Question: q, ToolName: tool.Metadata.Name}}
	}

	answers := r.dispatch(ctx, subs, byName)
	if err := ctx.Err(); err != nil {
		return Result{SubAnswers: answers}, err
	}

	answer, err := r.merge(ctx, q, answers)
	if err != nil {
		return Result{SubAnswers: answers}, err
	}
	return Result{Answer: answer, SubAnswers: answers}, nil
}

// assignable drops sub-questions that are empty or name an unknown tool.
func assignable(subs []SubQuestion, byName map[string]Tool) []SubQuestion {
	out := subs[:0:0]
	for _, s := range subs {
		s.Question = strings.TrimSpace(s.Question)
		if s.Question == "" {
			continue
		}
		if _, ok := byName[s.ToolName]; !ok {
			log.Warn().Str("tool", s.ToolName).Msg("Dropping sub-question for unknown tool")
			continue
		}
		out = append(out, s)
	}
	return out
}

func (r *Router) dispatch(ctx context.Context, subs []SubQuestion, byName map[string]Tool) []SubAnswer {
	answers := make([]SubAnswer, len(subs))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, sub := range subs {
		g.Go(func() error {
			answers[i] = SubAnswer{SubQuestion: sub}
			resp, err := byName[sub.ToolName].Engine.Query(ctx, sub.Question)
			if err != nil {
				log.Warn().Err(err).Str("tool", sub.ToolName).Str("sub_question", sub.Question).Msg("Sub-question failed")
				answers[i].Answer = models.SubAnswerUnavailable
				return nil
			}
			answers[i].Answer = resp.Text
			answers[i].Sources = resp.Sources
			answers[i].Available = true
			log.Debug().Str("tool", sub.ToolName).Str("sub_question", sub.Question).Msg("Sub-question answered")
			return nil
		})
	}
	_ = g.Wait()
	return answers
}

func (r *Router) merge(ctx context.Context, q string, answers []SubAnswer) (string, error) {
	if r.synth != nil {
		matches := make([]vectorstore.Match, len(answers))
		for i, a := range answers {
			matches[i] = vectorstore.Match{Node: models.Node{
				ID:   fmt.Sprintf("sub-%d", i+1),
				Text: fmt.Sprintf("Sub question: %s\nResponse: %s", a.Question, a.Answer),
			}}
		}
		out, err := r.synth.Synthesize(ctx, q, matches, query.SynthesisConfig{
			ResponseMode:  query.ResponseModeCompact,
			CitationStyle: models.GenericCitationStyle,
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn().Err(err).Msg("Sub-answer synthesis failed, concatenating")
	}
	return concatenate(answers), nil
}

func concatenate(answers []SubAnswer) string {
	parts := make([]string, len(answers))
	for i, a := range answers {
		parts[i] = fmt.Sprintf("%s\n%s", a.Question, a.Answer)
	}
	return strings.Join(parts, "\n\n")
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "what": true, "who": true, "how": true,
	"this": true, "that": true, "with": true, "from": true, "are": true, "is": true,
	"was": true, "which": true, "does": true, "about": true, "guideline": true, "guidelines": true,
}

func terms(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(w) > 2 && !stopWords[w] {
			out[w] = true
		}
	}
	return out
}

// mostRelevant picks the tool whose name and description share the most terms
// with q. A lone tool is always relevant.
func mostRelevant(q string, tools []Tool) (Tool, bool) {
	if len(tools) == 1 {
		return tools[0], true
	}
	qTerms := terms(q)
	best, bestScore := -1, 0
	for i, t := range tools {
		score := 0
		for w := range terms(t.Metadata.Name + " " + t.Metadata.Description) {
			if qTerms[w] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return Tool{}, false
	}
	return tools[best], true
}

// queryTool exposes a router over a fixed tool set as one engine.
type queryTool struct {
	router *Router
	tools  []Tool
}

// NewQueryTool returns an engine answering through r over tools. An
// unassignable query yields the could-not-answer text rather than an error.
func NewQueryTool(r *Router, tools []Tool) query.Engine {
	return &queryTool{router: r, tools: tools}
}

func (t *queryTool) Query(ctx context.Context, q string) (query.Response, error) {
	res, err := t.router.Route(ctx, q, t.tools)
	if errors.Is(err, ErrNoToolAssignment) {
		return query.Response{Text: models.CouldNotAnswer}, nil
	}
	if err != nil {
		return query.Response{}, err
	}
	resp := query.Response{Text: res.Answer}
	for _, a := range res.SubAnswers {
		resp.Sources = append(resp.Sources, a.Sources...)
	}
	return resp, nil
}
