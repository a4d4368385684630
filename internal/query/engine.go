// Package query wraps per-document indices in retrieval and synthesis pipelines.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"guideline-rag/internal/models"
	"guideline-rag/internal/vectorstore"
)

var ErrUnknownDocument = errors.New("document not in conversation")

type SourceNode struct {
	NodeID     string  `json:"node_id"`
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
	Section    string  `json:"section,omitempty"`
	Page       string  `json:"page,omitempty"`
}

type Response struct {
	Text    string       `json:"text"`
	Sources []SourceNode `json:"sources,omitempty"`
}

type Engine interface {
	Query(ctx context.Context, query string) (Response, error)
}

// Retriever is a similarity search over an index; *indexer.Index satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, where map[string]string) ([]vectorstore.Match, error)
}

type documentEngine struct {
	documentID string
	retriever  Retriever
	synth      *Synthesizer
	cfg        SynthesisConfig
}

func (e *documentEngine) Query(ctx context.Context, query string) (Response, error) {
	matches, err := e.retriever.Retrieve(ctx, query, e.cfg.SimilarityTopK, map[string]string{models.DocIDKey: e.documentID})
	if err != nil {
		return Response{}, fmt.Errorf("retrieve from %s: %w", e.documentID, err)
	}
	text, err := e.synth.Synthesize(ctx, query, matches, e.cfg)
	if err != nil {
		return Response{}, err
	}

	resp := Response{Text: text}
	for _, m := range matches {
		resp.Sources = append(resp.Sources, SourceNode{
			NodeID:     m.Node.ID,
			DocumentID: m.Node.DocumentID,
			Text:       m.Node.Text,
			Score:      m.Score,
			Section:    m.Node.Metadata[models.SectionKey],
			Page:       m.Node.Metadata[models.PageKey],
		})
	}
	log.Debug().
		Str("document_id", e.documentID).
		Int("sources", len(resp.Sources)).
		Msg("Document query answered")
	return resp, nil
}

// Factory builds document-scoped engines sharing one synthesizer.
type Factory struct {
	synth *Synthesizer
	topK  int
	mode  ResponseMode
}

func NewFactory(synth *Synthesizer, topK int, mode ResponseMode) *Factory {
	if topK <= 0 {
		topK = 3
	}
	if mode == "" {
		mode = ResponseModeCompact
	}
	return &Factory{synth: synth, topK: topK, mode: mode}
}

// ForDocument returns an engine that only retrieves nodes of documentID. The
// synthesis config comes from that document's metadata in allDocuments.
func (f *Factory) ForDocument(documentID string, index Retriever, allDocuments []models.Document) (Engine, error) {
	for _, doc := range allDocuments {
		if doc.ID == documentID {
			return &documentEngine{
				documentID: documentID,
				retriever:  index,
				synth:      f.synth,
				cfg:        f.SynthesisConfigFor(doc),
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
}

// SynthesisConfigFor derives the synthesis config from doc's metadata.
// Documents without usable guideline metadata get the generic citation style.
func (f *Factory) SynthesisConfigFor(doc models.Document) SynthesisConfig {
	cfg := SynthesisConfig{
		SimilarityTopK: f.topK,
		ResponseMode:   f.mode,
		CitationStyle:  models.GenericCitationStyle,
	}
	meta, ok, err := doc.ClinicalMetadata()
	if !ok || err != nil {
		return cfg
	}
	org := meta.IssuingOrganization
	if org == "" {
		org = "an unspecified organization"
	}
	grading := meta.EvidenceGradingSystem
	if grading == "" {
		grading = "the guideline's own"
	}
	cfg.CitationStyle = fmt.Sprintf(models.ClinicalCitationStyle, meta.Title, org, grading)
	return cfg
}
