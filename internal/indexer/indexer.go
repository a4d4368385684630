package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"guideline-rag/internal/embedding"
	"guideline-rag/internal/helper"
	"guideline-rag/internal/models"
	"guideline-rag/internal/parser"
	"guideline-rag/internal/storagecontext"
	"guideline-rag/internal/vectorstore"
)

const (
	defaultConcurrency = 4
	// upper bound on document text sent with each contextual chunk prompt
	maxContextDocumentChars = 24000
)

// Index is the per-document vector index. Its ID is the document id.
type Index struct {
	ID         string
	DocumentID string
	NodeIDs    []string

	sc       *storagecontext.StorageContext
	embedder embeddings.Embedder
}

// Retrieve returns the topK nodes closest to query that match where.
func (ix *Index) Retrieve(ctx context.Context, query string, topK int, where map[string]string) ([]vectorstore.Match, error) {
	emb, err := ix.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return ix.sc.Vectors().Query(ctx, vectorstore.Query{Embedding: emb, TopK: topK, Where: where})
}

type Option func(*Builder)

// WithConcurrency bounds the number of documents built at once.
func WithConcurrency(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithContextualChunks prefixes every node with a model-written summary of
// where it sits in its document before it is embedded.
func WithContextualChunks(model llms.Model) Option {
	return func(b *Builder) { b.contextModel = model }
}

type Builder struct {
	chunker      parser.Chunker
	embedder     embeddings.Embedder
	concurrency  int
	contextModel llms.Model

	// one build per storage location and document at a time
	flights singleflight.Group
}

func NewBuilder(chunker parser.Chunker, embedder embeddings.Embedder, opts ...Option) *Builder {
	b := &Builder{chunker: chunker, embedder: embedder, concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildOrLoad returns the index of every document keyed by document id. Indices already in sc
// are loaded as is; only when some are missing are those documents chunked,
// embedded and registered, after which sc is persisted. Errors other than a
// missing index are returned unchanged. When a build fails the indices that
// are ready are returned with the error.
func (b *Builder) BuildOrLoad(ctx context.Context, docs []models.Document, sc *storagecontext.StorageContext) (map[string]*Index, error) {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}

	structs, err := sc.LoadIndices(ids)
	if err == nil {
		log.Debug().Int("indices", len(structs)).Msg("Loaded indices from storage context")
		out := make(map[string]*Index, len(structs))
		for _, s := range structs {
			out[s.ID] = b.wrap(s, sc)
		}
		return out, nil
	}
	if !errors.Is(err, storagecontext.ErrIndexNotFound) {
		return nil, err
	}

	log.Info().Err(err).Msg("Building missing indices")
	built := make([]*Index, len(docs))
	var count atomic.Int64

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	seen := make(map[string]bool, len(docs))
	for i, doc := range docs {
		if seen[doc.ID] {
			continue
		}
		seen[doc.ID] = true
		if s, ok := sc.Index(doc.ID); ok {
			built[i] = b.wrap(s, sc)
			continue
		}
		g.Go(func() error {
			s, fresh, err := b.buildOnce(ctx, doc, sc)
			if err != nil {
				return fmt.Errorf("build index for document %s: %w", doc.ID, err)
			}
			if fresh {
				count.Add(1)
			}
			built[i] = b.wrap(s, sc)
			return nil
		})
	}
	buildErr := g.Wait()

	// keep whatever was built even if a sibling failed
	if count.Load() > 0 {
		if err := sc.Persist(ctx); err != nil {
			return nil, errors.Join(buildErr, fmt.Errorf("persist storage context: %w", err))
		}
	}
	out := make(map[string]*Index, len(docs))
	for _, ix := range built {
		if ix != nil {
			out[ix.ID] = ix
		}
	}
	return out, buildErr
}

func (b *Builder) wrap(s storagecontext.IndexStruct, sc *storagecontext.StorageContext) *Index {
	return &Index{ID: s.ID, DocumentID: s.DocumentID, NodeIDs: s.NodeIDs, sc: sc, embedder: b.embedder}
}

type buildResult struct {
	index storagecontext.IndexStruct
	fresh bool
}

// buildOnce builds doc unless another caller is already building it in sc, in
// which case it waits for and shares that build. An index that appeared in sc
// meanwhile is reused; fresh reports whether a build ran.
func (b *Builder) buildOnce(ctx context.Context, doc models.Document, sc *storagecontext.StorageContext) (storagecontext.IndexStruct, bool, error) {
	v, err, _ := b.flights.Do(sc.Location()+"/"+doc.ID, func() (any, error) {
		if s, ok := sc.Index(doc.ID); ok {
			return buildResult{index: s}, nil
		}
		s, err := b.build(ctx, doc, sc)
		return buildResult{index: s, fresh: true}, err
	})
	if err != nil {
		return storagecontext.IndexStruct{}, false, err
	}
	res := v.(buildResult)
	return res.index, res.fresh, nil
}

func (b *Builder) build(ctx context.Context, doc models.Document, sc *storagecontext.StorageContext) (storagecontext.IndexStruct, error) {
	start := time.Now()
	nodes, err := b.chunker.Chunk(ctx, doc)
	if err != nil {
		return storagecontext.IndexStruct{}, err
	}
	for i := range nodes {
		nodes[i].DocumentID = doc.ID
		nodes[i].SetMetadata(models.DocIDKey, doc.ID)
	}

	if b.contextModel != nil {
		b.contextualize(ctx, nodes)
	}

	// a previous half-finished build may have left vectors behind
	sc.RemoveDocument(doc.ID)
	if err := sc.Vectors().DeleteDocument(ctx, doc.ID); err != nil {
		return storagecontext.IndexStruct{}, err
	}

	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = n.Text
	}
	embs, err := b.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return storagecontext.IndexStruct{}, fmt.Errorf("embed nodes: %w", err)
	}
	if err := sc.Vectors().Add(ctx, nodes, embs); err != nil {
		return storagecontext.IndexStruct{}, err
	}

	nodeIDs := make([]string, len(nodes))
	for i, n := range nodes {
		nodeIDs[i] = n.ID
	}
	s := storagecontext.IndexStruct{
		ID:         doc.ID,
		DocumentID: doc.ID,
		NodeIDs:    nodeIDs,
		CreatedAt:  time.Now().UTC(),
	}
	sc.AddNodes(nodes)
	sc.AddIndex(s)

	log.Info().
		Str("document_id", doc.ID).
		Int("nodes", len(nodes)).
		Dur("took", time.Since(start)).
		Msg("Built index")
	return s, nil
}

// contextualize prepends a situating context to each node. Failures leave the
// node text unchanged.
func (b *Builder) contextualize(ctx context.Context, nodes []models.Node) {
	var whole strings.Builder
	for _, n := range nodes {
		whole.WriteString(n.Text)
		whole.WriteString("\n")
	}
	document := helper.Truncate(whole.String(), maxContextDocumentChars)

	for i := range nodes {
		situated, err := embedding.GenerateContext(ctx, b.contextModel, document, nodes[i].Text)
		if err != nil {
			log.Warn().Err(err).Str("node_id", nodes[i].ID).Msg("Contextual chunk generation failed")
			continue
		}
		if situated != "" {
			nodes[i].Text = situated + "\n\n" + nodes[i].Text
		}
	}
}
