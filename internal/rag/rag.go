// Package rag wires the guideline pipeline together: it builds or loads the
// per-document indices of a conversation and hands the resulting tool set to
// a conversational agent.
package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"

	"guideline-rag/internal/agent"
	"guideline-rag/internal/blobstore"
	"guideline-rag/internal/config"
	"guideline-rag/internal/indexer"
	"guideline-rag/internal/models"
	"guideline-rag/internal/parser"
	"guideline-rag/internal/query"
	"guideline-rag/internal/router"
	"guideline-rag/internal/storagecontext"
	"guideline-rag/internal/vectorstore"
)

// ConversationStore is the part of the conversation store the core uses.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	AddMessage(ctx context.Context, msg models.Message) (models.Message, error)
}

// Deps are the collaborators NewRAG wires together. ToolModel answers
// per-document queries, decomposes questions and writes chunk context;
// ChatModel drives the agent.
type Deps struct {
	Blobs         blobstore.Store
	Vectors       vectorstore.Store
	Chunker       parser.Chunker
	Embedder      embeddings.Embedder
	ChatModel     llms.Model
	ToolModel     llms.Model
	Conversations ConversationStore
	Clock         func() time.Time
}

type RAG struct {
	location      string
	blobs         blobstore.Store
	vectors       vectorstore.Store
	chunker       parser.Chunker
	cache         *storagecontext.Cache
	builder       *indexer.Builder
	factory       *query.Factory
	router        *router.Router
	chatModel     llms.Model
	conversations ConversationStore
	agentOpts     []agent.Option
}

func NewRAG(cfg *config.Config, deps Deps) (*RAG, error) {
	if deps.Blobs == nil || deps.Vectors == nil || deps.Chunker == nil || deps.Embedder == nil {
		return nil, errors.New("rag: blob store, vector store, chunker and embedder are required")
	}
	if deps.ChatModel == nil || deps.ToolModel == nil {
		return nil, errors.New("rag: chat and tool models are required")
	}
	mode, err := query.ParseResponseMode(cfg.RAG.ResponseMode)
	if err != nil {
		return nil, err
	}

	cacheOpts := []storagecontext.Option{
		storagecontext.WithTTL(cfg.RAG.CacheTTL),
		storagecontext.WithCapacity(cfg.RAG.CacheCapacity),
	}
	agentOpts := []agent.Option{
		agent.WithMaxToolCalls(cfg.RAG.MaxToolCalls),
		agent.WithTurnTimeout(cfg.RAG.TurnTimeout),
	}
	if deps.Clock != nil {
		cacheOpts = append(cacheOpts, storagecontext.WithClock(deps.Clock))
		agentOpts = append(agentOpts, agent.WithClock(deps.Clock))
	}

	builderOpts := []indexer.Option{indexer.WithConcurrency(cfg.RAG.BuildConcurrency)}
	if cfg.RAG.ContextualChunks {
		builderOpts = append(builderOpts, indexer.WithContextualChunks(deps.ToolModel))
	}

	synth := query.NewSynthesizer(deps.ToolModel, llms.WithTemperature(cfg.ToolLLM.Temperature))
	rt := router.New(router.NewLLMDecomposer(deps.ToolModel),
		router.WithConcurrency(cfg.RAG.RouterConcurrency),
		router.WithSynthesizer(synth))
	return &RAG{
		location:      cfg.Storage.IndexBucket,
		blobs:         deps.Blobs,
		vectors:       deps.Vectors,
		chunker:       deps.Chunker,
		cache:         storagecontext.NewCache(deps.Blobs, cacheOpts...),
		builder:       indexer.NewBuilder(deps.Chunker, deps.Embedder, builderOpts...),
		factory:       query.NewFactory(synth, cfg.RAG.SimilarityTopK, mode),
		router:        rt,
		chatModel:     deps.ChatModel,
		conversations: deps.Conversations,
		agentOpts:     agentOpts,
	}, nil
}

func (r *RAG) Blobs() blobstore.Store { return r.blobs }

func (r *RAG) Chunker() parser.Chunker { return r.chunker }

// Close releases the blob and vector store clients that hold connections.
func (r *RAG) Close() error {
	var errs []error
	for _, c := range []any{r.blobs, r.vectors} {
		if closer, ok := c.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}

// BuildIndices returns the index of every document, building the missing ones.
func (r *RAG) BuildIndices(ctx context.Context, docs []models.Document) (map[string]*indexer.Index, error) {
	sc, err := r.cache.GetOrCreate(ctx, r.location, r.vectors)
	if err != nil {
		return nil, fmt.Errorf("storage context %s: %w", r.location, err)
	}
	return r.builder.BuildOrLoad(ctx, docs, sc)
}

// BuildToolset returns one query tool per document, named by document id.
// Tools are built fresh on every call and never shared between turns.
func (r *RAG) BuildToolset(ctx context.Context, docs []models.Document) ([]router.Tool, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	indices, err := r.BuildIndices(ctx, docs)
	if err != nil {
		return nil, err
	}
	tools := make([]router.Tool, 0, len(docs))
	for _, doc := range docs {
		ix, ok := indices[doc.ID]
		if !ok {
			return nil, fmt.Errorf("no index for document %s", doc.ID)
		}
		engine, err := r.factory.ForDocument(doc.ID, ix, docs)
		if err != nil {
			return nil, err
		}
		tools = append(tools, router.NewDocumentTool(doc, engine))
	}
	return tools, nil
}

// NewChatEngine builds the agent for one turn of conv.
func (r *RAG) NewChatEngine(ctx context.Context, conv models.Conversation, opts ...agent.Option) (*agent.Agent, error) {
	tools, err := r.BuildToolset(ctx, conv.Documents)
	if err != nil {
		return nil, err
	}
	titles := make([]string, len(conv.Documents))
	for i, doc := range conv.Documents {
		titles[i] = models.BuildTitleForDocument(doc)
	}
	top := agent.Tool{
		Name:        models.TopLevelToolName,
		Description: models.TopLevelToolDescription,
		Engine:      router.NewQueryTool(r.router, tools),
	}
	log.Debug().
		Str("conversation_id", conv.ID).
		Int("documents", len(conv.Documents)).
		Int("history", len(conv.Messages)).
		Msg("Chat engine ready")
	return agent.New(r.chatModel, top, conv.Messages, titles, append(append([]agent.Option(nil), r.agentOpts...), opts...)...), nil
}

// Chat runs one turn of the conversation and records both the user message
// and the assistant reply. A failed turn is recorded with the error status.
func (r *RAG) Chat(ctx context.Context, conversationID, message string, opts ...agent.Option) (agent.Response, error) {
	if r.conversations == nil {
		return agent.Response{}, errors.New("rag: no conversation store configured")
	}
	conv, err := r.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return agent.Response{}, err
	}
	ag, err := r.NewChatEngine(ctx, conv, opts...)
	if err != nil {
		return agent.Response{}, err
	}

	if _, err := r.conversations.AddMessage(ctx, models.Message{
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        message,
		Status:         models.StatusSuccess,
	}); err != nil {
		return agent.Response{}, err
	}

	resp, chatErr := ag.Chat(ctx, message)
	reply := models.Message{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        resp.Text,
		Status:         models.StatusSuccess,
	}
	if chatErr != nil {
		reply.Content = chatErr.Error()
		reply.Status = models.StatusError
	}
	if _, err := r.conversations.AddMessage(ctx, reply); err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to store assistant message")
		if chatErr == nil {
			return resp, err
		}
	}
	return resp, chatErr
}
