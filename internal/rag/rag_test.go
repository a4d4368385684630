package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"guideline-rag/internal/blobstore"
	"guideline-rag/internal/config"
	"guideline-rag/internal/embedding"
	"guideline-rag/internal/llmservice"
	"guideline-rag/internal/models"
	"guideline-rag/internal/parser"
	"guideline-rag/internal/vectorstore"
)

const metforminMD = `# Initial therapy

Recommendation 2.1: Start metformin at 500 mg once daily with the evening meal and titrate weekly.

Level of evidence: A

# Monitoring

Check renal function at least once a year while on metformin.
`

type memoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	seq           int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{conversations: map[string]*models.Conversation{}}
}

func (s *memoryStore) add(conv models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = &conv
}

func (s *memoryStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %s not found", id)
	}
	out := *conv
	out.Messages = append([]models.Message(nil), conv.Messages...)
	return out, nil
}

func (s *memoryStore) AddMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return msg, fmt.Errorf("conversation %s not found", msg.ConversationID)
	}
	s.seq++
	msg.ID = fmt.Sprintf("m%d", s.seq)
	msg.CreatedAt = time.Date(2024, 1, 1, 0, 0, s.seq, 0, time.UTC)
	conv.Messages = append(conv.Messages, msg)
	return msg, nil
}

func (s *memoryStore) messages(id string) []models.Message {
	conv, _ := s.GetConversation(context.Background(), id)
	return conv.Messages
}

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{IndexBucket: "index", AssetBucket: "assets"},
		RAG: config.RAGConfig{
			ChunkSize:         400,
			ChunkOverlap:      40,
			SimilarityTopK:    3,
			ResponseMode:      "compact",
			MaxToolCalls:      3,
			TurnTimeout:       time.Minute,
			BuildConcurrency:  2,
			RouterConcurrency: 2,
			CacheTTL:          5 * time.Minute,
			CacheCapacity:     10,
		},
	}
}

// toolModel decomposes every question onto docID and answers document
// queries with a fixed sentence.
func toolModel(docID string) *llmservice.MockModel {
	return &llmservice.MockModel{Responder: func(ctx context.Context, call llmservice.MockCall) (*llms.ContentResponse, error) {
		if call.Options.JSONMode {
			return llmservice.TextResponse(fmt.Sprintf(`{"items": [{"sub_question": "What is the starting dose of metformin?", "tool_name": %q}]}`, docID)), nil
		}
		return llmservice.TextResponse("Start metformin at 500 mg once daily (Recommendation 2.1, evidence A)."), nil
	}}
}

func lastToolOutput(call llmservice.MockCall) (string, bool) {
	for i := len(call.Messages) - 1; i >= 0; i-- {
		if call.Messages[i].Role != llms.ChatMessageTypeTool {
			continue
		}
		return call.Messages[i].Parts[0].(llms.ToolCallResponse).Content, true
	}
	return "", false
}

// chatModel calls the guideline tool once, then answers from its output.
func chatModel() *llmservice.MockModel {
	return &llmservice.MockModel{Responder: func(ctx context.Context, call llmservice.MockCall) (*llms.ContentResponse, error) {
		if out, ok := lastToolOutput(call); ok {
			return llmservice.TextResponse("Answer: " + out), nil
		}
		return llmservice.ToolCallResponse(llms.ToolCall{
			ID:   "call-1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      models.TopLevelToolName,
				Arguments: `{"input": "metformin starting dose"}`,
			},
		}), nil
	}}
}

type fixture struct {
	disk     *blobstore.DiskStore
	embedder *embedding.MockEmbedder
	chat     *llmservice.MockModel
	store    *memoryStore
	rag      *RAG
	doc      models.Document
}

func newFixture(t *testing.T, disk *blobstore.DiskStore) *fixture {
	t.Helper()
	ctx := context.Background()
	if disk == nil {
		var err error
		disk, err = blobstore.NewDiskStore(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, disk.Put(ctx, "assets/metformin.md", []byte(metforminMD)))
	}
	vectors, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Collection: "test"})
	require.NoError(t, err)

	doc := models.Document{ID: "doc-metformin", URL: "https://example.org/guidelines/metformin.md"}
	require.NoError(t, doc.SetClinicalMetadata(models.ClinicalGuidelineMetadata{
		Title:               "Type 2 diabetes management",
		IssuingOrganization: "ADA",
	}))

	f := &fixture{
		disk:     disk,
		embedder: embedding.NewMockEmbedder(256),
		chat:     chatModel(),
		store:    newMemoryStore(),
		doc:      doc,
	}
	cfg := testConfig()
	f.rag, err = NewRAG(cfg, Deps{
		Blobs:         disk,
		Vectors:       vectors,
		Chunker:       parser.NewGuidelineChunker(disk, cfg.Storage.AssetBucket, cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap),
		Embedder:      f.embedder,
		ChatModel:     f.chat,
		ToolModel:     toolModel(doc.ID),
		Conversations: f.store,
		Clock:         func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return f
}

func TestChat_endToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.store.add(models.Conversation{ID: "c1", Documents: []models.Document{f.doc}})

	resp, err := f.rag.Chat(ctx, "c1", "How should I start metformin?")
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "500 mg")
	require.Len(t, resp.ToolResults, 1)
	assert.Equal(t, "metformin starting dose", resp.ToolResults[0].Input)
	assert.NotEmpty(t, resp.ToolResults[0].Source)

	msgs := f.store.messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, models.StatusSuccess, msgs[1].Status)
	assert.Equal(t, resp.Text, msgs[1].Content)

	prompt := f.chat.Calls()[0].Messages[0].Parts[0].(llms.TextContent).Text
	assert.Contains(t, prompt, "- Type 2 diabetes management (ADA)")
	assert.Contains(t, prompt, "2024-06-01")

	for _, name := range []string{"docstore.json", "index_store.json", "vector_store.json"} {
		ok, err := f.disk.Exists(ctx, "index/"+name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}

	embedded := f.embedder.DocumentCalls()
	require.Positive(t, embedded)

	// second turn reuses the cached context and sees the first turn as history
	_, err = f.rag.Chat(ctx, "c1", "And how often should renal function be checked?")
	require.NoError(t, err)
	assert.Equal(t, embedded, f.embedder.DocumentCalls())

	calls := f.chat.Calls()
	second := calls[2].Messages
	require.Len(t, second, 4)
	assert.Equal(t, llms.ChatMessageTypeHuman, second[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, second[2].Role)
	assert.Len(t, f.store.messages("c1"), 4)
}

func TestBuildIndices_loadsPersistedContextInNewProcess(t *testing.T) {
	ctx := context.Background()
	first := newFixture(t, nil)
	built, err := first.rag.BuildIndices(ctx, []models.Document{first.doc})
	require.NoError(t, err)
	require.Contains(t, built, first.doc.ID)
	require.Positive(t, first.embedder.DocumentCalls())

	second := newFixture(t, first.disk)
	loaded, err := second.rag.BuildIndices(ctx, []models.Document{second.doc})
	require.NoError(t, err)
	assert.Equal(t, built[first.doc.ID].NodeIDs, loaded[second.doc.ID].NodeIDs)
	assert.Zero(t, second.embedder.DocumentCalls())
}

func TestChat_emptyDocumentSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.store.add(models.Conversation{ID: "empty"})

	tools, err := f.rag.BuildToolset(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, tools)

	resp, err := f.rag.Chat(ctx, "empty", "What is the metformin dose?")
	require.NoError(t, err)
	assert.Contains(t, resp.Text, models.CouldNotAnswer)
	prompt := f.chat.Calls()[0].Messages[0].Parts[0].(llms.TextContent).Text
	assert.Contains(t, prompt, models.NoDocumentsSelected)
	assert.Zero(t, f.embedder.DocumentCalls())
}

func TestChat_failedTurnIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.chat.Responder = func(ctx context.Context, call llmservice.MockCall) (*llms.ContentResponse, error) {
		return nil, errors.New("model unavailable")
	}
	f.store.add(models.Conversation{ID: "c1"})

	_, err := f.rag.Chat(ctx, "c1", "hello")
	require.Error(t, err)

	msgs := f.store.messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.StatusError, msgs[1].Status)
	assert.True(t, strings.Contains(msgs[1].Content, "model unavailable"))
}

func TestChat_unknownConversation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.rag.Chat(context.Background(), "missing", "hello")
	assert.Error(t, err)
}

func TestNewRAG_validates(t *testing.T) {
	_, err := NewRAG(testConfig(), Deps{})
	assert.Error(t, err)

	f := newFixture(t, nil)
	cfg := testConfig()
	cfg.RAG.ResponseMode = "tree_summarize"
	_, err = NewRAG(cfg, Deps{
		Blobs:     f.disk,
		Vectors:   f.rag.vectors,
		Chunker:   f.rag.chunker,
		Embedder:  f.embedder,
		ChatModel: f.chat,
		ToolModel: f.chat,
	})
	assert.Error(t, err)
}
