package rag

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"guideline-rag/internal/blobstore"
	"guideline-rag/internal/config"
	"guideline-rag/internal/db"
	"guideline-rag/internal/embedding"
	"guideline-rag/internal/llmservice"
	"guideline-rag/internal/parser"
	"guideline-rag/internal/vectorstore"
)

// NewFromConfig builds the concrete stack described by cfg. store may be nil
// when neither the pgvector store nor the conversation store is needed.
func NewFromConfig(ctx context.Context, cfg *config.Config, store *db.Store) (*RAG, error) {
	blobs, err := NewBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	vectors, err := NewVectorStore(ctx, cfg, store)
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.NewEmbedder(&cfg.EmbedLLM)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	chatModel, err := llmservice.NewModel(&cfg.ChatLLM)
	if err != nil {
		return nil, fmt.Errorf("chat model: %w", err)
	}
	toolModel, err := llmservice.NewModel(&cfg.ToolLLM)
	if err != nil {
		return nil, fmt.Errorf("tool model: %w", err)
	}

	deps := Deps{
		Blobs:     blobs,
		Vectors:   vectors,
		Chunker:   parser.NewGuidelineChunker(blobs, cfg.Storage.AssetBucket, cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap),
		Embedder:  embedding.NewRateLimitedEmbedder(embedder, cfg.RAG.EmbedRPS, cfg.RAG.EmbedBurst),
		ChatModel: chatModel,
		ToolModel: toolModel,
	}
	if store != nil {
		deps.Conversations = store
	}
	return NewRAG(cfg, deps)
}

// NewBlobStore opens the configured blob store and makes sure both buckets
// exist. Buckets are only created outside production.
func NewBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	buckets := []string{cfg.Storage.IndexBucket, cfg.Storage.AssetBucket}
	switch cfg.Storage.Mode {
	case "disk":
		disk, err := blobstore.NewDiskStore(cfg.Storage.Root)
		if err != nil {
			return nil, err
		}
		if !cfg.IsProduction() {
			for _, b := range buckets {
				if err := disk.MakeBucket(ctx, b); err != nil {
					return nil, fmt.Errorf("create bucket %s: %w", b, err)
				}
			}
		}
		return disk, nil
	case "gcs", "gcs-emulator":
		gcsCfg := blobstore.GCSConfig{
			ProjectID:       cfg.Storage.ProjectID,
			CredentialsFile: cfg.Storage.CredentialsFile,
			CreateBuckets:   !cfg.IsProduction(),
		}
		if cfg.Storage.Mode == "gcs-emulator" {
			gcsCfg.EmulatorHost = cfg.Storage.EmulatorHost
		}
		gcs, err := blobstore.NewGCSStore(ctx, gcsCfg)
		if err != nil {
			return nil, err
		}
		for _, b := range buckets {
			if err := gcs.EnsureBucket(ctx, b); err != nil {
				gcs.Close()
				return nil, err
			}
		}
		return gcs, nil
	default:
		return nil, fmt.Errorf("unsupported storage mode %q", cfg.Storage.Mode)
	}
}

func NewVectorStore(ctx context.Context, cfg *config.Config, store *db.Store) (vectorstore.Store, error) {
	switch cfg.VectorStore.Type {
	case "chromem":
		return vectorstore.NewChromemStore(vectorstore.ChromemConfig{
			Collection:    cfg.VectorStore.Collection,
			Path:          cfg.VectorStore.Path,
			Compress:      cfg.VectorStore.Compress,
			EncryptionKey: cfg.VectorStore.EncryptionKey,
		})
	case "pgvector":
		if store == nil {
			return nil, errors.New("pgvector store needs a database connection")
		}
		pg := vectorstore.NewPGVectorStore(store.DB(), cfg.VectorStore.TableName, cfg.EmbedLLM.Dimensions)
		if err := pg.Init(ctx); err != nil {
			return nil, fmt.Errorf("init pgvector table: %w", err)
		}
		log.Info().Str("table", cfg.VectorStore.TableName).Msg("Using pgvector store")
		return pg, nil
	default:
		return nil, fmt.Errorf("unsupported vector store %q", cfg.VectorStore.Type)
	}
}
