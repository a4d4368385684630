package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"guideline-rag/internal/blobstore"
	"guideline-rag/internal/config"
	"guideline-rag/internal/db"
	"guideline-rag/internal/helper"
	"guideline-rag/internal/models"
	"guideline-rag/internal/parser"
	"guideline-rag/internal/rag"
)

const (
	configFilePath   = "./configs/config.yaml"
	seedManifestName = "guidelines.yaml"
)

func main() {
	configPath := flag.String("config", configFilePath, "Path to the config file")
	seedDir := flag.String("seed", "", "Directory with guideline files and "+seedManifestName+" to upload and index")
	indexAll := flag.Bool("index", false, "Build or load the index of every stored document")
	conversationID := flag.String("conversation", "", "Conversation to continue")
	documents := flag.String("documents", "", "Comma separated document ids for a new conversation")
	query := flag.String("query", "", "Question to ask")
	dryRun := flag.Bool("dry-run", false, "With -seed, chunk the files and print the nodes without storing anything")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	if err := helper.SetupLogger(cfg.LogLevel, cfg.Environment == config.EnvLocal, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Error setting up logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *seedDir != "" && *dryRun:
		chunkSeed(ctx, cfg, *seedDir)
	case *seedDir != "":
		seed(ctx, cfg, *seedDir)
	case *indexAll:
		buildAll(ctx, cfg)
	case *query != "":
		ask(ctx, cfg, *conversationID, splitIDs(*documents), *query)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

type seedManifest struct {
	Guidelines []seedGuideline `yaml:"guidelines"`
}

type seedGuideline struct {
	ID       string                           `yaml:"id"`
	File     string                           `yaml:"file"`
	URL      string                           `yaml:"url"`
	Metadata models.ClinicalGuidelineMetadata `yaml:"metadata"`
}

func readManifest(dir string) ([]seedGuideline, error) {
	data, err := os.ReadFile(filepath.Join(dir, seedManifestName))
	if err != nil {
		return nil, err
	}
	var m seedManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", seedManifestName, err)
	}
	for i, g := range m.Guidelines {
		if g.File == "" {
			return nil, fmt.Errorf("guideline %d: file is required", i)
		}
		if g.ID == "" {
			id, err := helper.GenerateUUID()
			if err != nil {
				return nil, err
			}
			m.Guidelines[i].ID = id
		}
	}
	return m.Guidelines, nil
}

func (g seedGuideline) document(assetBucket string) (models.Document, error) {
	url := g.URL
	if url == "" {
		url = "gs://" + blobstore.JoinKey(assetBucket, filepath.Base(g.File))
	}
	doc := models.Document{ID: g.ID, URL: url}
	if g.Metadata.Title != "" {
		if err := doc.SetClinicalMetadata(g.Metadata); err != nil {
			return doc, err
		}
	}
	return doc, nil
}

// upload copies every guideline file into the asset bucket.
func upload(ctx context.Context, store blobstore.Store, assetBucket, dir string, guidelines []seedGuideline) ([]models.Document, error) {
	docs := make([]models.Document, 0, len(guidelines))
	for _, g := range guidelines {
		data, err := os.ReadFile(filepath.Join(dir, g.File))
		if err != nil {
			return nil, err
		}
		key := blobstore.JoinKey(assetBucket, filepath.Base(g.File))
		if err := store.Put(ctx, key, data); err != nil {
			return nil, fmt.Errorf("upload %s: %w", key, err)
		}
		doc, err := g.document(assetBucket)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
		log.Info().Str("document_id", doc.ID).Str("key", key).Msg("Uploaded guideline")
	}
	return docs, nil
}

func openStore(ctx context.Context, cfg *config.Config) *db.Store {
	sqldb, err := db.ConnectDB(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Error connecting to database")
	}
	bunDB := db.NewDB(sqldb, cfg.Database.Debug)
	if err := db.InitDB(ctx, bunDB); err != nil {
		log.Fatal().Err(err).Msg("Error initializing database")
	}
	return db.NewStore(bunDB)
}

func newRAG(ctx context.Context, cfg *config.Config, store *db.Store) *rag.RAG {
	r, err := rag.NewFromConfig(ctx, cfg, store)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing RAG")
	}
	return r
}

func seed(ctx context.Context, cfg *config.Config, dir string) {
	guidelines, err := readManifest(dir)
	if err != nil {
		log.Fatal().Err(err).Msg("Error reading seed manifest")
	}

	store := openStore(ctx, cfg)
	defer store.DB().Close()
	r := newRAG(ctx, cfg, store)
	defer r.Close()

	docs, err := upload(ctx, r.Blobs(), cfg.Storage.AssetBucket, dir, guidelines)
	if err != nil {
		log.Fatal().Err(err).Msg("Error uploading guidelines")
	}
	if err := store.UpsertDocuments(ctx, docs); err != nil {
		log.Fatal().Err(err).Msg("Error storing documents")
	}
	indices, err := r.BuildIndices(ctx, docs)
	if err != nil {
		log.Error().Err(err).Int("built", len(indices)).Msg("Some guidelines could not be indexed")
		os.Exit(1)
	}
	log.Info().Int("documents", len(indices)).Msg("Seeded guidelines")
}

// chunkSeed parses the seed files and prints the nodes without touching the
// database, the models or the index.
func chunkSeed(ctx context.Context, cfg *config.Config, dir string) {
	guidelines, err := readManifest(dir)
	if err != nil {
		log.Fatal().Err(err).Msg("Error reading seed manifest")
	}
	store, err := blobstore.NewDiskStore(filepath.Join(os.TempDir(), "guideline-rag-dry-run"))
	if err != nil {
		log.Fatal().Err(err).Msg("Error creating scratch store")
	}
	docs, err := upload(ctx, store, cfg.Storage.AssetBucket, dir, guidelines)
	if err != nil {
		log.Fatal().Err(err).Msg("Error staging guidelines")
	}

	chunker := parser.NewGuidelineChunker(store, cfg.Storage.AssetBucket, cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	for _, doc := range docs {
		nodes, err := chunker.Chunk(ctx, doc)
		if err != nil {
			log.Error().Err(err).Str("document_id", doc.ID).Msg("Error chunking document")
			continue
		}
		log.Info().Str("document_id", doc.ID).Int("nodes", len(nodes)).Msg("Parsed content")
		helper.PrettyPrint(nodes)
	}
}

func buildAll(ctx context.Context, cfg *config.Config) {
	store := openStore(ctx, cfg)
	defer store.DB().Close()
	r := newRAG(ctx, cfg, store)
	defer r.Close()

	docs, err := store.ListDocuments(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Error listing documents")
	}
	indices, err := r.BuildIndices(ctx, docs)
	if err != nil {
		log.Error().Err(err).Int("ready", len(indices)).Int("documents", len(docs)).Msg("Indexing finished with errors")
		os.Exit(1)
	}
	log.Info().Int("documents", len(indices)).Msg("All indices ready")
}

func ask(ctx context.Context, cfg *config.Config, conversationID string, documentIDs []string, question string) {
	store := openStore(ctx, cfg)
	defer store.DB().Close()
	r := newRAG(ctx, cfg, store)
	defer r.Close()

	if conversationID == "" {
		id, err := store.CreateConversation(ctx, documentIDs)
		if err != nil {
			log.Fatal().Err(err).Msg("Error creating conversation")
		}
		conversationID = id
		log.Info().Str("conversation_id", id).Strs("documents", documentIDs).Msg("Started conversation")
	}

	response, err := r.Chat(ctx, conversationID, question)
	if errors.Is(err, db.ErrConversationNotFound) {
		log.Fatal().Str("conversation_id", conversationID).Msg("Unknown conversation")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Error querying")
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", question)

	for i, tr := range response.ToolResults {
		log.Info().Int("call", i+1).Bool("failed", tr.Failed).Msg("Tool: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		fmt.Printf("%s\n%s\n\n", tr.Input, tr.Output)
		for _, s := range tr.Source {
			fmt.Printf("  [%s p.%s] %.3f %s\n", s.Section, s.Page, s.Score, helper.Truncate(s.Text, 80))
		}
	}

	log.Info().Bool("budget_exhausted", response.BudgetExhausted).Bool("timed_out", response.TimedOut).
		Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Text)
}

func splitIDs(s string) []string {
	var out []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
