package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"guideline-rag/internal/models"
)

type ChromemConfig struct {
	Collection string
	// Path enables chromem's on-disk persistence; empty keeps the DB in memory.
	Path          string
	Compress      bool
	EncryptionKey string
}

// ChromemStore keeps vectors in a chromem-go collection.
type ChromemStore struct {
	db  *chromem.DB
	cfg ChromemConfig

	mu         sync.RWMutex
	collection *chromem.Collection
}

// embeddings are always computed by the caller
func precomputedOnly(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem store requires precomputed embeddings")
}

func NewChromemStore(cfg ChromemConfig) (*ChromemStore, error) {
	var db *chromem.DB
	var err error
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	c, err := db.GetOrCreateCollection(cfg.Collection, nil, precomputedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	return &ChromemStore{db: db, cfg: cfg, collection: c}, nil
}

func (s *ChromemStore) coll() *chromem.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collection
}

func (s *ChromemStore) Add(ctx context.Context, nodes []models.Node, embeddings [][]float32) error {
	if len(nodes) != len(embeddings) {
		return fmt.Errorf("%w: %d nodes, %d embeddings", ErrDimensionMismatch, len(nodes), len(embeddings))
	}
	if len(nodes) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(nodes))
	for i, n := range nodes {
		metadata := make(map[string]string, len(n.Metadata)+1)
		for k, v := range n.Metadata {
			metadata[k] = v
		}
		metadata[models.DocIDKey] = n.DocumentID
		docs[i] = chromem.Document{
			ID:        n.ID,
			Content:   n.Text,
			Metadata:  metadata,
			Embedding: embeddings[i],
		}
	}
	if err := s.coll().AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, q Query) ([]Match, error) {
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("query embedding must be provided")
	}
	c := s.coll()
	n := q.TopK
	// chromem rejects nResults above the collection size
	if count := c.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	results, err := c.QueryEmbedding(ctx, q.Embedding, n, q.Where, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			Node: models.Node{
				ID:         r.ID,
				DocumentID: r.Metadata[models.DocIDKey],
				Text:       r.Content,
				Metadata:   r.Metadata,
			},
			Score: r.Similarity,
		})
	}
	return matches, nil
}

func (s *ChromemStore) DeleteDocument(ctx context.Context, documentID string) error {
	err := s.coll().Delete(ctx, map[string]string{models.DocIDKey: documentID}, nil)
	if err != nil {
		return fmt.Errorf("failed to delete vectors of %s: %w", documentID, err)
	}
	return nil
}

func (s *ChromemStore) Descriptor() Descriptor {
	return Descriptor{Type: "chromem", Collection: s.cfg.Collection}
}

// Count is the number of vectors in the collection.
func (s *ChromemStore) Count() int {
	return s.coll().Count()
}

// Save exports the collection to w.
func (s *ChromemStore) Save(w io.Writer) error {
	log.Debug().
		Str("collection", s.cfg.Collection).
		Bool("compress", s.cfg.Compress).
		Bool("encrypted", s.cfg.EncryptionKey != "").
		Msg("Exporting vector collection")
	if err := s.db.ExportToWriter(w, s.cfg.Compress, s.cfg.EncryptionKey, s.cfg.Collection); err != nil {
		return fmt.Errorf("failed to export collection: %w", err)
	}
	return nil
}

// Load replaces the collection with the one exported to r.
func (s *ChromemStore) Load(r io.ReadSeeker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.ImportFromReader(r, s.cfg.EncryptionKey, s.cfg.Collection); err != nil {
		return fmt.Errorf("failed to import collection: %w", err)
	}
	c := s.db.GetCollection(s.cfg.Collection, precomputedOnly)
	if c == nil {
		return fmt.Errorf("collection %s missing from snapshot", s.cfg.Collection)
	}
	s.collection = c
	return nil
}
