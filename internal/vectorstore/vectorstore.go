// Package vectorstore holds node embeddings and answers filtered similarity queries.
package vectorstore

import (
	"context"
	"errors"
	"io"

	"guideline-rag/internal/models"
)

var ErrDimensionMismatch = errors.New("embedding count does not match node count")

// Match is a retrieved node and its similarity to the query, higher is closer.
type Match struct {
	Node  models.Node
	Score float32
}

type Query struct {
	Embedding []float32
	TopK      int
	// Where is an exact-match filter on node metadata.
	Where map[string]string
}

// Descriptor identifies the backing store; it is persisted as vector_store.json.
type Descriptor struct {
	Type       string `json:"type"`
	Collection string `json:"collection,omitempty"`
	Table      string `json:"table,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type Store interface {
	Add(ctx context.Context, nodes []models.Node, embeddings [][]float32) error
	Query(ctx context.Context, q Query) ([]Match, error)
	DeleteDocument(ctx context.Context, documentID string) error
	Descriptor() Descriptor
}

// Snapshotter is implemented by stores whose vectors live in process memory
// and must be saved next to the rest of the storage context.
type Snapshotter interface {
	Save(w io.Writer) error
	Load(r io.ReadSeeker) error
}
