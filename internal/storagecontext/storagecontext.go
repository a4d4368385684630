// Package storagecontext persists the docstore, index store and vector store
// descriptor shared by every per-document index of a conversation.
package storagecontext

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"guideline-rag/internal/blobstore"
	"guideline-rag/internal/models"
	"guideline-rag/internal/vectorstore"
)

const (
	DocstoreKey    = "docstore.json"
	IndexStoreKey  = "index_store.json"
	VectorStoreKey = "vector_store.json"
	VectorDataKey  = "vector_store.chromem"
)

var (
	// ErrNotFound means nothing has been persisted at the location yet.
	ErrNotFound = errors.New("storage context not found")
	// ErrIndexNotFound means one or more requested indices are absent.
	ErrIndexNotFound = errors.New("index not found")
	// ErrCorrupt means persisted state is inconsistent, e.g. an index
	// references nodes the docstore does not have.
	ErrCorrupt = errors.New("storage context corrupt")
)

// MissingIndicesError lists the requested index ids absent from the context.
type MissingIndicesError struct {
	IDs []string
}

func (e *MissingIndicesError) Error() string {
	return fmt.Sprintf("%s: %s", ErrIndexNotFound, strings.Join(e.IDs, ", "))
}

func (e *MissingIndicesError) Unwrap() error { return ErrIndexNotFound }

// IndexStruct is the persisted record of one per-document index. Its ID is
// the document id.
type IndexStruct struct {
	ID         string    `json:"index_id"`
	DocumentID string    `json:"document_id"`
	NodeIDs    []string  `json:"node_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

type docstoreFile struct {
	Nodes   map[string]models.Node `json:"nodes"`
	RefDocs map[string][]string    `json:"ref_doc_info"`
}

type indexStoreFile struct {
	Indices map[string]IndexStruct `json:"index_store"`
}

type StorageContext struct {
	store    blobstore.Store
	location string
	vectors  vectorstore.Store

	mu      sync.RWMutex
	nodes   map[string]models.Node
	refDocs map[string][]string
	indices map[string]IndexStruct

	persistMu sync.Mutex
}

// New returns an empty context for location. Nothing is written until Persist.
func New(store blobstore.Store, location string, vectors vectorstore.Store) *StorageContext {
	return &StorageContext{
		store:    store,
		location: location,
		vectors:  vectors,
		nodes:    make(map[string]models.Node),
		refDocs:  make(map[string][]string),
		indices:  make(map[string]IndexStruct),
	}
}

// Load reads a persisted context. It returns ErrNotFound when the location
// holds no docstore or index store.
func Load(ctx context.Context, store blobstore.Store, location string, vectors vectorstore.Store) (*StorageContext, error) {
	sc := New(store, location, vectors)

	var ds docstoreFile
	if err := sc.readJSON(ctx, DocstoreKey, &ds); err != nil {
		return nil, err
	}
	var is indexStoreFile
	if err := sc.readJSON(ctx, IndexStoreKey, &is); err != nil {
		return nil, err
	}
	if ds.Nodes != nil {
		sc.nodes = ds.Nodes
	}
	if ds.RefDocs != nil {
		sc.refDocs = ds.RefDocs
	}
	if is.Indices != nil {
		sc.indices = is.Indices
	}

	var desc vectorstore.Descriptor
	switch err := sc.readJSON(ctx, VectorStoreKey, &desc); {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	case desc.Type != vectors.Descriptor().Type:
		log.Warn().
			Str("location", location).
			Str("persisted", desc.Type).
			Str("current", vectors.Descriptor().Type).
			Msg("Vector store type differs from persisted descriptor")
	}

	if snap, ok := vectors.(vectorstore.Snapshotter); ok {
		data, err := blobstore.ReadAll(ctx, store, sc.key(VectorDataKey))
		switch {
		case errors.Is(err, blobstore.ErrNotFound):
			if len(sc.nodes) > 0 {
				return nil, fmt.Errorf("%w: %s has nodes but no vector data", ErrCorrupt, location)
			}
		case err != nil:
			return nil, err
		default:
			if err := snap.Load(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		}
	}

	log.Debug().
		Str("location", location).
		Int("nodes", len(sc.nodes)).
		Int("indices", len(sc.indices)).
		Msg("Loaded storage context")
	return sc, nil
}

func (sc *StorageContext) key(name string) string {
	return blobstore.JoinKey(sc.location, name)
}

func (sc *StorageContext) readJSON(ctx context.Context, name string, v any) error {
	data, err := blobstore.ReadAll(ctx, sc.store, sc.key(name))
	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, sc.key(name))
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrCorrupt, sc.key(name), err)
	}
	return nil
}

// Persist writes every part of the context to its location.
func (sc *StorageContext) Persist(ctx context.Context) error {
	sc.persistMu.Lock()
	defer sc.persistMu.Unlock()

	sc.mu.RLock()
	docstore, docErr := json.Marshal(docstoreFile{Nodes: sc.nodes, RefDocs: sc.refDocs})
	indexStore, indexErr := json.Marshal(indexStoreFile{Indices: sc.indices})
	sc.mu.RUnlock()
	if err := errors.Join(docErr, indexErr); err != nil {
		return err
	}

	if err := sc.store.Put(ctx, sc.key(DocstoreKey), docstore); err != nil {
		return fmt.Errorf("persist docstore: %w", err)
	}
	if err := sc.store.Put(ctx, sc.key(IndexStoreKey), indexStore); err != nil {
		return fmt.Errorf("persist index store: %w", err)
	}

	desc, err := json.Marshal(sc.vectors.Descriptor())
	if err != nil {
		return err
	}
	if err := sc.store.Put(ctx, sc.key(VectorStoreKey), desc); err != nil {
		return fmt.Errorf("persist vector store descriptor: %w", err)
	}

	if snap, ok := sc.vectors.(vectorstore.Snapshotter); ok {
		var buf bytes.Buffer
		if err := snap.Save(&buf); err != nil {
			return err
		}
		if err := sc.store.Put(ctx, sc.key(VectorDataKey), buf.Bytes()); err != nil {
			return fmt.Errorf("persist vector data: %w", err)
		}
	}
	return nil
}

func (sc *StorageContext) Location() string { return sc.location }

func (sc *StorageContext) Vectors() vectorstore.Store { return sc.vectors }

// AddNodes registers nodes in the docstore under their document.
func (sc *StorageContext) AddNodes(nodes []models.Node) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, n := range nodes {
		if _, exists := sc.nodes[n.ID]; !exists {
			sc.refDocs[n.DocumentID] = append(sc.refDocs[n.DocumentID], n.ID)
		}
		sc.nodes[n.ID] = n
	}
}

// RemoveDocument drops the document's nodes and index record. It returns the
// number of nodes removed.
func (sc *StorageContext) RemoveDocument(documentID string) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	ids := sc.refDocs[documentID]
	for _, id := range ids {
		delete(sc.nodes, id)
	}
	delete(sc.refDocs, documentID)
	delete(sc.indices, documentID)
	return len(ids)
}

func (sc *StorageContext) Node(id string) (models.Node, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	n, ok := sc.nodes[id]
	return n, ok
}

func (sc *StorageContext) NodeCount() int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return len(sc.nodes)
}

func (sc *StorageContext) AddIndex(ix IndexStruct) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.indices[ix.ID] = ix
}

func (sc *StorageContext) Index(id string) (IndexStruct, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	ix, ok := sc.indices[id]
	return ix, ok
}

// IndexIDs returns the ids of all registered indices, sorted.
func (sc *StorageContext) IndexIDs() []string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	ids := make([]string, 0, len(sc.indices))
	for id := range sc.indices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadIndices returns the indices for ids in order. Absent ids yield a
// *MissingIndicesError; an index whose nodes are missing yields ErrCorrupt.
func (sc *StorageContext) LoadIndices(ids []string) ([]IndexStruct, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	out := make([]IndexStruct, 0, len(ids))
	var missing []string
	for _, id := range ids {
		ix, ok := sc.indices[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		for _, nodeID := range ix.NodeIDs {
			if _, ok := sc.nodes[nodeID]; !ok {
				return nil, fmt.Errorf("%w: index %s references missing node %s", ErrCorrupt, id, nodeID)
			}
		}
		out = append(out, ix)
	}
	if len(missing) > 0 {
		return nil, &MissingIndicesError{IDs: missing}
	}
	return out, nil
}
