package storagecontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guideline-rag/internal/blobstore"
	"guideline-rag/internal/models"
	"guideline-rag/internal/vectorstore"
)

const location = "guideline-index"

func newVectors(t *testing.T) *vectorstore.ChromemStore {
	t.Helper()
	v, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Collection: "nodes"})
	require.NoError(t, err)
	return v
}

func newDisk(t *testing.T) *blobstore.DiskStore {
	t.Helper()
	s, err := blobstore.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func addDocument(t *testing.T, sc *StorageContext, docID string, texts ...string) {
	t.Helper()
	var nodes []models.Node
	var embs [][]float32
	var ids []string
	for i, text := range texts {
		id := docID + "-" + string(rune('a'+i))
		nodes = append(nodes, models.Node{
			ID: id, DocumentID: docID, Text: text,
			Metadata: map[string]string{models.DocIDKey: docID},
		})
		embs = append(embs, []float32{float32(i + 1), 1, 0})
		ids = append(ids, id)
	}
	require.NoError(t, sc.Vectors().Add(context.Background(), nodes, embs))
	sc.AddNodes(nodes)
	sc.AddIndex(IndexStruct{ID: docID, DocumentID: docID, NodeIDs: ids, CreatedAt: time.Unix(0, 0).UTC()})
}

func TestLoad_notFound(t *testing.T) {
	_, err := Load(context.Background(), newDisk(t), location, newVectors(t))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistLoad_roundTrip(t *testing.T) {
	ctx := context.Background()
	store := newDisk(t)

	sc := New(store, location, newVectors(t))
	addDocument(t, sc, "doc-1", "first", "second")
	addDocument(t, sc, "doc-2", "third")
	require.NoError(t, sc.Persist(ctx))

	for _, name := range []string{DocstoreKey, IndexStoreKey, VectorStoreKey, VectorDataKey} {
		ok, err := store.Exists(ctx, blobstore.JoinKey(location, name))
		require.NoError(t, err)
		assert.True(t, ok, name)
	}

	vectors := newVectors(t)
	loaded, err := Load(ctx, store, location, vectors)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.NodeCount())
	assert.Equal(t, 3, vectors.Count())
	assert.Equal(t, []string{"doc-1", "doc-2"}, loaded.IndexIDs())

	indices, err := loaded.LoadIndices([]string{"doc-2", "doc-1"})
	require.NoError(t, err)
	require.Len(t, indices, 2)
	assert.Equal(t, "doc-2", indices[0].ID)
	assert.Equal(t, []string{"doc-1-a", "doc-1-b"}, indices[1].NodeIDs)

	n, ok := loaded.Node("doc-1-b")
	require.True(t, ok)
	assert.Equal(t, "second", n.Text)
}

func TestLoadIndices_missing(t *testing.T) {
	sc := New(newDisk(t), location, newVectors(t))
	addDocument(t, sc, "doc-1", "text")

	_, err := sc.LoadIndices([]string{"doc-1", "doc-2", "doc-3"})
	require.ErrorIs(t, err, ErrIndexNotFound)
	var missing *MissingIndicesError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"doc-2", "doc-3"}, missing.IDs)
}

func TestLoadIndices_corrupt(t *testing.T) {
	sc := New(newDisk(t), location, newVectors(t))
	sc.AddIndex(IndexStruct{ID: "doc-1", DocumentID: "doc-1", NodeIDs: []string{"gone"}})

	_, err := sc.LoadIndices([]string{"doc-1"})
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.NotErrorIs(t, err, ErrIndexNotFound)
}

func TestLoad_corruptJSON(t *testing.T) {
	ctx := context.Background()
	store := newDisk(t)
	require.NoError(t, store.Put(ctx, blobstore.JoinKey(location, DocstoreKey), []byte("{not json")))
	require.NoError(t, store.Put(ctx, blobstore.JoinKey(location, IndexStoreKey), []byte("{}")))

	_, err := Load(ctx, store, location, newVectors(t))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoad_missingVectorData(t *testing.T) {
	ctx := context.Background()
	store := newDisk(t)
	sc := New(store, location, newVectors(t))
	addDocument(t, sc, "doc-1", "text")
	require.NoError(t, sc.Persist(ctx))

	// a persisted context from another machine without its vector snapshot
	other := newDisk(t)
	for _, name := range []string{DocstoreKey, IndexStoreKey} {
		data, err := blobstore.ReadAll(ctx, store, blobstore.JoinKey(location, name))
		require.NoError(t, err)
		require.NoError(t, other.Put(ctx, blobstore.JoinKey(location, name), data))
	}

	_, err := Load(ctx, other, location, newVectors(t))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRemoveDocument(t *testing.T) {
	sc := New(newDisk(t), location, newVectors(t))
	addDocument(t, sc, "doc-1", "a", "b")
	addDocument(t, sc, "doc-2", "c")

	assert.Equal(t, 2, sc.RemoveDocument("doc-1"))
	assert.Equal(t, 1, sc.NodeCount())
	_, ok := sc.Index("doc-1")
	assert.False(t, ok)
	assert.Equal(t, 0, sc.RemoveDocument("doc-1"))
}
