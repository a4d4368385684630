package vectorstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guideline-rag/internal/models"
)

func node(id, docID, text string) models.Node {
	return models.Node{
		ID:         id,
		DocumentID: docID,
		Text:       text,
		Metadata:   map[string]string{models.DocIDKey: docID, models.SectionKey: "s-" + id},
	}
}

func seedStore(t *testing.T, cfg ChromemConfig) *ChromemStore {
	t.Helper()
	s, err := NewChromemStore(cfg)
	require.NoError(t, err)
	err = s.Add(context.Background(),
		[]models.Node{node("a1", "doc-a", "alpha one"), node("a2", "doc-a", "alpha two"), node("b1", "doc-b", "beta one")},
		[][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {1, 0, 0}},
	)
	require.NoError(t, err)
	return s
}

func TestChromemStore_queryFiltersByDocument(t *testing.T) {
	s := seedStore(t, ChromemConfig{Collection: "nodes"})

	matches, err := s.Query(context.Background(), Query{
		Embedding: []float32{1, 0, 0},
		TopK:      3,
		Where:     map[string]string{models.DocIDKey: "doc-a"},
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a1", matches[0].Node.ID)
	assert.Equal(t, "doc-a", matches[0].Node.DocumentID)
	assert.Equal(t, "s-a1", matches[0].Node.Metadata[models.SectionKey])
	assert.InDelta(t, 1.0, matches[0].Score, 1e-4)
	for _, m := range matches {
		assert.Equal(t, "doc-a", m.Node.DocumentID)
	}
}

func TestChromemStore_topKLargerThanCollection(t *testing.T) {
	s := seedStore(t, ChromemConfig{Collection: "nodes"})
	matches, err := s.Query(context.Background(), Query{Embedding: []float32{0, 1, 0}, TopK: 10})
	require.NoError(t, err)
	assert.Len(t, matches, 3)

	empty, err := NewChromemStore(ChromemConfig{Collection: "empty"})
	require.NoError(t, err)
	matches, err = empty.Query(context.Background(), Query{Embedding: []float32{1, 0, 0}, TopK: 3})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestChromemStore_deleteDocument(t *testing.T) {
	s := seedStore(t, ChromemConfig{Collection: "nodes"})
	require.NoError(t, s.DeleteDocument(context.Background(), "doc-a"))
	assert.Equal(t, 1, s.Count())
}

func TestChromemStore_addMismatch(t *testing.T) {
	s, err := NewChromemStore(ChromemConfig{Collection: "nodes"})
	require.NoError(t, err)
	err = s.Add(context.Background(), []models.Node{node("x", "d", "t")}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestChromemStore_saveLoadRoundTrip(t *testing.T) {
	for _, cfg := range []ChromemConfig{
		{Collection: "nodes"},
		{Collection: "nodes", EncryptionKey: "0123456789abcdef0123456789abcdef"},
	} {
		src := seedStore(t, cfg)
		var buf bytes.Buffer
		require.NoError(t, src.Save(&buf))

		dst, err := NewChromemStore(cfg)
		require.NoError(t, err)
		require.NoError(t, dst.Load(bytes.NewReader(buf.Bytes())))
		assert.Equal(t, 3, dst.Count())

		matches, err := dst.Query(context.Background(), Query{
			Embedding: []float32{1, 0, 0},
			TopK:      1,
			Where:     map[string]string{models.DocIDKey: "doc-b"},
		})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "b1", matches[0].Node.ID)
	}
}

func TestChromemStore_descriptor(t *testing.T) {
	s, err := NewChromemStore(ChromemConfig{Collection: "guideline_nodes"})
	require.NoError(t, err)
	assert.Equal(t, Descriptor{Type: "chromem", Collection: "guideline_nodes"}, s.Descriptor())
	var _ Snapshotter = s
	var _ Store = s
}
