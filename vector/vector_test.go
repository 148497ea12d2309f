package vector

import (
	"context"
	"testing"

	"github.com/latticanet/lattica"
	"github.com/latticanet/lattica/storage"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	facade, err := storage.Connect("vector test seed", storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { facade.Close() })
	return New(facade, nil)
}

func chunk(id string, dim int) *lattica.VectorChunk {
	emb := make([]float64, dim)
	for i := range emb {
		emb[i] = float64(i)
	}
	return &lattica.VectorChunk{
		ChunkID:      id,
		DocumentID:   "doc1",
		DocumentName: "notes.md",
		Text:         "text of " + id,
		Embedding:    emb,
	}
}

func TestPutFixesDimension(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.PutChunks(ctx, "s1", []*lattica.VectorChunk{chunk("c1", 8)}))
	dim, err := s.Dimension(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 8, dim)

	err = s.PutChunks(ctx, "s1", []*lattica.VectorChunk{chunk("c2", 16)})
	require.ErrorIs(t, err, lattica.ErrEmbeddingDimensionMismatch)

	// Same session still accepts matching vectors; other sessions are free.
	require.NoError(t, s.PutChunks(ctx, "s1", []*lattica.VectorChunk{chunk("c2", 8)}))
	require.NoError(t, s.PutChunks(ctx, "s2", []*lattica.VectorChunk{chunk("c1", 16)}))
}

func TestMismatchedBatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.PutChunks(ctx, "s1", []*lattica.VectorChunk{chunk("c1", 8), chunk("c2", 4)})
	require.ErrorIs(t, err, lattica.ErrEmbeddingDimensionMismatch)

	n, err := s.Count(ctx, "s1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestGetAndList(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.PutChunks(ctx, "s1", []*lattica.VectorChunk{chunk("c1", 4), chunk("c2", 4)}))

	got, ok, err := s.GetChunk(ctx, "s1", "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "text of c1", got.Text)
	require.Equal(t, "s1", got.SessionID)

	_, ok, err = s.GetChunk(ctx, "s1", "missing")
	require.NoError(t, err)
	require.False(t, ok)

	chunks, err := s.ListChunks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	n, err := s.Count(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.PutChunks(ctx, "s1", []*lattica.VectorChunk{chunk("c1", 4)}))
	require.NoError(t, s.DeleteSession(ctx, "s1"))

	n, err := s.Count(ctx, "s1")
	require.NoError(t, err)
	require.Zero(t, n)

	dim, err := s.Dimension(ctx, "s1")
	require.NoError(t, err)
	require.Zero(t, dim)
}

func TestAnnotateHits(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.PutChunks(ctx, "s1", []*lattica.VectorChunk{chunk("c1", 4)}))

	hits := []lattica.VectorHit{
		{ChunkID: "c1", Score: 0.9},
		{ChunkID: "unknown", Score: 0.1, Text: "host text"},
	}
	annotated, err := s.AnnotateHits(ctx, "s1", hits)
	require.NoError(t, err)
	require.Len(t, annotated, 2)
	require.Equal(t, "notes.md", annotated[0].DocumentName)
	require.Equal(t, "text of c1", annotated[0].Text)
	require.Empty(t, annotated[1].DocumentName)
	require.Equal(t, "host text", annotated[1].Text)
}
