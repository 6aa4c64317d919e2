package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragweave/internal/db/memory"
	"ragweave/internal/domain/rag"
)

func entry(id, docID, text string, vec []float32) rag.IndexEntry {
	return rag.IndexEntry{
		ChunkID: id,
		Vector:  vec,
		Text:    text,
		Payload: rag.ChunkPayload{DocumentID: docID, DocKey: "key-" + docID, Version: 1},
	}
}

func ids(hits []rag.SearchHit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ChunkID
	}
	return out
}

func TestLexicalIndexBM25Ranking(t *testing.T) {
	x := memory.NewLexicalIndex()
	ctx := context.Background()
	require.NoError(t, x.UpsertTexts(ctx, []rag.IndexEntry{
		entry("c1", "d1", "hypertension hypertension treatment", nil),
		entry("c2", "d1", "hypertension diagnosis in adults with long clinical history notes", nil),
		entry("c3", "d2", "diabetes care", nil),
	}))

	hits, err := x.SearchText(ctx, "Hypertension", 10, rag.Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids(hits))
	assert.Greater(t, hits[0].Score, hits[1].Score)

	hits, err = x.SearchText(ctx, "diabetes hypertension", 1, rag.Filters{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c3", hits[0].ChunkID)

	hits, err = x.SearchText(ctx, "   ", 10, rag.Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLexicalIndexUpsertReplacesAndFilters(t *testing.T) {
	x := memory.NewLexicalIndex()
	ctx := context.Background()
	e := entry("c1", "d1", "old wording", nil)
	e.Payload.OrgID = "org-a"
	require.NoError(t, x.UpsertTexts(ctx, []rag.IndexEntry{e}))
	e.Text = "new wording"
	require.NoError(t, x.UpsertTexts(ctx, []rag.IndexEntry{e}))
	assert.Equal(t, 1, x.Len())

	hits, err := x.SearchText(ctx, "old", 10, rag.Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = x.SearchText(ctx, "wording", 10, rag.Filters{OrgID: "org-b"})
	require.NoError(t, err)
	assert.Empty(t, hits)
	hits, err = x.SearchText(ctx, "wording", 10, rag.Filters{OrgID: "org-a"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	require.NoError(t, x.MarkSuperseded(ctx, "d1"))
	hits, err = x.SearchText(ctx, "wording", 10, rag.Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDenseIndexCosine(t *testing.T) {
	x := memory.NewDenseIndex()
	ctx := context.Background()
	require.NoError(t, x.UpsertVectors(ctx, []rag.IndexEntry{
		entry("a", "d1", "a", []float32{1, 0}),
		entry("b", "d1", "b", []float32{1, 1}),
		entry("c", "d2", "c", []float32{0, 1}),
		entry("d", "d2", "d", []float32{2, 0}),
	}))

	hits, err := x.SearchVectors(ctx, []float32{1, 0}, 3, rag.Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d", "b"}, ids(hits))
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.InDelta(t, 0.7071, hits[2].Score, 1e-4)

	hits, err = x.SearchVectors(ctx, []float32{1, 0}, 10, rag.Filters{DocKeys: []string{"key-d2"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, ids(hits))

	require.NoError(t, x.MarkSuperseded(ctx, "d1"))
	hits, err = x.SearchVectors(ctx, []float32{1, 0}, 10, rag.Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, ids(hits))
}

func TestDenseIndexRejectsBadVectors(t *testing.T) {
	x := memory.NewDenseIndex()
	ctx := context.Background()
	assert.Error(t, x.UpsertVectors(ctx, []rag.IndexEntry{entry("a", "d1", "a", nil)}))

	require.NoError(t, x.UpsertVectors(ctx, []rag.IndexEntry{entry("a", "d1", "a", []float32{1, 0, 0})}))
	_, err := x.SearchVectors(ctx, []float32{1, 0}, 5, rag.Filters{})
	assert.Error(t, err)

	hits, err := x.SearchVectors(ctx, []float32{0, 0, 0}, 5, rag.Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}
