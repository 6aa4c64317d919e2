package rag_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragweave/internal/domain/rag"
)

type stubEmbedder struct {
	err   error
	calls int
	last  string
}

func (e *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.calls++
	e.last = text
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0, 0}, nil
}

type stubSearcher struct {
	result *rag.FusionResult
	err    error
	last   rag.FusionRequest
}

func (s *stubSearcher) Search(_ context.Context, req rag.FusionRequest) (*rag.FusionResult, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func scored(id string, score float64) rag.SearchResult {
	return rag.SearchResult{
		ChunkID:    id,
		Score:      score,
		FusedScore: score,
		RankSource: rag.RankSourceFused,
		Text:       "Hypertension   is treated\nwith " + id,
		Payload: rag.ChunkPayload{
			DocumentID: "doc-" + id,
			DocKey:     "key-" + id,
			Version:    2,
			Title:      "Guide " + id,
			PageStart:  3,
			PageEnd:    4,
		},
	}
}

func TestAnswerContextBuildsCitations(t *testing.T) {
	emb := &stubEmbedder{}
	search := &stubSearcher{result: &rag.FusionResult{Results: []rag.SearchResult{scored("a", 0.03), scored("b", 0.02)}}}
	o := rag.NewOrchestrator(nil, emb, search, rag.OrchestratorConfig{SnippetRunes: 12})
	caller := rag.Caller{Subject: "u", OrgID: "org", TenantID: "t"}

	res, err := o.AnswerContext(context.Background(), caller, rag.ContextRequest{
		Query:   "  HTN treatment ",
		Filters: rag.Filters{SourceTypes: []string{"guideline"}, OrgID: "spoofed"},
	})
	require.NoError(t, err)
	require.NoError(t, res.Err())

	assert.Equal(t, "HTN treatment", emb.last)
	assert.Equal(t, "HTN treatment", search.last.Query)
	assert.Equal(t, "htn hypertension treatment", search.last.LexicalQuery)
	assert.Equal(t, "org", search.last.Filters.OrgID)
	assert.Equal(t, "t", search.last.Filters.TenantID)
	assert.Equal(t, []string{"guideline"}, search.last.Filters.SourceTypes)
	assert.Equal(t, 5, search.last.TopK)
	assert.NotNil(t, search.last.Vector)

	assert.Equal(t, rag.ContextStatusOK, res.Status)
	require.Len(t, res.Citations, 2)
	c := res.Citations[0]
	assert.Equal(t, 1, c.Marker)
	assert.Equal(t, 2, res.Citations[1].Marker)
	assert.Equal(t, "a", c.ChunkID)
	assert.Equal(t, "doc-a", c.DocumentID)
	assert.Equal(t, "key-a", c.DocKey)
	assert.Equal(t, 2, c.Version)
	assert.Equal(t, "pp. 3-4", c.Location())
	assert.Equal(t, "Hypertension...", c.Snippet)
	assert.True(t, res.Expansion.Expanded())
}

func TestAnswerContextRelevanceFloor(t *testing.T) {
	search := &stubSearcher{result: &rag.FusionResult{Results: []rag.SearchResult{scored("a", 0.5), scored("b", 0.3), scored("c", 0.1)}}}
	o := rag.NewOrchestrator(nil, &stubEmbedder{}, search, rag.OrchestratorConfig{MinRelevance: 0.3})

	res, err := o.AnswerContext(context.Background(), rag.Anonymous, rag.ContextRequest{Query: "q"})
	require.NoError(t, err)
	require.Len(t, res.Citations, 2)
	assert.Equal(t, "b", res.Citations[1].ChunkID)

	o = rag.NewOrchestrator(nil, &stubEmbedder{}, search, rag.OrchestratorConfig{MinRelevance: 0.9})
	res, err = o.AnswerContext(context.Background(), rag.Anonymous, rag.ContextRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, rag.ContextStatusNoEvidence, res.Status)
	assert.Empty(t, res.Citations)
	assert.ErrorIs(t, res.Err(), rag.ErrNoEvidenceFound)
}

func TestAnswerContextFloorDropsTailOutsideRerankWindow(t *testing.T) {
	reranked := func(id string, s float64) rag.SearchResult {
		r := scored(id, s)
		r.FusedScore = 0.016
		r.RerankScore = &s
		return r
	}
	tail := scored("c", 0.0161)
	search := &stubSearcher{result: &rag.FusionResult{
		Reranked: true,
		Results:  []rag.SearchResult{reranked("a", 0.8), reranked("b", 0.4), tail},
	}}

	o := rag.NewOrchestrator(nil, &stubEmbedder{}, search, rag.OrchestratorConfig{DefaultTopK: 5, MinRelevance: 0.01})
	res, err := o.AnswerContext(context.Background(), rag.Anonymous, rag.ContextRequest{Query: "q"})
	require.NoError(t, err)
	require.Len(t, res.Citations, 2)
	assert.Equal(t, "a", res.Citations[0].ChunkID)
	assert.Equal(t, "b", res.Citations[1].ChunkID)

	o = rag.NewOrchestrator(nil, &stubEmbedder{}, search, rag.OrchestratorConfig{DefaultTopK: 5})
	res, err = o.AnswerContext(context.Background(), rag.Anonymous, rag.ContextRequest{Query: "q"})
	require.NoError(t, err)
	assert.Len(t, res.Citations, 3)
}

func TestAnswerContextTopK(t *testing.T) {
	var results []rag.SearchResult
	for _, id := range []string{"a", "b", "c", "d"} {
		results = append(results, scored(id, 0.5))
	}
	search := &stubSearcher{result: &rag.FusionResult{Results: results}}
	o := rag.NewOrchestrator(nil, &stubEmbedder{}, search, rag.OrchestratorConfig{DefaultTopK: 2, MaxTopK: 3})

	res, err := o.AnswerContext(context.Background(), rag.Anonymous, rag.ContextRequest{Query: "q"})
	require.NoError(t, err)
	assert.Len(t, res.Citations, 2)

	_, err = o.AnswerContext(context.Background(), rag.Anonymous, rag.ContextRequest{Query: "q", TopK: 100})
	require.NoError(t, err)
	assert.Equal(t, 3, search.last.TopK)
}

func TestAnswerContextEmbeddingFailureDegrades(t *testing.T) {
	emb := &stubEmbedder{err: rag.ErrEmbeddingUnavailable}
	search := &stubSearcher{result: &rag.FusionResult{
		Results:       []rag.SearchResult{scored("a", 0.2)},
		Partial:       true,
		FailedSources: []rag.RankSource{rag.RankSourceDense},
	}}
	o := rag.NewOrchestrator(nil, emb, search, rag.OrchestratorConfig{})

	res, err := o.AnswerContext(context.Background(), rag.Anonymous, rag.ContextRequest{Query: "q"})
	require.NoError(t, err)
	assert.Nil(t, search.last.Vector)
	assert.ErrorIs(t, search.last.VectorErr, rag.ErrEmbeddingUnavailable)
	assert.True(t, res.Partial)
	assert.Equal(t, []rag.RankSource{rag.RankSourceDense}, res.FailedSources)
}

func TestAnswerContextErrors(t *testing.T) {
	o := rag.NewOrchestrator(nil, &stubEmbedder{}, &stubSearcher{err: rag.ErrRetrievalUnavailable}, rag.OrchestratorConfig{})

	_, err := o.AnswerContext(context.Background(), rag.Anonymous, rag.ContextRequest{Query: "   "})
	assert.ErrorIs(t, err, rag.ErrEmptyQuery)

	_, err = o.AnswerContext(context.Background(), rag.Anonymous, rag.ContextRequest{Query: "q"})
	assert.ErrorIs(t, err, rag.ErrRetrievalUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o = rag.NewOrchestrator(nil, &stubEmbedder{err: context.Canceled}, &stubSearcher{}, rag.OrchestratorConfig{})
	_, err = o.AnswerContext(ctx, rag.Anonymous, rag.ContextRequest{Query: "q"})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFormatContext(t *testing.T) {
	res := &rag.ContextResult{Citations: []rag.Citation{
		{Marker: 1, Title: "Guide", PageStart: 2, PageEnd: 2, Text: "first"},
		{Marker: 2, Title: "Notes", Text: "second"},
	}}
	out := rag.FormatContext(res)
	assert.True(t, strings.HasPrefix(out, "[1] Guide (p. 2)\nfirst"))
	assert.Contains(t, out, "[2] Notes\nsecond")
	assert.Empty(t, rag.FormatContext(&rag.ContextResult{}))
}

func TestUsedCitations(t *testing.T) {
	assert.Equal(t, []int{1, 3}, rag.UsedCitations("See [3] and [1], also [1] and [9].", 3))
	assert.Empty(t, rag.UsedCitations("nothing cited", 3))
}
