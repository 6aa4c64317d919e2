package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"ragweave/internal/domain/rag"
)

type denseEntry struct {
	vector  []float32
	norm    float64
	text    string
	payload rag.ChunkPayload
}

// DenseIndex 暴力余弦检索的进程内向量索引
type DenseIndex struct {
	mu      sync.RWMutex
	entries map[string]*denseEntry
}

// NewDenseIndex 创建进程内向量索引
func NewDenseIndex() *DenseIndex {
	return &DenseIndex{entries: make(map[string]*denseEntry)}
}

func (x *DenseIndex) UpsertVectors(ctx context.Context, entries []rag.IndexEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, e := range entries {
		if len(e.Vector) == 0 {
			return fmt.Errorf("chunk %s: empty vector", e.ChunkID)
		}
		x.entries[e.ChunkID] = &denseEntry{
			vector:  append([]float32(nil), e.Vector...),
			norm:    norm(e.Vector),
			text:    e.Text,
			payload: e.Payload,
		}
	}
	return nil
}

// SearchVectors 过滤后按余弦相似度降序，同分按 chunk id
func (x *DenseIndex) SearchVectors(ctx context.Context, vector []float32, topK int, filters rag.Filters) ([]rag.SearchHit, error) {
	if topK <= 0 {
		topK = 10
	}
	qn := norm(vector)
	if qn == 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	hits := make([]rag.SearchHit, 0, topK)
	for id, e := range x.entries {
		if !filters.Match(e.payload) || e.norm == 0 {
			continue
		}
		if len(e.vector) != len(vector) {
			return nil, fmt.Errorf("vector dimension mismatch: index %d, query %d", len(e.vector), len(vector))
		}
		hits = append(hits, rag.SearchHit{
			ChunkID: id,
			Score:   dot(e.vector, vector) / (e.norm * qn),
			Text:    e.text,
			Payload: e.payload,
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return topHits(hits, topK), nil
}

func (x *DenseIndex) MarkSuperseded(ctx context.Context, documentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, e := range x.entries {
		if e.payload.DocumentID == documentID {
			e.payload.Superseded = true
		}
	}
	return nil
}

// Len 条目数
func (x *DenseIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

func dot(a, b []float32) float64 {
	sum := 0.0
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}

// topHits 分数降序、chunk id 升序，截断到 k
func topHits(hits []rag.SearchHit, k int) []rag.SearchHit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
