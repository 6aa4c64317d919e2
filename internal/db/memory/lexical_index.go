package memory

import (
	"context"
	"math"
	"sync"

	"ragweave/internal/domain/rag"
)

// BM25 参数
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

type lexicalEntry struct {
	tf      map[string]int
	length  int
	text    string
	payload rag.ChunkPayload
}

// LexicalIndex 进程内 BM25 倒排索引
type LexicalIndex struct {
	mu       sync.RWMutex
	entries  map[string]*lexicalEntry
	postings map[string]map[string]struct{} // term → chunk ids
	totalLen int
}

// NewLexicalIndex 创建进程内词法索引
func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{
		entries:  make(map[string]*lexicalEntry),
		postings: make(map[string]map[string]struct{}),
	}
}

func (x *LexicalIndex) UpsertTexts(ctx context.Context, entries []rag.IndexEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, e := range entries {
		x.removeLocked(e.ChunkID)

		terms := rag.Terms(e.Text)
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		x.entries[e.ChunkID] = &lexicalEntry{tf: tf, length: len(terms), text: e.Text, payload: e.Payload}
		x.totalLen += len(terms)
		for t := range tf {
			p, ok := x.postings[t]
			if !ok {
				p = make(map[string]struct{})
				x.postings[t] = p
			}
			p[e.ChunkID] = struct{}{}
		}
	}
	return nil
}

func (x *LexicalIndex) removeLocked(id string) {
	old, ok := x.entries[id]
	if !ok {
		return
	}
	for t := range old.tf {
		delete(x.postings[t], id)
		if len(x.postings[t]) == 0 {
			delete(x.postings, t)
		}
	}
	x.totalLen -= old.length
	delete(x.entries, id)
}

// SearchText BM25（k1=1.2, b=0.75），查询词按 OR 语义匹配
func (x *LexicalIndex) SearchText(ctx context.Context, query string, topK int, filters rag.Filters) ([]rag.SearchHit, error) {
	if topK <= 0 {
		topK = 10
	}
	seen := make(map[string]bool)
	var qterms []string
	for _, t := range rag.Terms(query) {
		if !seen[t] {
			seen[t] = true
			qterms = append(qterms, t)
		}
	}
	if len(qterms) == 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	n := float64(len(x.entries))
	if n == 0 {
		return nil, nil
	}
	avgdl := float64(x.totalLen) / n

	scores := make(map[string]float64)
	for _, q := range qterms {
		posting := x.postings[q]
		if len(posting) == 0 {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for id := range posting {
			e := x.entries[id]
			if !filters.Match(e.payload) {
				continue
			}
			tf := float64(e.tf[q])
			denom := tf + bm25K1*(1-bm25B+bm25B*float64(e.length)/avgdl)
			scores[id] += idf * tf * (bm25K1 + 1) / denom
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits := make([]rag.SearchHit, 0, len(scores))
	for id, s := range scores {
		e := x.entries[id]
		hits = append(hits, rag.SearchHit{ChunkID: id, Score: s, Text: e.text, Payload: e.payload})
	}
	return topHits(hits, topK), nil
}

func (x *LexicalIndex) MarkSuperseded(ctx context.Context, documentID string) error {
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
func (x *LexicalIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}
