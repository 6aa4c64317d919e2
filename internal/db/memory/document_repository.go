package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ragweave/internal/domain/rag"
)

// DocumentRepository 进程内文档仓储（测试与单进程运行）
type DocumentRepository struct {
	mu     sync.RWMutex
	docs   map[string]*rag.Document
	byKey  map[docKeyID][]string // (namespace, doc_key) → document ids（版本升序）
	chunks map[string]*rag.Chunk
	byDoc  map[string][]string // document id → chunk ids（写入顺序）
}

// NewDocumentRepository 创建进程内文档仓储
func NewDocumentRepository() *DocumentRepository {
	return &DocumentRepository{
		docs:   make(map[string]*rag.Document),
		byKey:  make(map[docKeyID][]string),
		chunks: make(map[string]*rag.Chunk),
		byDoc:  make(map[string][]string),
	}
}

func cloneDoc(d *rag.Document) *rag.Document {
	c := *d
	c.Tags = append([]string(nil), d.Tags...)
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

type docKeyID struct {
	ns     rag.Namespace
	docKey string
}

func (r *DocumentRepository) activeLocked(key docKeyID) *rag.Document {
	for _, id := range r.byKey[key] {
		if d := r.docs[id]; d.SupersededBy == "" {
			return d
		}
	}
	return nil
}

func (r *DocumentRepository) ActiveByKey(ctx context.Context, ns rag.Namespace, docKey string) (*rag.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d := r.activeLocked(docKeyID{ns, docKey}); d != nil {
		return cloneDoc(d), nil
	}
	return nil, nil
}

func (r *DocumentRepository) GetDocument(ctx context.Context, id string) (*rag.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, rag.ErrNotFound
	}
	return cloneDoc(d), nil
}

func (r *DocumentRepository) ListVersions(ctx context.Context, ns rag.Namespace, docKey string) ([]*rag.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byKey[docKeyID{ns, docKey}]
	out := make([]*rag.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneDoc(r.docs[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// InsertVersion CAS：prev 必须仍是 next 所在 namespace 下 doc_key 的当前版本
func (r *DocumentRepository) InsertVersion(ctx context.Context, next, prev *rag.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := docKeyID{next.Namespace(), next.DocKey}
	active := r.activeLocked(key)
	switch {
	case prev == nil && active != nil,
		prev != nil && (active == nil || active.ID != prev.ID || active.Version != prev.Version):
		return &rag.ConflictError{DocKey: next.DocKey, Version: next.Version}
	}

	now := time.Now().UTC()
	if active != nil {
		active.SupersededBy = next.ID
		active.Status = rag.DocumentStatusSuperseded
		active.UpdatedAt = now
		for _, cid := range r.byDoc[active.ID] {
			r.chunks[cid].Superseded = true
		}
	}
	r.docs[next.ID] = cloneDoc(next)
	r.byKey[key] = append(r.byKey[key], next.ID)
	return nil
}

// UpdateStatus 已被替代的文档保持 superseded
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id string, status rag.DocumentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return rag.ErrNotFound
	}
	if d.SupersededBy != "" {
		return nil
	}
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *DocumentRepository) SaveChunks(ctx context.Context, chunks []rag.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range chunks {
		c := chunks[i]
		d, ok := r.docs[c.DocumentID]
		if !ok {
			return rag.ErrNotFound
		}
		c.Superseded = d.SupersededBy != ""
		c.Embedding = append([]float32(nil), c.Embedding...)
		if _, exists := r.chunks[c.ID]; !exists {
			r.byDoc[c.DocumentID] = append(r.byDoc[c.DocumentID], c.ID)
		}
		r.chunks[c.ID] = &c
	}
	return nil
}

func (r *DocumentRepository) SupersedeChunks(ctx context.Context, documentID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, cid := range r.byDoc[documentID] {
		if c := r.chunks[cid]; !c.Superseded {
			c.Superseded = true
			n++
		}
	}
	return n, nil
}

func (r *DocumentRepository) SetChunkEmbeddings(ctx context.Context, embeddings map[string][]float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, vec := range embeddings {
		if c, ok := r.chunks[id]; ok {
			c.Embedding = append([]float32(nil), vec...)
		}
	}
	return nil
}

// ListChunks 按 chunk_index 升序；同一文档多次运行的分块按写入顺序排列
func (r *DocumentRepository) ListChunks(ctx context.Context, documentID string) ([]rag.Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byDoc[documentID]
	out := make([]rag.Chunk, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.chunks[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Superseded != out[j].Superseded {
			return !out[i].Superseded
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (r *DocumentRepository) ActiveChunkIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if c, ok := r.chunks[id]; ok && !c.Superseded {
			out[id] = true
		}
	}
	return out, nil
}
