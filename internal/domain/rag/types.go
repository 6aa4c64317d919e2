package rag

import "time"

// DocumentStatus 文档状态
type DocumentStatus string

const (
	DocumentStatusUploaded   DocumentStatus = "uploaded"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusIndexed    DocumentStatus = "indexed"
	DocumentStatusFailed     DocumentStatus = "failed"
	DocumentStatusSuperseded DocumentStatus = "superseded"
)

// Document 源文档（按 doc_key 版本化，不删除，只被新版本替代）
type Document struct {
	ID           string            `json:"id"`
	DocKey       string            `json:"doc_key"`
	ContentHash  string            `json:"content_hash"`
	Version      int               `json:"version"`
	Status       DocumentStatus    `json:"status"`
	SupersededBy string            `json:"superseded_by,omitempty"`
	Title        string            `json:"title"`
	SourceType   string            `json:"source_type,omitempty"`
	MimeType     string            `json:"mime_type,omitempty"`
	Filename     string            `json:"filename,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	PHITier      string            `json:"phi_tier,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	OrgID        string            `json:"org_id,omitempty"`
	TenantID     string            `json:"tenant_id,omitempty"`
	Content      []byte            `json:"-"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// IsActive 未被替代
func (d *Document) IsActive() bool {
	return d.SupersededBy == ""
}

// Chunk 文档分块
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	DocKey     string    `json:"doc_key"`
	Version    int       `json:"version"`
	Index      int       `json:"chunk_index"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	PageStart  int       `json:"page_start"`
	PageEnd    int       `json:"page_end"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Superseded bool      `json:"superseded"`
	CreatedAt  time.Time `json:"created_at"`
}

// Page 提取后的单页文本（页码从 1 开始）
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// PageError 提取失败的页
type PageError struct {
	Page   int    `json:"page"`
	Reason string `json:"reason"`
}

// ChunkPayload 写入索引的元数据快照
type ChunkPayload struct {
	DocumentID string   `json:"document_id"`
	DocKey     string   `json:"doc_key"`
	Version    int      `json:"version"`
	ChunkIndex int      `json:"chunk_index"`
	Title      string   `json:"title,omitempty"`
	SourceType string   `json:"source_type,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	PHITier    string   `json:"phi_tier,omitempty"`
	PageStart  int      `json:"page_start,omitempty"`
	PageEnd    int      `json:"page_end,omitempty"`
	OrgID      string   `json:"org_id,omitempty"`
	TenantID   string   `json:"tenant_id,omitempty"`
	Superseded bool     `json:"superseded"`
}

// NewChunkPayload 由文档和分块构建索引 payload
func NewChunkPayload(doc *Document, c *Chunk) ChunkPayload {
	return ChunkPayload{
		DocumentID: doc.ID,
		DocKey:     doc.DocKey,
		Version:    doc.Version,
		ChunkIndex: c.Index,
		Title:      doc.Title,
		SourceType: doc.SourceType,
		Tags:       doc.Tags,
		PHITier:    doc.PHITier,
		PageStart:  c.PageStart,
		PageEnd:    c.PageEnd,
		OrgID:      doc.OrgID,
		TenantID:   doc.TenantID,
		Superseded: c.Superseded,
	}
}

// IndexEntry 稠密/词法索引的写入单元
type IndexEntry struct {
	ChunkID string       `json:"chunk_id"`
	Vector  []float32    `json:"vector,omitempty"`
	Text    string       `json:"text"`
	Payload ChunkPayload `json:"payload"`
}

// Filters 元数据过滤（索引内部在排序前应用）
type Filters struct {
	SourceTypes []string `json:"source_types,omitempty"`
	Tags        []string `json:"tags,omitempty"` // 任一匹配
	PHITiers    []string `json:"phi_tiers,omitempty"`
	DocKeys     []string `json:"doc_keys,omitempty"`
	OrgID       string   `json:"-"`
	TenantID    string   `json:"-"`
}

// Match 判断 payload 是否满足过滤条件（含 superseded 安全网）
func (f Filters) Match(p ChunkPayload) bool {
	if p.Superseded {
		return false
	}
	if f.OrgID != "" && p.OrgID != f.OrgID {
		return false
	}
	if f.TenantID != "" && p.TenantID != f.TenantID {
		return false
	}
	if len(f.SourceTypes) > 0 && !containsString(f.SourceTypes, p.SourceType) {
		return false
	}
	if len(f.PHITiers) > 0 && !containsString(f.PHITiers, p.PHITier) {
		return false
	}
	if len(f.DocKeys) > 0 && !containsString(f.DocKeys, p.DocKey) {
		return false
	}
	if len(f.Tags) > 0 {
		hit := false
		for _, t := range p.Tags {
			if containsString(f.Tags, t) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// RankSource 结果来源
type RankSource string

const (
	RankSourceDense   RankSource = "dense"
	RankSourceLexical RankSource = "lexical"
	RankSourceFused   RankSource = "fused"
)

// SearchHit 单路索引返回的候选
type SearchHit struct {
	ChunkID string       `json:"chunk_id"`
	Score   float64      `json:"score"`
	Text    string       `json:"text"`
	Payload ChunkPayload `json:"payload"`
}

// SearchResult 融合后的检索结果（不持久化）
type SearchResult struct {
	ChunkID     string       `json:"chunk_id"`
	Score       float64      `json:"score"`
	FusedScore  float64      `json:"fused_score"`
	RerankScore *float64     `json:"rerank_score,omitempty"`
	RankSource  RankSource   `json:"rank_source"`
	DenseRank   int          `json:"dense_rank,omitempty"`
	LexicalRank int          `json:"lexical_rank,omitempty"`
	Text        string       `json:"text"`
	Payload     ChunkPayload `json:"payload"`
}

// bestRank 两路中最好的名次（0 表示缺席）
func (r *SearchResult) bestRank() int {
	switch {
	case r.DenseRank == 0:
		return r.LexicalRank
	case r.LexicalRank == 0:
		return r.DenseRank
	case r.DenseRank < r.LexicalRank:
		return r.DenseRank
	default:
		return r.LexicalRank
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
