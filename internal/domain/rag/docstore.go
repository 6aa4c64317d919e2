package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	applog "ragweave/internal/platform/log"
)

// DocumentMeta 写入时附带的文档元数据
type DocumentMeta struct {
	Title      string            `json:"title"`
	SourceType string            `json:"source_type,omitempty"`
	MimeType   string            `json:"mime_type,omitempty"`
	Filename   string            `json:"filename,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	PHITier    string            `json:"phi_tier,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// UpsertResult 写入结果
type UpsertResult struct {
	Document *Document
	// Previous 被本次写入替代的版本（首个版本或无变化时为 nil）
	Previous *Document
	// Created 是否产生了新版本
	Created bool
}

// DocumentStore 版本化文档存储：相同内容幂等，新内容替代旧版本
type DocumentStore struct {
	repo DocumentRepository
	now  func() time.Time
}

// NewDocumentStore 创建文档存储
func NewDocumentStore(repo DocumentRepository) *DocumentStore {
	return &DocumentStore{repo: repo, now: time.Now}
}

// Repository 底层仓储
func (s *DocumentStore) Repository() DocumentRepository { return s.repo }

// ContentHash 原始字节的 sha256
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Upsert 在调用方的 Namespace 内按 doc_key 写入文档。
// 当前版本内容哈希相同时直接返回（Created=false）；否则写入 Version+1 并原子替代旧版本。
// 并发写入同一 doc_key 时，落败者得到 ConflictError。
func (s *DocumentStore) Upsert(ctx context.Context, caller Caller, docKey string, content []byte, meta DocumentMeta) (*UpsertResult, error) {
	docKey = strings.TrimSpace(docKey)
	if docKey == "" {
		return nil, fmt.Errorf("doc_key is required")
	}
	if len(content) == 0 {
		return nil, ErrEmptyDocument
	}

	hash := ContentHash(content)
	prev, err := s.repo.ActiveByKey(ctx, caller.Namespace(), docKey)
	if err != nil {
		return nil, fmt.Errorf("load active document: %w", err)
	}
	if prev != nil && prev.ContentHash == hash {
		applog.Debug("[RAG/DocStore] Identical content, no new version",
			"doc_key", docKey, "document_id", prev.ID, "version", prev.Version)
		return &UpsertResult{Document: prev}, nil
	}

	now := s.now().UTC()
	next := &Document{
		ID:          uuid.New().String(),
		DocKey:      docKey,
		ContentHash: hash,
		Version:     1,
		Status:      DocumentStatusUploaded,
		Title:       meta.Title,
		SourceType:  meta.SourceType,
		MimeType:    meta.MimeType,
		Filename:    meta.Filename,
		Tags:        meta.Tags,
		PHITier:     meta.PHITier,
		Metadata:    meta.Metadata,
		OrgID:       caller.OrgID,
		TenantID:    caller.TenantID,
		Content:     content,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if next.Title == "" {
		next.Title = firstNonEmpty(meta.Filename, docKey)
	}
	if prev != nil {
		next.Version = prev.Version + 1
	}

	if err := s.repo.InsertVersion(ctx, next, prev); err != nil {
		if errors.Is(err, ErrConflict) {
			applog.Warn("[RAG/DocStore] Concurrent write lost", "doc_key", docKey, "version", next.Version)
			var ce *ConflictError
			if errors.As(err, &ce) {
				return nil, err
			}
			return nil, &ConflictError{DocKey: docKey, Version: next.Version}
		}
		return nil, fmt.Errorf("insert version: %w", err)
	}

	if prev != nil {
		superseded := *prev
		superseded.SupersededBy = next.ID
		superseded.Status = DocumentStatusSuperseded
		prev = &superseded
	}

	applog.Info("[RAG/DocStore] New version stored",
		"doc_key", docKey, "document_id", next.ID, "version", next.Version, "bytes", len(content))
	return &UpsertResult{Document: next, Previous: prev, Created: true}, nil
}

// Get 按 ID 读取文档
func (s *DocumentStore) Get(ctx context.Context, id string) (*Document, error) {
	return s.repo.GetDocument(ctx, id)
}

// Active 返回 ns 下 doc_key 的当前版本
func (s *DocumentStore) Active(ctx context.Context, ns Namespace, docKey string) (*Document, error) {
	doc, err := s.repo.ActiveByKey(ctx, ns, docKey)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

// Lineage 返回 ns 下 doc_key 的全部版本（升序），并校验替代链只指向更新的版本
func (s *DocumentStore) Lineage(ctx context.Context, ns Namespace, docKey string) ([]*Document, error) {
	docs, err := s.repo.ListVersions(ctx, ns, docKey)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}

	byID := make(map[string]*Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	for _, d := range docs {
		if d.SupersededBy == "" {
			continue
		}
		succ, ok := byID[d.SupersededBy]
		if !ok || succ.Version <= d.Version {
			return nil, fmt.Errorf("broken lineage for %s at version %d", docKey, d.Version)
		}
	}
	return docs, nil
}

// Chunks 文档的分块（按 index 升序）
func (s *DocumentStore) Chunks(ctx context.Context, documentID string) ([]Chunk, error) {
	return s.repo.ListChunks(ctx, documentID)
}

// ActiveChunkIDs 实现 ChunkStatus
func (s *DocumentStore) ActiveChunkIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	return s.repo.ActiveChunkIDs(ctx, ids)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
