package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"ragweave/internal/domain/rag"
)

// ChunkIndex 基于 PostgreSQL 的稠密（pgvector 余弦）与词法（tsvector + ts_rank_cd）索引，
// 两路共用 rag_chunk_index 表，同时实现 rag.DenseIndex 与 rag.LexicalIndex
type ChunkIndex struct {
	db   *sql.DB
	dims int
}

// NewChunkIndex 创建索引；dims 为向量维度
func NewChunkIndex(db *sql.DB, dims int) *ChunkIndex {
	return &ChunkIndex{db: db, dims: dims}
}

// EnsureIndexTables 启用 pgvector 扩展并建表
func (x *ChunkIndex) EnsureIndexTables(ctx context.Context) error {
	if _, err := x.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("enable pgvector: %w", err)
	}
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS rag_chunk_index (
		chunk_id    UUID PRIMARY KEY,
		document_id UUID NOT NULL,
		doc_key     VARCHAR(512) NOT NULL,
		source_type VARCHAR(64) NOT NULL DEFAULT '',
		phi_tier    VARCHAR(32) NOT NULL DEFAULT '',
		tags        TEXT[] NOT NULL DEFAULT '{}',
		org_id      VARCHAR(64) NOT NULL DEFAULT '',
		tenant_id   VARCHAR(64) NOT NULL DEFAULT '',
		payload     JSONB NOT NULL,
		text        TEXT NOT NULL DEFAULT '',
		tsv         TSVECTOR GENERATED ALWAYS AS (to_tsvector('simple', text)) STORED,
		embedding   vector(%d),
		superseded  BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_rag_chunk_index_document ON rag_chunk_index(document_id);
	CREATE INDEX IF NOT EXISTS idx_rag_chunk_index_tsv ON rag_chunk_index USING GIN (tsv);
	CREATE INDEX IF NOT EXISTS idx_rag_chunk_index_embedding ON rag_chunk_index
		USING hnsw (embedding vector_cosine_ops);
	`, x.dims)
	_, err := x.db.ExecContext(ctx, ddl)
	return err
}

// UpsertVectors 写入向量；已被标记 superseded 的行保持 superseded
func (x *ChunkIndex) UpsertVectors(ctx context.Context, entries []rag.IndexEntry) error {
	for _, e := range entries {
		if len(e.Vector) != x.dims {
			return fmt.Errorf("chunk %s: vector dimension %d, index expects %d", e.ChunkID, len(e.Vector), x.dims)
		}
	}
	return x.upsert(ctx, entries, true)
}

// UpsertTexts 写入词法文本
func (x *ChunkIndex) UpsertTexts(ctx context.Context, entries []rag.IndexEntry) error {
	return x.upsert(ctx, entries, false)
}

func (x *ChunkIndex) upsert(ctx context.Context, entries []rag.IndexEntry, withVector bool) (err error) {
	if len(entries) == 0 {
		return nil
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	set := `payload = EXCLUDED.payload, text = EXCLUDED.text,
		superseded = rag_chunk_index.superseded OR EXCLUDED.superseded`
	if withVector {
		set += `, embedding = EXCLUDED.embedding`
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rag_chunk_index (chunk_id, document_id, doc_key, source_type, phi_tier, tags, org_id,
			tenant_id, payload, text, embedding, superseded)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (chunk_id) DO UPDATE SET `+set)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		p := e.Payload
		payload, mErr := json.Marshal(p)
		if mErr != nil {
			return fmt.Errorf("encode payload for %s: %w", e.ChunkID, mErr)
		}
		var vec any
		if withVector {
			vec = pgvector.NewVector(e.Vector)
		}
		if _, err = stmt.ExecContext(ctx, e.ChunkID, p.DocumentID, p.DocKey, p.SourceType, p.PHITier,
			pq.Array(nonNilTags(p.Tags)), p.OrgID, p.TenantID, payload, e.Text, vec, p.Superseded); err != nil {
			return fmt.Errorf("index chunk %s: %w", e.ChunkID, err)
		}
	}
	return tx.Commit()
}

// SearchVectors 余弦相似度降序，分数相同按 chunk_id 排序
func (x *ChunkIndex) SearchVectors(ctx context.Context, vector []float32, topK int, filters rag.Filters) ([]rag.SearchHit, error) {
	if len(vector) != x.dims {
		return nil, fmt.Errorf("query vector dimension %d, index expects %d", len(vector), x.dims)
	}
	if topK <= 0 {
		return nil, nil
	}
	args := []any{pgvector.NewVector(vector)}
	where := filterClause(filters, &args)
	args = append(args, topK)
	query := fmt.Sprintf(
		`SELECT chunk_id, 1 - (embedding <=> $1) AS score, text, payload FROM rag_chunk_index
		 WHERE embedding IS NOT NULL%s
		 ORDER BY embedding <=> $1 ASC, chunk_id ASC LIMIT $%d`, where, len(args))
	return x.query(ctx, query, args...)
}

// SearchText 任一查询词命中即可（OR 语义），按 ts_rank_cd 降序
func (x *ChunkIndex) SearchText(ctx context.Context, query string, topK int, filters rag.Filters) ([]rag.SearchHit, error) {
	terms := rag.Terms(query)
	if len(terms) == 0 || topK <= 0 {
		return nil, nil
	}
	args := []any{strings.Join(terms, " | ")}
	where := filterClause(filters, &args)
	args = append(args, topK)
	q := fmt.Sprintf(
		`SELECT chunk_id, ts_rank_cd(tsv, to_tsquery('simple', $1)) AS score, text, payload FROM rag_chunk_index
		 WHERE tsv @@ to_tsquery('simple', $1)%s
		 ORDER BY score DESC, chunk_id ASC LIMIT $%d`, where, len(args))
	return x.query(ctx, q, args...)
}

// MarkSuperseded 标记文档全部分块
func (x *ChunkIndex) MarkSuperseded(ctx context.Context, documentID string) error {
	_, err := x.db.ExecContext(ctx,
		`UPDATE rag_chunk_index SET superseded = TRUE,
			payload = jsonb_set(payload, '{superseded}', 'true'::jsonb)
		 WHERE document_id = $1 AND superseded = FALSE`, documentID)
	return err
}

func (x *ChunkIndex) query(ctx context.Context, query string, args ...any) ([]rag.SearchHit, error) {
	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []rag.SearchHit
	for rows.Next() {
		var (
			h       rag.SearchHit
			payload []byte
		)
		if err := rows.Scan(&h.ChunkID, &h.Score, &h.Text, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &h.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", h.ChunkID, err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// filterClause 生成过滤条件（含 superseded = FALSE），参数追加到 args
func filterClause(f rag.Filters, args *[]any) string {
	var sb strings.Builder
	sb.WriteString(" AND superseded = FALSE")
	add := func(cond string, v any) {
		*args = append(*args, v)
		sb.WriteString(" AND " + fmt.Sprintf(cond, len(*args)))
	}
	if f.OrgID != "" {
		add("org_id = $%d", f.OrgID)
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if len(f.SourceTypes) > 0 {
		add("source_type = ANY($%d)", pq.Array(f.SourceTypes))
	}
	if len(f.PHITiers) > 0 {
		add("phi_tier = ANY($%d)", pq.Array(f.PHITiers))
	}
	if len(f.DocKeys) > 0 {
		add("doc_key = ANY($%d)", pq.Array(f.DocKeys))
	}
	if len(f.Tags) > 0 {
		add("tags && $%d", pq.Array(f.Tags))
	}
	return sb.String()
}
