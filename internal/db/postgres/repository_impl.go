package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"ragweave/internal/domain/rag"
	applog "ragweave/internal/platform/log"
)

type Document = rag.Document
type Chunk = rag.Chunk

const uniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

// NewRepository 创建 PostgreSQL 存储
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureRAGTables 确保文档、分块、索引任务表存在
func (r *Repository) EnsureRAGTables(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS rag_documents (
		id            UUID PRIMARY KEY,
		doc_key       VARCHAR(512) NOT NULL,
		content_hash  CHAR(64) NOT NULL,
		version       INTEGER NOT NULL,
		status        VARCHAR(32) NOT NULL DEFAULT 'uploaded',
		superseded_by UUID REFERENCES rag_documents(id) DEFERRABLE INITIALLY DEFERRED,
		title         TEXT NOT NULL DEFAULT '',
		source_type   VARCHAR(64) NOT NULL DEFAULT '',
		mime_type     VARCHAR(128) NOT NULL DEFAULT '',
		filename      VARCHAR(512) NOT NULL DEFAULT '',
		tags          TEXT[] NOT NULL DEFAULT '{}',
		phi_tier      VARCHAR(32) NOT NULL DEFAULT '',
		metadata      JSONB NOT NULL DEFAULT '{}',
		org_id        VARCHAR(64) NOT NULL DEFAULT '',
		tenant_id     VARCHAR(64) NOT NULL DEFAULT '',
		content       BYTEA,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (org_id, tenant_id, doc_key, version)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS uq_rag_documents_active_ns
		ON rag_documents(org_id, tenant_id, doc_key) WHERE superseded_by IS NULL;

	CREATE TABLE IF NOT EXISTS rag_chunks (
		id          UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES rag_documents(id),
		doc_key     VARCHAR(512) NOT NULL,
		version     INTEGER NOT NULL,
		chunk_index INTEGER NOT NULL,
		text        TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		page_start  INTEGER NOT NULL DEFAULT 0,
		page_end    INTEGER NOT NULL DEFAULT 0,
		embedding   REAL[],
		superseded  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_rag_chunks_document ON rag_chunks(document_id, superseded, chunk_index);

	CREATE TABLE IF NOT EXISTS rag_indexing_jobs (
		id               UUID PRIMARY KEY,
		seq              BIGSERIAL,
		document_id      UUID NOT NULL REFERENCES rag_documents(id),
		doc_key          VARCHAR(512) NOT NULL,
		version          INTEGER NOT NULL,
		state            VARCHAR(32) NOT NULL,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		max_retries      INTEGER NOT NULL DEFAULT 0,
		total_chunks     INTEGER NOT NULL DEFAULT 0,
		processed_chunks INTEGER NOT NULL DEFAULT 0,
		error            JSONB,
		page_errors      JSONB,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at       TIMESTAMPTZ,
		finished_at      TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_rag_jobs_doc_key ON rag_indexing_jobs(doc_key, seq);
	CREATE INDEX IF NOT EXISTS idx_rag_jobs_state ON rag_indexing_jobs(state);
	`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return err
	}

	alters := []string{
		`ALTER TABLE rag_documents ADD COLUMN IF NOT EXISTS phi_tier VARCHAR(32) NOT NULL DEFAULT ''`,
		`ALTER TABLE rag_indexing_jobs ADD COLUMN IF NOT EXISTS page_errors JSONB`,
		// doc_key 唯一性改为按 (org_id, tenant_id) 命名空间
		`DROP INDEX IF EXISTS uq_rag_documents_active`,
		`ALTER TABLE rag_documents DROP CONSTRAINT IF EXISTS rag_documents_doc_key_version_key`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_rag_documents_ns_version ON rag_documents(org_id, tenant_id, doc_key, version)`,
	}
	for _, stmt := range alters {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			applog.Warn("[Storage] Failed to alter rag table (may already exist)", "error", err)
		}
	}
	return nil
}

// --- Documents ---

const documentColumns = `id, doc_key, content_hash, version, status, COALESCE(superseded_by::text, ''),
	title, source_type, mime_type, filename, tags, phi_tier, metadata, org_id, tenant_id, content,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	d := &Document{}
	var (
		status   string
		tags     pq.StringArray
		metadata []byte
	)
	err := row.Scan(&d.ID, &d.DocKey, &d.ContentHash, &d.Version, &status, &d.SupersededBy,
		&d.Title, &d.SourceType, &d.MimeType, &d.Filename, &tags, &d.PHITier, &metadata,
		&d.OrgID, &d.TenantID, &d.Content, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = rag.DocumentStatus(status)
	if len(tags) > 0 {
		d.Tags = []string(tags)
	}
	if len(metadata) > 0 && string(metadata) != "{}" {
		if err := json.Unmarshal(metadata, &d.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", d.ID, err)
		}
	}
	return d, nil
}

func (r *Repository) ActiveByKey(ctx context.Context, ns rag.Namespace, docKey string) (*Document, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM rag_documents
		 WHERE org_id = $1 AND tenant_id = $2 AND doc_key = $3 AND superseded_by IS NULL`,
		ns.OrgID, ns.TenantID, docKey)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (r *Repository) GetDocument(ctx context.Context, id string) (*Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, rag.ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM rag_documents WHERE id = $1`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rag.ErrNotFound
	}
	return d, err
}

func (r *Repository) ListVersions(ctx context.Context, ns rag.Namespace, docKey string) ([]*Document, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM rag_documents
		 WHERE org_id = $1 AND tenant_id = $2 AND doc_key = $3 ORDER BY version ASC`,
		ns.OrgID, ns.TenantID, docKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// InsertVersion 在一个事务内 CAS 替代 prev 并写入 next。
// superseded_by 外键延迟到提交时检查，因此可以先更新 prev 再插入 next。
func (r *Repository) InsertVersion(ctx context.Context, next, prev *Document) (err error) {
	conflict := &rag.ConflictError{DocKey: next.DocKey, Version: next.Version}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	if prev != nil {
		res, execErr := tx.ExecContext(ctx,
			`UPDATE rag_documents SET superseded_by = $1, status = $2, updated_at = $3
			 WHERE id = $4 AND version = $5 AND superseded_by IS NULL`,
			next.ID, string(rag.DocumentStatusSuperseded), now, prev.ID, prev.Version)
		if execErr != nil {
			return mapConflict(execErr, conflict)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return conflict
		}
		if _, execErr = tx.ExecContext(ctx,
			`UPDATE rag_chunks SET superseded = TRUE WHERE document_id = $1`, prev.ID); execErr != nil {
			return execErr
		}
	}

	metadata, err := json.Marshal(nonNilMetadata(next.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rag_documents (id, doc_key, content_hash, version, status, title, source_type,
			mime_type, filename, tags, phi_tier, metadata, org_id, tenant_id, content, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		next.ID, next.DocKey, next.ContentHash, next.Version, string(next.Status), next.Title, next.SourceType,
		next.MimeType, next.Filename, pq.Array(nonNilTags(next.Tags)), next.PHITier, metadata, next.OrgID,
		next.TenantID, next.Content, next.CreatedAt, next.UpdatedAt)
	if err != nil {
		return mapConflict(err, conflict)
	}
	if err = tx.Commit(); err != nil {
		return mapConflict(err, conflict)
	}
	return nil
}

func mapConflict(err error, conflict *rag.ConflictError) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return conflict
	}
	return err
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// UpdateStatus 已被替代的文档保持 superseded
func (r *Repository) UpdateStatus(ctx context.Context, id string, status rag.DocumentStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE rag_documents SET status = $1, updated_at = $2 WHERE id = $3 AND superseded_by IS NULL`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM rag_documents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return rag.ErrNotFound
	}
	return nil
}

// --- Chunks ---

// SaveChunks 在共享锁下读取文档替代状态，与 InsertVersion 串行化
func (r *Repository) SaveChunks(ctx context.Context, chunks []Chunk) (err error) {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	superseded := make(map[string]bool)
	for _, c := range chunks {
		if _, ok := superseded[c.DocumentID]; ok {
			continue
		}
		var by sql.NullString
		err = tx.QueryRowContext(ctx,
			`SELECT superseded_by FROM rag_documents WHERE id = $1 FOR SHARE`, c.DocumentID).Scan(&by)
		if errors.Is(err, sql.ErrNoRows) {
			return rag.ErrNotFound
		}
		if err != nil {
			return err
		}
		superseded[c.DocumentID] = by.Valid
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rag_chunks (id, document_id, doc_key, version, chunk_index, text, token_count,
			page_start, page_end, embedding, superseded, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET text = EXCLUDED.text, token_count = EXCLUDED.token_count,
			embedding = EXCLUDED.embedding, superseded = EXCLUDED.superseded`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		var embedding any
		if len(c.Embedding) > 0 {
			embedding = pq.Float32Array(c.Embedding)
		}
		created := c.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err = stmt.ExecContext(ctx, c.ID, c.DocumentID, c.DocKey, c.Version, c.Index, c.Text,
			c.TokenCount, c.PageStart, c.PageEnd, embedding, superseded[c.DocumentID], created); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) SupersedeChunks(ctx context.Context, documentID string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE rag_chunks SET superseded = TRUE WHERE document_id = $1 AND superseded = FALSE`, documentID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *Repository) SetChunkEmbeddings(ctx context.Context, embeddings map[string][]float32) (err error) {
	if len(embeddings) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `UPDATE rag_chunks SET embedding = $1 WHERE id = $2`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for id, vec := range embeddings {
		if _, err = stmt.ExecContext(ctx, pq.Float32Array(vec), id); err != nil {
			return fmt.Errorf("store embedding for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ListChunks 当前分块在前，其余按 chunk_index 升序
func (r *Repository) ListChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, document_id, doc_key, version, chunk_index, text, token_count, page_start, page_end,
			embedding, superseded, created_at
		 FROM rag_chunks WHERE document_id = $1
		 ORDER BY superseded ASC, chunk_index ASC, created_at ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var (
			c         Chunk
			embedding pq.Float32Array
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.DocKey, &c.Version, &c.Index, &c.Text, &c.TokenCount,
			&c.PageStart, &c.PageEnd, &embedding, &c.Superseded, &c.CreatedAt); err != nil {
			return nil, err
		}
		if len(embedding) > 0 {
			c.Embedding = []float32(embedding)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (r *Repository) ActiveChunkIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	valid := uuidStrings(ids)
	if len(valid) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM rag_chunks WHERE id = ANY($1::uuid[]) AND superseded = FALSE`, pq.Array(valid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// uuidStrings 过滤掉非 UUID 的 id（不可能存在于 uuid 列中），避免整条查询的类型转换失败
func uuidStrings(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			out = append(out, id)
		}
	}
	return out
}
