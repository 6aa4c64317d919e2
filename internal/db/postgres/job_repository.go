package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ragweave/internal/domain/indexing"
	"ragweave/internal/domain/rag"
)

const jobColumns = `id, document_id, doc_key, version, state, retry_count, max_retries, total_chunks,
	processed_chunks, error, page_errors, created_at, updated_at, started_at, finished_at`

// SaveJob 按 ID 插入或覆盖；seq 保留首次写入顺序
func (r *Repository) SaveJob(ctx context.Context, job *indexing.Job) error {
	var jobErr, pageErrs []byte
	var err error
	if job.Error != nil {
		if jobErr, err = json.Marshal(job.Error); err != nil {
			return fmt.Errorf("encode job error: %w", err)
		}
	}
	if len(job.PageErrors) > 0 {
		if pageErrs, err = json.Marshal(job.PageErrors); err != nil {
			return fmt.Errorf("encode page errors: %w", err)
		}
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO rag_indexing_jobs (id, document_id, doc_key, version, state, retry_count, max_retries,
			total_chunks, processed_chunks, error, page_errors, created_at, updated_at, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, retry_count = EXCLUDED.retry_count, max_retries = EXCLUDED.max_retries,
			total_chunks = EXCLUDED.total_chunks, processed_chunks = EXCLUDED.processed_chunks,
			error = EXCLUDED.error, page_errors = EXCLUDED.page_errors, updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at`,
		job.ID, job.DocumentID, job.DocKey, job.Version, string(job.State), job.RetryCount, job.MaxRetries,
		job.TotalChunks, job.ProcessedChunks, nullJSON(jobErr), nullJSON(pageErrs), job.CreatedAt, job.UpdatedAt,
		job.StartedAt, job.FinishedAt)
	return err
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func scanJob(row rowScanner) (*indexing.Job, error) {
	j := &indexing.Job{}
	var (
		state             string
		jobErr, pageErrs  []byte
		started, finished sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.DocumentID, &j.DocKey, &j.Version, &state, &j.RetryCount, &j.MaxRetries,
		&j.TotalChunks, &j.ProcessedChunks, &jobErr, &pageErrs, &j.CreatedAt, &j.UpdatedAt,
		&started, &finished); err != nil {
		return nil, err
	}
	j.State = indexing.JobState(state)
	if len(jobErr) > 0 {
		j.Error = &indexing.JobError{}
		if err := json.Unmarshal(jobErr, j.Error); err != nil {
			return nil, fmt.Errorf("decode job error for %s: %w", j.ID, err)
		}
	}
	if len(pageErrs) > 0 {
		if err := json.Unmarshal(pageErrs, &j.PageErrors); err != nil {
			return nil, fmt.Errorf("decode page errors for %s: %w", j.ID, err)
		}
	}
	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	return j, nil
}

func (r *Repository) GetJob(ctx context.Context, id string) (*indexing.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM rag_indexing_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rag.ErrNotFound
	}
	return j, err
}

func (r *Repository) ListJobsByDocKey(ctx context.Context, docKey string) ([]*indexing.Job, error) {
	return r.listJobs(ctx, `SELECT `+jobColumns+` FROM rag_indexing_jobs WHERE doc_key = $1 ORDER BY seq ASC`, docKey)
}

func (r *Repository) ListJobsByState(ctx context.Context, states ...indexing.JobState) ([]*indexing.Job, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, s := range states {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(s)
	}
	query := `SELECT ` + jobColumns + ` FROM rag_indexing_jobs WHERE state IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY seq ASC`
	return r.listJobs(ctx, query, args...)
}

func (r *Repository) listJobs(ctx context.Context, query string, args ...any) ([]*indexing.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*indexing.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
