package indexing

import (
	"time"

	"ragweave/internal/domain/rag"
)

// JobState 索引任务状态
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateRunning    JobState = "running"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateSuperseded JobState = "superseded"
)

// transitions 合法状态迁移。failed → pending 额外受重试预算约束。
// pending → failed 仅用于启动前取消。
var transitions = map[JobState][]JobState{
	JobStatePending:    {JobStateRunning, JobStateFailed, JobStateSuperseded},
	JobStateRunning:    {JobStateCompleted, JobStateFailed, JobStateSuperseded},
	JobStateFailed:     {JobStatePending, JobStateSuperseded},
	JobStateCompleted:  {JobStateSuperseded},
	JobStateSuperseded: {},
}

// CanTransition 状态图是否允许 from → to
func CanTransition(from, to JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// JobErrorKind 失败分类
type JobErrorKind string

const (
	JobErrorExtraction  JobErrorKind = "extraction"
	JobErrorEmbedding   JobErrorKind = "embedding"
	JobErrorIndex       JobErrorKind = "index"
	JobErrorStore       JobErrorKind = "store"
	JobErrorCanceled    JobErrorKind = "canceled"
	JobErrorInterrupted JobErrorKind = "interrupted"
)

// Retryable 是否自动重试
func (k JobErrorKind) Retryable() bool {
	switch k {
	case JobErrorEmbedding, JobErrorIndex, JobErrorStore, JobErrorInterrupted:
		return true
	default:
		return false
	}
}

// JobError 结构化失败原因
type JobError struct {
	Kind    JobErrorKind `json:"kind"`
	Message string       `json:"message"`
}

// Job 单个文档版本的索引任务
type Job struct {
	ID              string          `json:"id"`
	DocumentID      string          `json:"document_id"`
	DocKey          string          `json:"doc_key"`
	Version         int             `json:"version"`
	State           JobState        `json:"state"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	TotalChunks     int             `json:"total_chunks"`
	ProcessedChunks int             `json:"processed_chunks"`
	Error           *JobError       `json:"error,omitempty"`
	PageErrors      []rag.PageError `json:"page_errors,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// Active 仍会产生写入（pending 或 running）
func (j *Job) Active() bool {
	return j.State == JobStatePending || j.State == JobStateRunning
}

// CanRetry 失败且仍有重试预算
func (j *Job) CanRetry() bool {
	return j.State == JobStateFailed && j.RetryCount < j.MaxRetries
}

// Settled 不会再自动迁移：completed、superseded，或不会自动重试的 failed
func (j *Job) Settled() bool {
	switch j.State {
	case JobStateCompleted, JobStateSuperseded:
		return true
	case JobStateFailed:
		return j.Error == nil || !j.Error.Kind.Retryable() || !j.CanRetry()
	}
	return false
}

// Clone 深拷贝
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	c.PageErrors = append([]rag.PageError(nil), j.PageErrors...)
	return &c
}
