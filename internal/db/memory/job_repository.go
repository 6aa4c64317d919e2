package memory

import (
	"context"
	"sort"
	"sync"

	"ragweave/internal/domain/indexing"
	"ragweave/internal/domain/rag"
)

// JobRepository 进程内任务仓储
type JobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*indexing.Job
	seq  map[string]int // 首次写入顺序
}

// NewJobRepository 创建进程内任务仓储
func NewJobRepository() *JobRepository {
	return &JobRepository{
		jobs: make(map[string]*indexing.Job),
		seq:  make(map[string]int),
	}
}

func (r *JobRepository) SaveJob(ctx context.Context, job *indexing.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seq[job.ID]; !ok {
		r.seq[job.ID] = len(r.seq)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *JobRepository) GetJob(ctx context.Context, id string) (*indexing.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, rag.ErrNotFound
	}
	return j.Clone(), nil
}

func (r *JobRepository) ListJobsByDocKey(ctx context.Context, docKey string) ([]*indexing.Job, error) {
	return r.list(func(j *indexing.Job) bool { return j.DocKey == docKey }), nil
}

func (r *JobRepository) ListJobsByState(ctx context.Context, states ...indexing.JobState) ([]*indexing.Job, error) {
	return r.list(func(j *indexing.Job) bool {
		for _, s := range states {
			if j.State == s {
				return true
			}
		}
		return false
	}), nil
}

func (r *JobRepository) list(match func(*indexing.Job) bool) []*indexing.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*indexing.Job
	for _, j := range r.jobs {
		if match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return r.seq[out[i].ID] < r.seq[out[k].ID]
	})
	return out
}
