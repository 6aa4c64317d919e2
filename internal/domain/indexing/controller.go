package indexing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ragweave/internal/domain/rag"
	applog "ragweave/internal/platform/log"
	"ragweave/internal/platform/metrics"
)

// Dependencies 控制器依赖
type Dependencies struct {
	Store     *rag.DocumentStore
	Extractor Extractor
	Chunker   *rag.Chunker
	Embedder  Embedder
	Dense     rag.DenseIndex
	Lexical   rag.LexicalIndex
	Jobs      JobRepository
}

// IngestRequest 文档写入请求
type IngestRequest struct {
	DocKey  string
	Content []byte
	Meta    rag.DocumentMeta
}

// IngestResult 写入结果
type IngestResult struct {
	Document *rag.Document `json:"document"`
	Previous *rag.Document `json:"previous,omitempty"`
	Job      *Job          `json:"job,omitempty"`
	Created  bool          `json:"created"`
}

// jobSlot arena 中的单个任务，持锁者是该任务的唯一写入者。
// evicted 的槽位已移出 arena，持有者需重新查找
type jobSlot struct {
	mu      sync.Mutex
	job     *Job
	evicted bool
}

// Controller 索引任务控制器：任务 arena + 状态机 + worker pool
type Controller struct {
	store     *rag.DocumentStore
	extractor Extractor
	chunker   *rag.Chunker
	embedder  Embedder
	dense     rag.DenseIndex
	lexical   rag.LexicalIndex
	repo      JobRepository
	cfg       Config

	results rag.ResultCache // 可选
	lease   Lease           // 可选
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[string]*jobSlot
	running map[string]context.CancelFunc
	timers  map[string]*time.Timer

	queue   chan string
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewController 创建控制器（需调用 Start 启动 worker）
func NewController(deps Dependencies, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:     deps.Store,
		extractor: deps.Extractor,
		chunker:   deps.Chunker,
		embedder:  deps.Embedder,
		dense:     deps.Dense,
		lexical:   deps.Lexical,
		repo:      deps.Jobs,
		cfg:       cfg,
		now:       time.Now,
		jobs:      make(map[string]*jobSlot),
		running:   make(map[string]context.CancelFunc),
		timers:    make(map[string]*time.Timer),
		queue:     make(chan string, cfg.QueueSize),
		baseCtx:   ctx,
		stop:      cancel,
	}
}

// SetResultCache 设置融合结果缓存（替代与完成时失效）
func (c *Controller) SetResultCache(rc rag.ResultCache) {
	c.results = rc
}

// SetLease 设置跨进程租约
func (c *Controller) SetLease(l Lease) {
	c.lease = l
}

// Config 生效配置
func (c *Controller) Config() Config { return c.cfg }

// Start 启动 worker pool
func (c *Controller) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	applog.Info("[Indexing] Controller started", "workers", c.cfg.Workers, "queue_size", c.cfg.QueueSize)
}

// Stop 停止 worker；运行中的任务以 interrupted 失败，下次 Recover 时重试
func (c *Controller) Stop(ctx context.Context) error {
	c.stop()

	c.mu.Lock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		applog.Info("[Indexing] Controller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) stopping() bool { return c.baseCtx.Err() != nil }

// bg 持久化簿记用的 context，不随停止信号取消
func (c *Controller) bg() context.Context { return context.WithoutCancel(c.baseCtx) }

// ── 对外操作 ─────────────────────────────────────────────────

// Ingest 写入文档并调度索引。
// 内容未变化时返回现有文档及其最新任务（Created=false，不产生新任务）；
// 新版本会替代旧版本的全部任务、索引条目与结果缓存，然后创建 pending 任务。
func (c *Controller) Ingest(ctx context.Context, caller rag.Caller, req IngestRequest) (*IngestResult, error) {
	res, err := c.store.Upsert(ctx, caller, req.DocKey, req.Content, req.Meta)
	if err != nil {
		return nil, err
	}

	if !res.Created {
		job, err := c.latestJob(ctx, res.Document)
		if err != nil {
			return nil, err
		}
		return &IngestResult{Document: res.Document, Job: job}, nil
	}

	if res.Previous != nil {
		c.supersedeJobsOf(ctx, res.Previous)
		c.retireIndexes(ctx, res.Previous.ID, res.Document.DocKey)
	}

	job, err := c.createJob(ctx, res.Document)
	if err != nil {
		return nil, err
	}
	return &IngestResult{Document: res.Document, Previous: res.Previous, Job: job, Created: true}, nil
}

// Retry 手动重试失败任务（受重试预算约束）
func (c *Controller) Retry(ctx context.Context, jobID string) (*Job, error) {
	c.stopTimer(jobID)
	return c.retry(ctx, jobID)
}

// Cancel 取消 pending 或 running 任务，任务以 canceled 失败且不自动重试
func (c *Controller) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := c.transition(ctx, jobID, JobStateFailed, func(j *Job) {
		j.Error = &JobError{Kind: JobErrorCanceled, Message: "canceled by operator"}
	})
	if err != nil {
		return nil, err
	}
	c.cancelRunning(jobID)
	c.stopTimer(jobID)
	c.setDocStatus(ctx, job.DocumentID, rag.DocumentStatusFailed)

	applog.Info("[Indexing] Job canceled", "job_id", jobID, "doc_key", job.DocKey)
	return job, nil
}

// Reindex 为文档当前版本创建新任务；已有活动任务时直接返回它（created=false）
func (c *Controller) Reindex(ctx context.Context, documentID string) (*Job, bool, error) {
	doc, err := c.store.Get(ctx, documentID)
	if err != nil {
		return nil, false, err
	}
	if !doc.IsActive() {
		return nil, false, fmt.Errorf("%w: %s superseded by %s", ErrDocumentSuperseded, doc.ID, doc.SupersededBy)
	}

	jobs, err := c.repo.ListJobsByDocKey(ctx, doc.DocKey)
	if err != nil {
		return nil, false, fmt.Errorf("list jobs: %w", err)
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].DocumentID == doc.ID && jobs[i].Active() {
			return jobs[i], false, nil
		}
	}

	job, err := c.createJob(ctx, doc)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// Get 读取任务
func (c *Controller) Get(ctx context.Context, jobID string) (*Job, error) {
	c.mu.Lock()
	s, ok := c.jobs[jobID]
	c.mu.Unlock()
	if ok {
		s.mu.Lock()
		job := s.job.Clone()
		s.mu.Unlock()
		if job != nil {
			return job, nil
		}
	}
	return c.repo.GetJob(ctx, jobID)
}

// ListByDocKey doc_key 的任务历史（创建时间升序）
func (c *Controller) ListByDocKey(ctx context.Context, docKey string) ([]*Job, error) {
	return c.repo.ListJobsByDocKey(ctx, docKey)
}

// Recover 启动时恢复持久化任务：running 以 interrupted 失败后自动重试，
// 仍有预算的可重试失败任务重新调度，pending 重新入队。
// 队列满时 pending 任务在后台等待空位，Recover 不因入队阻塞，可在 Start 前后调用。
func (c *Controller) Recover(ctx context.Context) error {
	jobs, err := c.repo.ListJobsByState(ctx, JobStatePending, JobStateRunning, JobStateFailed)
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}

	var requeued, interrupted, rescheduled int
	var pending []string
	for _, j := range jobs {
		switch j.State {
		case JobStateRunning:
			failed, err := c.transition(ctx, j.ID, JobStateFailed, func(job *Job) {
				job.Error = &JobError{Kind: JobErrorInterrupted, Message: "process stopped while job was running"}
			})
			if err != nil {
				applog.Error("[Indexing] Recover running job failed", "job_id", j.ID, "error", err)
				continue
			}
			interrupted++
			c.afterFailure(ctx, failed)
		case JobStateFailed:
			if j.Error != nil && j.Error.Kind.Retryable() && j.CanRetry() {
				c.scheduleRetry(j)
				rescheduled++
			}
		case JobStatePending:
			pending = append(pending, j.ID)
		}
	}
	for _, id := range pending {
		if c.enqueueBackground(id) {
			requeued++
		}
	}

	applog.Info("[Indexing] Recovered jobs",
		"requeued", requeued,
		"interrupted", interrupted,
		"rescheduled", rescheduled,
	)
	return nil
}

// ── 状态迁移 ─────────────────────────────────────────────────

// lockSlot 返回已加锁的 arena 槽位，必要时从仓储加载
func (c *Controller) lockSlot(ctx context.Context, id string) (*jobSlot, error) {
	for {
		c.mu.Lock()
		s, ok := c.jobs[id]
		if !ok {
			s = &jobSlot{}
			c.jobs[id] = s
		}
		c.mu.Unlock()

		s.mu.Lock()
		if s.evicted {
			s.mu.Unlock()
			continue
		}
		if s.job == nil {
			job, err := c.repo.GetJob(ctx, id)
			if err != nil {
				c.evict(id, s)
				s.mu.Unlock()
				return nil, err
			}
			s.job = job
		}
		return s, nil
	}
}

// evict 已结束的任务移出 arena，之后的读写回落到仓储。调用方持有 s.mu
func (c *Controller) evict(id string, s *jobSlot) {
	s.evicted = true
	c.mu.Lock()
	if c.jobs[id] == s {
		delete(c.jobs, id)
	}
	n := len(c.jobs)
	c.mu.Unlock()
	metrics.JobsResident(n)
}

// ArenaSize 常驻内存的任务数
func (c *Controller) ArenaSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// transition 任意起始状态迁移到 to
func (c *Controller) transition(ctx context.Context, id string, to JobState, mutate func(*Job)) (*Job, error) {
	return c.apply(ctx, id, "", to, mutate)
}

// transitionFrom 仅当当前状态为 from 时迁移，否则返回 errStaleTransition
func (c *Controller) transitionFrom(ctx context.Context, id string, from, to JobState, mutate func(*Job)) (*Job, error) {
	return c.apply(ctx, id, from, to, mutate)
}

// apply 唯一的任务修改入口：校验 → 复制 → 修改 → 先持久化 → 替换 arena 副本。
// 进度字段仅在 running → {completed, failed} 时可被修改。
func (c *Controller) apply(ctx context.Context, id string, from, to JobState, mutate func(*Job)) (*Job, error) {
	s, err := c.lockSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() {
		if s.job.Settled() {
			c.evict(id, s)
		}
		s.mu.Unlock()
	}()

	cur := s.job
	if from != "" && cur.State != from {
		return nil, errStaleTransition
	}
	if cur.State == JobStateSuperseded && to == JobStateSuperseded {
		return cur.Clone(), nil
	}

	if !CanTransition(cur.State, to) {
		terr := &TransitionError{JobID: id, From: cur.State, To: to}
		c.logIllegal(terr)
		return nil, terr
	}
	if cur.State == JobStateFailed && to == JobStatePending && cur.RetryCount >= cur.MaxRetries {
		terr := &TransitionError{JobID: id, From: cur.State, To: to, Reason: "retry budget exhausted"}
		c.logIllegal(terr)
		return nil, terr
	}

	now := c.now().UTC()
	next := cur.Clone()
	next.State = to
	next.UpdatedAt = now
	switch to {
	case JobStateRunning:
		next.StartedAt = &now
		next.FinishedAt = nil
	case JobStatePending:
		next.RetryCount++
		next.Error = nil
		next.FinishedAt = nil
	case JobStateCompleted, JobStateFailed, JobStateSuperseded:
		next.FinishedAt = &now
	}
	if mutate != nil {
		mutate(next)
	}
	if !(cur.State == JobStateRunning && (to == JobStateCompleted || to == JobStateFailed)) {
		next.TotalChunks = cur.TotalChunks
		next.ProcessedChunks = cur.ProcessedChunks
	}
	next.ID, next.State = cur.ID, to

	if err := c.repo.SaveJob(ctx, next); err != nil {
		return nil, fmt.Errorf("persist job %s: %w", id, err)
	}
	s.job = next
	metrics.JobTransition(string(cur.State), string(to))

	applog.Debug("[Indexing] Job transition",
		"job_id", id, "doc_key", next.DocKey, "from", cur.State, "to", to)
	return next.Clone(), nil
}

func (c *Controller) logIllegal(err *TransitionError) {
	if err.From == JobStateSuperseded {
		applog.Warn("[Indexing] Transition on superseded job rejected", "error", err)
		return
	}
	applog.Error("[Indexing] Illegal job transition", "error", err)
}

// ── 调度 ─────────────────────────────────────────────────────

func (c *Controller) createJob(ctx context.Context, doc *rag.Document) (*Job, error) {
	now := c.now().UTC()
	job := &Job{
		ID:         uuid.New().String(),
		DocumentID: doc.ID,
		DocKey:     doc.DocKey,
		Version:    doc.Version,
		State:      JobStatePending,
		MaxRetries: c.cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.repo.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	c.mu.Lock()
	c.jobs[job.ID] = &jobSlot{job: job.Clone()}
	n := len(c.jobs)
	c.mu.Unlock()
	metrics.JobTransition("", string(JobStatePending))
	metrics.JobsResident(n)

	if err := c.enqueue(ctx, job.ID); err != nil {
		// 仍为 pending，Recover 会重新入队
		applog.Warn("[Indexing] Enqueue failed, job left pending", "job_id", job.ID, "error", err)
	}

	applog.Info("[Indexing] Job created",
		"job_id", job.ID, "doc_key", job.DocKey, "document_id", job.DocumentID, "version", job.Version)
	return job.Clone(), nil
}

// enqueueBackground 非阻塞入队；队列已满时由后台 goroutine 等待空位直到控制器停止
func (c *Controller) enqueueBackground(id string) bool {
	if c.stopping() {
		return false
	}
	select {
	case c.queue <- id:
		return true
	default:
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case c.queue <- id:
		case <-c.baseCtx.Done():
		}
	}()
	return true
}

func (c *Controller) enqueue(ctx context.Context, id string) error {
	select {
	case c.queue <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.baseCtx.Done():
		return ErrControllerStopped
	}
}

func (c *Controller) latestJob(ctx context.Context, doc *rag.Document) (*Job, error) {
	jobs, err := c.repo.ListJobsByDocKey(ctx, doc.DocKey)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].DocumentID == doc.ID {
			return jobs[i], nil
		}
	}
	return nil, nil
}

// supersedeJobsOf 将被替代版本的全部任务迁移为 superseded，并停止运行中的任务。
// 更早的版本在各自被替代时已处理；同名 doc_key 的其他命名空间不受影响。
func (c *Controller) supersedeJobsOf(ctx context.Context, prev *rag.Document) {
	docKey := prev.DocKey
	jobs, err := c.repo.ListJobsByDocKey(ctx, docKey)
	if err != nil {
		applog.Error("[Indexing] List jobs for supersession failed", "doc_key", docKey, "error", err)
		return
	}
	for _, j := range jobs {
		if j.DocumentID != prev.ID || j.State == JobStateSuperseded {
			continue
		}
		if _, err := c.transition(ctx, j.ID, JobStateSuperseded, nil); err != nil {
			applog.Error("[Indexing] Supersede job failed", "job_id", j.ID, "error", err)
			continue
		}
		c.cancelRunning(j.ID)
		c.stopTimer(j.ID)
		applog.Info("[Indexing] Job superseded", "job_id", j.ID, "doc_key", docKey, "version", j.Version)
	}
}

// retireIndexes 旧版本分块在两路索引中标记 superseded，并失效相关结果缓存。
// 索引标记失败时查询期安全网仍会过滤这些分块。
func (c *Controller) retireIndexes(ctx context.Context, documentID, docKey string) {
	if err := c.dense.MarkSuperseded(ctx, documentID); err != nil {
		applog.Warn("[Indexing] Dense index supersede failed", "document_id", documentID, "error", err)
	}
	if err := c.lexical.MarkSuperseded(ctx, documentID); err != nil {
		applog.Warn("[Indexing] Lexical index supersede failed", "document_id", documentID, "error", err)
	}
	if c.results != nil {
		c.results.InvalidateDocKey(ctx, docKey)
	}
}

func (c *Controller) retry(ctx context.Context, id string) (*Job, error) {
	job, err := c.transition(ctx, id, JobStatePending, nil)
	if err != nil {
		return nil, err
	}
	c.setDocStatus(ctx, job.DocumentID, rag.DocumentStatusProcessing)
	if err := c.enqueue(ctx, id); err != nil {
		applog.Warn("[Indexing] Enqueue retry failed, job left pending", "job_id", id, "error", err)
	}
	applog.Info("[Indexing] Job retry scheduled", "job_id", id, "retry", job.RetryCount, "max_retries", job.MaxRetries)
	return job, nil
}

func (c *Controller) scheduleRetry(job *Job) {
	if c.stopping() {
		return
	}
	delay := c.cfg.backoff(job.RetryCount)
	id := job.ID

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
	}
	c.timers[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, id)
		c.mu.Unlock()
		if c.stopping() {
			return
		}
		if _, err := c.retry(c.bg(), id); err != nil && !errors.Is(err, ErrInvalidStateTransition) {
			applog.Error("[Indexing] Auto retry failed", "job_id", id, "error", err)
		}
	})
	applog.Info("[Indexing] Auto retry in", "job_id", id, "delay", delay.String())
}

func (c *Controller) stopTimer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Controller) cancelRunning(id string) {
	c.mu.Lock()
	cancel, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Controller) setDocStatus(ctx context.Context, documentID string, status rag.DocumentStatus) {
	if err := c.store.Repository().UpdateStatus(ctx, documentID, status); err != nil {
		applog.Warn("[Indexing] Update document status failed",
			"document_id", documentID, "status", status, "error", err)
	}
}

// afterFailure 可重试且有预算时自动重试，否则文档标记 failed
func (c *Controller) afterFailure(ctx context.Context, job *Job) {
	if job.Error != nil && job.Error.Kind.Retryable() && job.CanRetry() && !c.stopping() {
		c.scheduleRetry(job)
		return
	}
	if job.Error != nil && job.Error.Kind == JobErrorInterrupted && c.stopping() {
		return
	}
	c.setDocStatus(ctx, job.DocumentID, rag.DocumentStatusFailed)
}

// ── Worker ──────────────────────────────────────────────────

func (c *Controller) worker(n int) {
	defer c.wg.Done()
	log := applog.Component("indexing", "worker", n)
	log.Debug("[Indexing] Worker started")
	for {
		select {
		case <-c.baseCtx.Done():
			log.Debug("[Indexing] Worker exiting")
			return
		case id := <-c.queue:
			c.process(id)
		}
	}
}

// process 单个任务执行到终态
func (c *Controller) process(id string) {
	ctx := c.bg()
	job, err := c.Get(ctx, id)
	if err != nil {
		applog.Error("[Indexing] Load queued job failed", "job_id", id, "error", err)
		return
	}
	if job.State != JobStatePending {
		applog.Debug("[Indexing] Skipping queued job", "job_id", id, "state", job.State)
		return
	}

	if c.lease != nil {
		release, ok, err := c.lease.Acquire(ctx, "rag:index:"+job.DocKey, c.cfg.LeaseTTL)
		switch {
		case err != nil:
			applog.Warn("[Indexing] Lease unavailable, running without it", "doc_key", job.DocKey, "error", err)
		case !ok:
			applog.Info("[Indexing] Document locked by another worker, requeue", "job_id", id, "doc_key", job.DocKey)
			time.AfterFunc(c.cfg.RetryBackoff, func() { _ = c.enqueue(ctx, id) })
			return
		default:
			defer release()
		}
	}

	jobCtx, cancel := context.WithTimeout(c.baseCtx, c.cfg.JobTimeout)
	defer cancel()
	c.mu.Lock()
	c.running[id] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, id)
		c.mu.Unlock()
	}()

	job, err = c.transitionFrom(ctx, id, JobStatePending, JobStateRunning, nil)
	if err != nil {
		if !errors.Is(err, errStaleTransition) {
			applog.Error("[Indexing] Start job failed", "job_id", id, "error", err)
		}
		return
	}
	start := time.Now()

	out, err := c.run(jobCtx, job)
	if err != nil {
		c.fail(ctx, job, out, err)
		return
	}

	done, err := c.transitionFrom(ctx, id, JobStateRunning, JobStateCompleted, func(j *Job) {
		j.TotalChunks = out.total
		j.ProcessedChunks = out.processed
		j.PageErrors = out.pageErrors
	})
	if err != nil {
		if !errors.Is(err, errStaleTransition) {
			applog.Error("[Indexing] Complete job failed", "job_id", id, "error", err)
		}
		return
	}
	c.setDocStatus(ctx, done.DocumentID, rag.DocumentStatusIndexed)
	if c.results != nil {
		c.results.InvalidateAll(ctx)
	}

	applog.Info("[Indexing] Job completed",
		"job_id", id,
		"doc_key", done.DocKey,
		"version", done.Version,
		"chunks", done.TotalChunks,
		"failed_pages", len(done.PageErrors),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}

func (c *Controller) fail(ctx context.Context, job *Job, out runOutput, cause error) {
	kind := kindOf(cause)
	if c.stopping() {
		kind = JobErrorInterrupted
	}
	failed, err := c.transitionFrom(ctx, job.ID, JobStateRunning, JobStateFailed, func(j *Job) {
		j.TotalChunks = out.total
		j.ProcessedChunks = out.processed
		j.PageErrors = out.pageErrors
		j.Error = &JobError{Kind: kind, Message: cause.Error()}
	})
	if err != nil {
		// 已被替代或取消
		if !errors.Is(err, errStaleTransition) {
			applog.Error("[Indexing] Fail job failed", "job_id", job.ID, "error", err)
		}
		return
	}

	applog.Warn("[Indexing] Job failed",
		"job_id", job.ID,
		"doc_key", job.DocKey,
		"kind", kind,
		"retry", failed.RetryCount,
		"max_retries", failed.MaxRetries,
		"processed", out.processed,
		"total", out.total,
		"error", cause,
	)
	c.afterFailure(ctx, failed)
}

// ── Pipeline ────────────────────────────────────────────────

type runOutput struct {
	total      int
	processed  int
	pageErrors []rag.PageError
}

// run 提取 → 分块 → 保存分块 → 分批并发 embed + 写入两路索引 → 保存向量。
// 每批写入前检查取消；只有全部分块写入后才返回成功。
func (c *Controller) run(ctx context.Context, job *Job) (runOutput, error) {
	var out runOutput

	doc, err := c.store.Get(ctx, job.DocumentID)
	if err != nil {
		return out, stageErr(JobErrorStore, fmt.Errorf("load document: %w", err))
	}
	if !doc.IsActive() {
		return out, stageErr(JobErrorCanceled, fmt.Errorf("document superseded by %s", doc.SupersededBy))
	}
	c.setDocStatus(ctx, doc.ID, rag.DocumentStatusProcessing)

	ext, err := c.extractor.Extract(ctx, doc.Content, doc.MimeType, doc.Filename)
	if err != nil {
		return out, stageErr(JobErrorExtraction, err)
	}
	out.pageErrors = ext.Failed

	chunks := c.chunker.Chunk(ext.Pages)
	if len(chunks) == 0 {
		return out, stageErr(JobErrorExtraction, fmt.Errorf("%w: no text content", rag.ErrExtractionFailed))
	}
	out.total = len(chunks)

	// 上一次运行留下的分块先退役
	n, err := c.store.Repository().SupersedeChunks(ctx, doc.ID)
	if err != nil {
		return out, stageErr(JobErrorStore, fmt.Errorf("supersede previous chunks: %w", err))
	}
	if n > 0 {
		if err := c.dense.MarkSuperseded(ctx, doc.ID); err != nil {
			return out, stageErr(JobErrorIndex, err)
		}
		if err := c.lexical.MarkSuperseded(ctx, doc.ID); err != nil {
			return out, stageErr(JobErrorIndex, err)
		}
	}

	now := c.now().UTC()
	for i := range chunks {
		chunks[i].ID = uuid.New().String()
		chunks[i].DocumentID = doc.ID
		chunks[i].DocKey = doc.DocKey
		chunks[i].Version = doc.Version
		chunks[i].CreatedAt = now
	}
	if err := ctx.Err(); err != nil {
		return out, ctxStageErr(err)
	}
	if err := c.store.Repository().SaveChunks(ctx, chunks); err != nil {
		return out, stageErr(JobErrorStore, fmt.Errorf("save chunks: %w", err))
	}

	var (
		processed  atomic.Int64
		mu         sync.Mutex
		embeddings = make(map[string][]float32, len(chunks))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.BatchConcurrency)
	for start := 0; start < len(chunks); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(chunks))
		batch := chunks[start:end]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return ctxStageErr(err)
			}
			texts := make([]string, len(batch))
			for i := range batch {
				texts[i] = batch[i].Text
			}
			vecs, err := c.embedder.Embed(gctx, texts)
			if err != nil {
				return stageErr(JobErrorEmbedding, err)
			}

			entries := make([]rag.IndexEntry, len(batch))
			for i := range batch {
				entries[i] = rag.IndexEntry{
					ChunkID: batch[i].ID,
					Vector:  vecs[i],
					Text:    batch[i].Text,
					Payload: rag.NewChunkPayload(doc, &batch[i]),
				}
			}
			if err := gctx.Err(); err != nil {
				return ctxStageErr(err)
			}
			if err := c.dense.UpsertVectors(gctx, entries); err != nil {
				return stageErr(JobErrorIndex, fmt.Errorf("dense upsert: %w", err))
			}
			if err := c.lexical.UpsertTexts(gctx, entries); err != nil {
				return stageErr(JobErrorIndex, fmt.Errorf("lexical upsert: %w", err))
			}

			mu.Lock()
			for i := range batch {
				embeddings[batch[i].ID] = vecs[i]
			}
			mu.Unlock()
			processed.Add(int64(len(batch)))
			return nil
		})
	}
	err = g.Wait()
	out.processed = int(processed.Load())
	if err != nil {
		return out, err
	}

	if err := ctx.Err(); err != nil {
		return out, ctxStageErr(err)
	}
	if err := c.store.Repository().SetChunkEmbeddings(ctx, embeddings); err != nil {
		return out, stageErr(JobErrorStore, fmt.Errorf("store embeddings: %w", err))
	}
	return out, nil
}
