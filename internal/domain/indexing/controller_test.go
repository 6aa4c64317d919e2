package indexing_test

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragweave/internal/db/memory"
	"ragweave/internal/domain/indexing"
	"ragweave/internal/domain/rag"
)

const clinicalNote = `Hypertension is managed with lifestyle changes and medication.
Patients should reduce sodium intake and exercise regularly.
Follow up blood pressure readings every three months.
Escalate to a specialist when readings stay above target.`

// flakyEmbedder 前 failN 次调用失败（-1 为始终失败），之后委托给哈希向量
type flakyEmbedder struct {
	inner *rag.HashEmbedder
	failN int64
	calls atomic.Int64
	block bool
}

func (e *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	n := e.calls.Add(1)
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.failN < 0 || n <= e.failN {
		return nil, &rag.ProviderError{StatusCode: http.StatusServiceUnavailable, Body: "overloaded"}
	}
	return e.inner.Embed(ctx, texts)
}

type harness struct {
	ctrl    *indexing.Controller
	store   *rag.DocumentStore
	jobs    *memory.JobRepository
	dense   *memory.DenseIndex
	lexical *memory.LexicalIndex
}

func newHarness(t *testing.T, emb indexing.Embedder, cfg indexing.Config, start bool) *harness {
	t.Helper()
	h := &harness{
		store:   rag.NewDocumentStore(memory.NewDocumentRepository()),
		jobs:    memory.NewJobRepository(),
		dense:   memory.NewDenseIndex(),
		lexical: memory.NewLexicalIndex(),
	}
	h.ctrl = h.newController(emb, cfg)
	if start {
		h.ctrl.Start()
	}
	return h
}

func (h *harness) newController(emb indexing.Embedder, cfg indexing.Config) *indexing.Controller {
	if emb == nil {
		emb = rag.NewHashEmbedder(32)
	}
	ctrl := indexing.NewController(indexing.Dependencies{
		Store:     h.store,
		Extractor: rag.NewParserRegistry(),
		Chunker:   rag.NewChunker(rag.ChunkerConfig{TargetTokens: 12, OverlapTokens: 2, MaxTokens: 12}),
		Embedder:  emb,
		Dense:     h.dense,
		Lexical:   h.lexical,
		Jobs:      h.jobs,
	}, cfg)
	return ctrl
}

func fastConfig(maxRetries int) indexing.Config {
	return indexing.Config{
		Workers:      2,
		MaxRetries:   maxRetries,
		RetryBackoff: 5 * time.Millisecond,
		BatchSize:    2,
		JobTimeout:   5 * time.Second,
	}
}

func stopController(t *testing.T, c *indexing.Controller) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
}

func ingest(t *testing.T, c *indexing.Controller, docKey, content string) *indexing.IngestResult {
	t.Helper()
	res, err := c.Ingest(context.Background(), rag.Anonymous, indexing.IngestRequest{
		DocKey:  docKey,
		Content: []byte(content),
		Meta:    rag.DocumentMeta{Title: docKey, MimeType: "text/plain"},
	})
	require.NoError(t, err)
	return res
}

func waitJob(t *testing.T, c *indexing.Controller, id string, match func(*indexing.Job) bool) *indexing.Job {
	t.Helper()
	var last *indexing.Job
	require.Eventually(t, func() bool {
		j, err := c.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return match(j)
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func inState(s indexing.JobState) func(*indexing.Job) bool {
	return func(j *indexing.Job) bool { return j.State == s }
}

func activeChunks(t *testing.T, store *rag.DocumentStore, documentID string) int {
	t.Helper()
	chunks, err := store.Chunks(context.Background(), documentID)
	require.NoError(t, err)
	n := 0
	for _, c := range chunks {
		if !c.Superseded {
			n++
		}
	}
	return n
}

func TestIngestIndexesDocument(t *testing.T) {
	h := newHarness(t, nil, fastConfig(2), true)
	stopController(t, h.ctrl)

	res := ingest(t, h.ctrl, "htn-guide", clinicalNote)
	require.True(t, res.Created)
	require.NotNil(t, res.Job)
	assert.Equal(t, indexing.JobStatePending, res.Job.State)
	assert.Equal(t, 1, res.Job.Version)

	job := waitJob(t, h.ctrl, res.Job.ID, inState(indexing.JobStateCompleted))
	assert.Greater(t, job.TotalChunks, 1)
	assert.Equal(t, job.TotalChunks, job.ProcessedChunks)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)

	doc, err := h.store.Get(context.Background(), res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, rag.DocumentStatusIndexed, doc.Status)

	chunks, err := h.store.Chunks(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, job.TotalChunks)
	for _, c := range chunks {
		assert.Len(t, c.Embedding, 32)
	}
	assert.Equal(t, job.TotalChunks, h.dense.Len())
	assert.Equal(t, job.TotalChunks, h.lexical.Len())

	hits, err := h.lexical.SearchText(context.Background(), "sodium", 5, rag.Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "htn-guide", hits[0].Payload.DocKey)
}

func TestIngestIdenticalContentReusesJob(t *testing.T) {
	h := newHarness(t, nil, fastConfig(2), true)
	stopController(t, h.ctrl)

	first := ingest(t, h.ctrl, "guide", clinicalNote)
	waitJob(t, h.ctrl, first.Job.ID, inState(indexing.JobStateCompleted))

	again := ingest(t, h.ctrl, "guide", clinicalNote)
	assert.False(t, again.Created)
	assert.Equal(t, first.Document.ID, again.Document.ID)
	require.NotNil(t, again.Job)
	assert.Equal(t, first.Job.ID, again.Job.ID)

	jobs, err := h.ctrl.ListByDocKey(context.Background(), "guide")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestNewVersionSupersedesPreviousJobAndIndexEntries(t *testing.T) {
	h := newHarness(t, nil, fastConfig(2), true)
	stopController(t, h.ctrl)

	v1 := ingest(t, h.ctrl, "guide", "Thiazide diuretics are first line therapy for elderly patients.")
	waitJob(t, h.ctrl, v1.Job.ID, inState(indexing.JobStateCompleted))

	v2 := ingest(t, h.ctrl, "guide", "Calcium channel blockers are preferred in this revision.")
	require.True(t, v2.Created)
	require.NotNil(t, v2.Previous)
	assert.Equal(t, v1.Document.ID, v2.Previous.ID)
	assert.Equal(t, 2, v2.Document.Version)

	old, err := h.ctrl.Get(context.Background(), v1.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, indexing.JobStateSuperseded, old.State)

	waitJob(t, h.ctrl, v2.Job.ID, inState(indexing.JobStateCompleted))

	hits, err := h.lexical.SearchText(context.Background(), "thiazide", 5, rag.Filters{})
	require.NoError(t, err)
	assert.Empty(t, hits)
	hits, err = h.lexical.SearchText(context.Background(), "calcium", 5, rag.Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, 2, hits[0].Payload.Version)

	_, _, err = h.ctrl.Reindex(context.Background(), v1.Document.ID)
	assert.ErrorIs(t, err, indexing.ErrDocumentSuperseded)
}

func TestRetryableFailureIsRetriedAutomatically(t *testing.T) {
	emb := &flakyEmbedder{inner: rag.NewHashEmbedder(16), failN: 1}
	h := newHarness(t, emb, indexing.Config{
		Workers:      1,
		MaxRetries:   2,
		RetryBackoff: 5 * time.Millisecond,
		BatchSize:    64,
	}, true)
	stopController(t, h.ctrl)

	res := ingest(t, h.ctrl, "guide", clinicalNote)
	job := waitJob(t, h.ctrl, res.Job.ID, inState(indexing.JobStateCompleted))
	assert.Equal(t, 1, job.RetryCount)
	assert.Nil(t, job.Error)
}

func TestExhaustedRetriesFailDocument(t *testing.T) {
	emb := &flakyEmbedder{inner: rag.NewHashEmbedder(16), failN: -1}
	h := newHarness(t, emb, fastConfig(1), true)
	stopController(t, h.ctrl)

	res := ingest(t, h.ctrl, "guide", clinicalNote)
	job := waitJob(t, h.ctrl, res.Job.ID, func(j *indexing.Job) bool {
		return j.State == indexing.JobStateFailed && j.RetryCount == 1
	})
	require.NotNil(t, job.Error)
	assert.Equal(t, indexing.JobErrorEmbedding, job.Error.Kind)
	assert.Contains(t, job.Error.Message, "503")

	require.Eventually(t, func() bool {
		doc, err := h.store.Get(context.Background(), res.Document.ID)
		return err == nil && doc.Status == rag.DocumentStatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	_, err := h.ctrl.Retry(context.Background(), res.Job.ID)
	assert.ErrorIs(t, err, indexing.ErrInvalidStateTransition)
	var terr *indexing.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "retry budget exhausted", terr.Reason)
}

func TestExtractionFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, nil, fastConfig(3), true)
	stopController(t, h.ctrl)

	res := ingest(t, h.ctrl, "blank", "   \n\t  ")
	job := waitJob(t, h.ctrl, res.Job.ID, inState(indexing.JobStateFailed))
	require.NotNil(t, job.Error)
	assert.Equal(t, indexing.JobErrorExtraction, job.Error.Kind)

	time.Sleep(50 * time.Millisecond)
	job, err := h.ctrl.Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, indexing.JobStateFailed, job.State)
	assert.Equal(t, 0, job.RetryCount)
}

func TestSettledJobsLeaveMemory(t *testing.T) {
	h := newHarness(t, nil, fastConfig(3), true)
	stopController(t, h.ctrl)
	ctx := context.Background()

	var ids []string
	for _, key := range []string{"a", "b", "c"} {
		ids = append(ids, ingest(t, h.ctrl, key, clinicalNote+" "+key).Job.ID)
	}
	failed := ingest(t, h.ctrl, "blank", "   ").Job.ID

	for _, id := range ids {
		waitJob(t, h.ctrl, id, inState(indexing.JobStateCompleted))
	}
	waitJob(t, h.ctrl, failed, inState(indexing.JobStateFailed))
	require.Eventually(t, func() bool { return h.ctrl.ArenaSize() == 0 }, 5*time.Second, 5*time.Millisecond)

	job, err := h.ctrl.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, indexing.JobStateCompleted, job.State)

	_, err = h.ctrl.Retry(ctx, failed)
	assert.ErrorIs(t, err, indexing.ErrInvalidStateTransition)
	assert.Zero(t, h.ctrl.ArenaSize())
}

func TestRetryPendingJobStaysInMemory(t *testing.T) {
	emb := &flakyEmbedder{inner: rag.NewHashEmbedder(16), failN: -1}
	h := newHarness(t, emb, indexing.Config{
		Workers:      1,
		MaxRetries:   3,
		RetryBackoff: time.Hour,
		BatchSize:    64,
	}, true)
	stopController(t, h.ctrl)

	res := ingest(t, h.ctrl, "guide", clinicalNote)
	waitJob(t, h.ctrl, res.Job.ID, inState(indexing.JobStateFailed))
	assert.Equal(t, 1, h.ctrl.ArenaSize())
}

func TestCancelPendingJob(t *testing.T) {
	h := newHarness(t, nil, fastConfig(3), false)
	stopController(t, h.ctrl)

	res := ingest(t, h.ctrl, "guide", clinicalNote)
	job, err := h.ctrl.Cancel(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, indexing.JobStateFailed, job.State)
	assert.Equal(t, indexing.JobErrorCanceled, job.Error.Kind)

	doc, err := h.store.Get(context.Background(), res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, rag.DocumentStatusFailed, doc.Status)

	_, err = h.ctrl.Cancel(context.Background(), res.Job.ID)
	assert.ErrorIs(t, err, indexing.ErrInvalidStateTransition)

	// 队列中的 id 不再执行
	h.ctrl.Start()
	time.Sleep(50 * time.Millisecond)
	job, err = h.ctrl.Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, indexing.JobStateFailed, job.State)
	assert.Zero(t, h.dense.Len())
}

func TestCancelRunningJob(t *testing.T) {
	emb := &flakyEmbedder{inner: rag.NewHashEmbedder(16), block: true}
	h := newHarness(t, emb, fastConfig(3), true)
	stopController(t, h.ctrl)

	res := ingest(t, h.ctrl, "guide", clinicalNote)
	waitJob(t, h.ctrl, res.Job.ID, inState(indexing.JobStateRunning))
	require.Eventually(t, func() bool { return emb.calls.Load() > 0 }, 5*time.Second, 5*time.Millisecond)

	job, err := h.ctrl.Cancel(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, indexing.JobErrorCanceled, job.Error.Kind)

	time.Sleep(50 * time.Millisecond)
	job, err = h.ctrl.Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, indexing.JobStateFailed, job.State)
	assert.Equal(t, indexing.JobErrorCanceled, job.Error.Kind)
	assert.Zero(t, h.dense.Len())
}

func TestReindexReplacesChunks(t *testing.T) {
	h := newHarness(t, nil, fastConfig(2), true)
	stopController(t, h.ctrl)

	res := ingest(t, h.ctrl, "guide", clinicalNote)
	first := waitJob(t, h.ctrl, res.Job.ID, inState(indexing.JobStateCompleted))
	before, err := h.lexical.SearchText(context.Background(), "sodium", 10, rag.Filters{})
	require.NoError(t, err)
	require.NotEmpty(t, before)

	job, created, err := h.ctrl.Reindex(context.Background(), res.Document.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, res.Job.ID, job.ID)

	second := waitJob(t, h.ctrl, job.ID, inState(indexing.JobStateCompleted))
	assert.Equal(t, first.TotalChunks, second.TotalChunks)
	assert.Equal(t, second.TotalChunks, activeChunks(t, h.store, res.Document.ID))

	after, err := h.lexical.SearchText(context.Background(), "sodium", 10, rag.Filters{})
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	for _, hit := range after {
		assert.NotContains(t, hitIDs(before), hit.ChunkID)
	}
}

func hitIDs(hits []rag.SearchHit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	return ids
}

func TestReindexReturnsActiveJob(t *testing.T) {
	h := newHarness(t, nil, fastConfig(2), false)
	stopController(t, h.ctrl)

	res := ingest(t, h.ctrl, "guide", clinicalNote)
	job, created, err := h.ctrl.Reindex(context.Background(), res.Document.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, res.Job.ID, job.ID)

	_, _, err = h.ctrl.Reindex(context.Background(), "missing")
	assert.ErrorIs(t, err, rag.ErrNotFound)
}

func TestRecoverResumesUnfinishedJobs(t *testing.T) {
	h := newHarness(t, nil, fastConfig(2), false)

	pending := ingest(t, h.ctrl, "pending-doc", clinicalNote)
	require.NoError(t, h.ctrl.Stop(context.Background()))

	up, err := h.store.Upsert(context.Background(), rag.Anonymous, "running-doc", []byte("Beta blockers reduce heart rate."), rag.DocumentMeta{MimeType: "text/plain"})
	require.NoError(t, err)
	started := time.Now().UTC()
	require.NoError(t, h.jobs.SaveJob(context.Background(), &indexing.Job{
		ID:         "job-running",
		DocumentID: up.Document.ID,
		DocKey:     "running-doc",
		Version:    1,
		State:      indexing.JobStateRunning,
		MaxRetries: 2,
		CreatedAt:  started,
		UpdatedAt:  started,
		StartedAt:  &started,
	}))

	restarted := h.newController(nil, fastConfig(2))
	require.NoError(t, restarted.Recover(context.Background()))
	restarted.Start()
	stopController(t, restarted)

	waitJob(t, restarted, pending.Job.ID, inState(indexing.JobStateCompleted))
	job := waitJob(t, restarted, "job-running", inState(indexing.JobStateCompleted))
	assert.Equal(t, 1, job.RetryCount)
}

func TestSameDocKeyInAnotherOrgDoesNotSupersede(t *testing.T) {
	h := newHarness(t, nil, fastConfig(2), true)
	stopController(t, h.ctrl)
	ctx := context.Background()

	ingestAs := func(orgID, content string) *indexing.IngestResult {
		res, err := h.ctrl.Ingest(ctx, rag.Caller{Subject: orgID + "-user", OrgID: orgID}, indexing.IngestRequest{
			DocKey:  "guideline-1",
			Content: []byte(content),
			Meta:    rag.DocumentMeta{MimeType: "text/plain"},
		})
		require.NoError(t, err)
		return res
	}

	a := ingestAs("org-a", clinicalNote)
	waitJob(t, h.ctrl, a.Job.ID, inState(indexing.JobStateCompleted))
	before := activeChunks(t, h.store, a.Document.ID)
	require.Positive(t, before)

	b := ingestAs("org-b", "Sodium restriction lowers blood pressure in most adults.")
	assert.True(t, b.Created)
	assert.Nil(t, b.Previous)
	assert.Equal(t, 1, b.Document.Version)
	waitJob(t, h.ctrl, b.Job.ID, inState(indexing.JobStateCompleted))

	jobA, err := h.ctrl.Get(ctx, a.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, indexing.JobStateCompleted, jobA.State)

	docA, err := h.store.Get(ctx, a.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, rag.DocumentStatusIndexed, docA.Status)
	assert.Equal(t, before, activeChunks(t, h.store, a.Document.ID))
}

func TestRecoverWithMorePendingJobsThanQueue(t *testing.T) {
	h := newHarness(t, nil, fastConfig(2), false)
	require.NoError(t, h.ctrl.Stop(context.Background()))

	ctx := context.Background()
	now := time.Now().UTC()
	saveJob := func(id, docKey string, state indexing.JobState) {
		up, err := h.store.Upsert(ctx, rag.Anonymous, docKey, []byte("Potassium levels were checked for "+docKey+"."), rag.DocumentMeta{MimeType: "text/plain"})
		require.NoError(t, err)
		job := &indexing.Job{
			ID:         id,
			DocumentID: up.Document.ID,
			DocKey:     docKey,
			Version:    1,
			State:      state,
			MaxRetries: 2,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if state == indexing.JobStateRunning {
			job.StartedAt = &now
		}
		require.NoError(t, h.jobs.SaveJob(ctx, job))
	}
	saveJob("p1", "doc-p1", indexing.JobStatePending)
	saveJob("p2", "doc-p2", indexing.JobStatePending)
	saveJob("p3", "doc-p3", indexing.JobStatePending)
	saveJob("r1", "doc-r1", indexing.JobStateRunning)

	cfg := fastConfig(2)
	cfg.QueueSize = 1
	restarted := h.newController(nil, cfg)

	recoverCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	require.NoError(t, restarted.Recover(recoverCtx))

	r1, err := restarted.Get(ctx, "r1")
	require.NoError(t, err)
	assert.NotEqual(t, indexing.JobStateRunning, r1.State)

	restarted.Start()
	stopController(t, restarted)
	for _, id := range []string{"p1", "p2", "p3", "r1"} {
		waitJob(t, restarted, id, inState(indexing.JobStateCompleted))
	}
}

func TestIngestAfterStopLeavesJobPending(t *testing.T) {
	h := newHarness(t, nil, indexing.Config{Workers: 1, QueueSize: 1}, false)
	require.NoError(t, h.ctrl.Stop(context.Background()))

	ingest(t, h.ctrl, "a", "first document body")
	res := ingest(t, h.ctrl, "b", "second document body")
	job, err := h.ctrl.Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, indexing.JobStatePending, job.State)

	pending, err := h.jobs.ListJobsByState(context.Background(), indexing.JobStatePending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
