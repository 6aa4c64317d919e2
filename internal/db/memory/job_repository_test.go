package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragweave/internal/db/memory"
	"ragweave/internal/domain/indexing"
	"ragweave/internal/domain/rag"
)

func TestJobRepository(t *testing.T) {
	r := memory.NewJobRepository()
	ctx := context.Background()

	for _, j := range []*indexing.Job{
		{ID: "j3", DocKey: "k", State: indexing.JobStateCompleted},
		{ID: "j1", DocKey: "k", State: indexing.JobStatePending},
		{ID: "j2", DocKey: "other", State: indexing.JobStateFailed},
	} {
		require.NoError(t, r.SaveJob(ctx, j))
	}

	jobs, err := r.ListJobsByDocKey(ctx, "k")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j3", jobs[0].ID)
	assert.Equal(t, "j1", jobs[1].ID)

	active, err := r.ListJobsByState(ctx, indexing.JobStatePending, indexing.JobStateFailed)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	got, err := r.GetJob(ctx, "j1")
	require.NoError(t, err)
	got.State = indexing.JobStateRunning
	again, err := r.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, indexing.JobStatePending, again.State)

	_, err = r.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, rag.ErrNotFound)
}
