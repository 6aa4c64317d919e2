package rag_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragweave/internal/db/memory"
	"ragweave/internal/domain/rag"
)

func TestDocumentStoreVersioning(t *testing.T) {
	ctx := context.Background()
	store := rag.NewDocumentStore(memory.NewDocumentRepository())
	caller := rag.Caller{Subject: "u1", OrgID: "org", TenantID: "t1"}

	first, err := store.Upsert(ctx, caller, "guide", []byte("v1 content"), rag.DocumentMeta{Filename: "guide.txt"})
	require.NoError(t, err)
	require.True(t, first.Created)
	assert.Equal(t, 1, first.Document.Version)
	assert.Equal(t, "guide.txt", first.Document.Title)
	assert.Equal(t, "org", first.Document.OrgID)
	assert.Equal(t, rag.DocumentStatusUploaded, first.Document.Status)
	assert.Nil(t, first.Previous)

	same, err := store.Upsert(ctx, caller, "guide", []byte("v1 content"), rag.DocumentMeta{})
	require.NoError(t, err)
	assert.False(t, same.Created)
	assert.Equal(t, first.Document.ID, same.Document.ID)

	second, err := store.Upsert(ctx, caller, "guide", []byte("v2 content"), rag.DocumentMeta{Title: "Guide"})
	require.NoError(t, err)
	require.True(t, second.Created)
	assert.Equal(t, 2, second.Document.Version)
	require.NotNil(t, second.Previous)
	assert.Equal(t, second.Document.ID, second.Previous.SupersededBy)
	assert.Equal(t, rag.DocumentStatusSuperseded, second.Previous.Status)

	active, err := store.Active(ctx, caller.Namespace(), "guide")
	require.NoError(t, err)
	assert.Equal(t, second.Document.ID, active.ID)

	lineage, err := store.Lineage(ctx, caller.Namespace(), "guide")
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, 1, lineage[0].Version)
	assert.Equal(t, lineage[1].ID, lineage[0].SupersededBy)
	assert.True(t, lineage[1].IsActive())
}

func TestDocumentStoreRejectsEmptyInput(t *testing.T) {
	store := rag.NewDocumentStore(memory.NewDocumentRepository())
	_, err := store.Upsert(context.Background(), rag.Anonymous, "k", nil, rag.DocumentMeta{})
	assert.ErrorIs(t, err, rag.ErrEmptyDocument)

	_, err = store.Upsert(context.Background(), rag.Anonymous, "  ", []byte("x"), rag.DocumentMeta{})
	assert.Error(t, err)
}

func TestDocumentStoreMissingKey(t *testing.T) {
	store := rag.NewDocumentStore(memory.NewDocumentRepository())
	_, err := store.Active(context.Background(), rag.Namespace{}, "nope")
	assert.ErrorIs(t, err, rag.ErrNotFound)
	_, err = store.Lineage(context.Background(), rag.Namespace{}, "nope")
	assert.ErrorIs(t, err, rag.ErrNotFound)
	_, err = store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, rag.ErrNotFound)
}

func TestDocumentStoreConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	store := rag.NewDocumentStore(memory.NewDocumentRepository())
	_, err := store.Upsert(ctx, rag.Anonymous, "k", []byte("base"), rag.DocumentMeta{})
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Upsert(ctx, rag.Anonymous, "k", []byte{byte('a' + i)}, rag.DocumentMeta{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case assert.ErrorIs(t, err, rag.ErrConflict):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, wins, 1)
	assert.Equal(t, writers, wins+conflicts)

	lineage, err := store.Lineage(ctx, rag.Namespace{}, "k")
	require.NoError(t, err)
	assert.Len(t, lineage, 1+wins)
	active := 0
	for i, d := range lineage {
		assert.Equal(t, i+1, d.Version)
		if d.IsActive() {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestSupersededDocumentChunksAreInactive(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewDocumentRepository()
	store := rag.NewDocumentStore(repo)

	v1, err := store.Upsert(ctx, rag.Anonymous, "k", []byte("one"), rag.DocumentMeta{})
	require.NoError(t, err)
	require.NoError(t, repo.SaveChunks(ctx, []rag.Chunk{{ID: "c1", DocumentID: v1.Document.ID, DocKey: "k", Version: 1}}))

	ids, err := store.ActiveChunkIDs(ctx, []string{"c1"})
	require.NoError(t, err)
	assert.True(t, ids["c1"])

	v2, err := store.Upsert(ctx, rag.Anonymous, "k", []byte("two"), rag.DocumentMeta{})
	require.NoError(t, err)
	ids, err = store.ActiveChunkIDs(ctx, []string{"c1"})
	require.NoError(t, err)
	assert.False(t, ids["c1"])

	// 迟到的写入按 superseded 落库
	require.NoError(t, repo.SaveChunks(ctx, []rag.Chunk{{ID: "c2", DocumentID: v1.Document.ID, DocKey: "k", Version: 1}}))
	chunks, err := store.Chunks(ctx, v1.Document.ID)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.True(t, c.Superseded, c.ID)
	}

	require.NoError(t, repo.UpdateStatus(ctx, v1.Document.ID, rag.DocumentStatusIndexed))
	old, err := store.Get(ctx, v1.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, rag.DocumentStatusSuperseded, old.Status)
	assert.Equal(t, v2.Document.ID, old.SupersededBy)
}

func TestDocumentStoreDocKeysAreNamespacedByScope(t *testing.T) {
	ctx := context.Background()
	store := rag.NewDocumentStore(memory.NewDocumentRepository())
	alice := rag.Caller{Subject: "alice", OrgID: "org-a"}
	bob := rag.Caller{Subject: "bob", OrgID: "org-b"}

	a, err := store.Upsert(ctx, alice, "guideline-1", []byte("org a guideline"), rag.DocumentMeta{})
	require.NoError(t, err)
	b, err := store.Upsert(ctx, bob, "guideline-1", []byte("org b guideline"), rag.DocumentMeta{})
	require.NoError(t, err)

	assert.True(t, b.Created)
	assert.Nil(t, b.Previous)
	assert.Equal(t, 1, b.Document.Version)
	assert.Equal(t, "org-b", b.Document.OrgID)

	stillA, err := store.Get(ctx, a.Document.ID)
	require.NoError(t, err)
	assert.True(t, stillA.IsActive())
	assert.Equal(t, rag.DocumentStatusUploaded, stillA.Status)

	// 相同内容也不会跨命名空间返回别人的文档
	same, err := store.Upsert(ctx, bob, "guideline-1", []byte("org a guideline"), rag.DocumentMeta{})
	require.NoError(t, err)
	assert.True(t, same.Created)
	assert.NotEqual(t, a.Document.ID, same.Document.ID)
	assert.Equal(t, 2, same.Document.Version)

	lineageA, err := store.Lineage(ctx, alice.Namespace(), "guideline-1")
	require.NoError(t, err)
	require.Len(t, lineageA, 1)
	assert.Equal(t, a.Document.ID, lineageA[0].ID)

	lineageB, err := store.Lineage(ctx, bob.Namespace(), "guideline-1")
	require.NoError(t, err)
	assert.Len(t, lineageB, 2)

	_, err = store.Active(ctx, rag.Namespace{OrgID: "org-c"}, "guideline-1")
	assert.ErrorIs(t, err, rag.ErrNotFound)
}
