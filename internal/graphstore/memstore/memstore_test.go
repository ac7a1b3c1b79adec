package memstore

import (
	"context"
	"testing"

	"brain2-memory/internal/graphstore"
	"brain2-memory/internal/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndBatchEntityOperations_MergesByNameAndType(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1, err := s.InsertMemory(ctx, "Alice works at Acme", []float32{1, 0, 0}, graphstore.InsertOptions{})
	require.NoError(t, err)
	id2, err := s.InsertMemory(ctx, "Alice also likes Acme coffee", []float32{0.9, 0.1, 0}, graphstore.InsertOptions{})
	require.NoError(t, err)

	alice := memory.Entity{Name: "alice", Type: memory.EntityPerson}
	category := memory.CategoryFact

	require.NoError(t, s.BatchEntityOperations(ctx, id1, []memory.Entity{alice}, nil, nil, &category))
	require.NoError(t, s.BatchEntityOperations(ctx, id2, []memory.Entity{alice}, nil, nil, &category))

	assert.Len(t, s.entities, 1, "MERGE on (name, type) should not create a second entity")
	orphans, err := s.FindOrphanEntities(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	m1, _ := s.Get(id1)
	assert.Equal(t, memory.ExtractionComplete, m1.ExtractionStatus)
	assert.Equal(t, memory.CategoryFact, m1.Category)
}

func TestFindDuplicateClusters_ConnectedComponents(t *testing.T) {
	s := New()
	ctx := context.Background()

	a, _ := s.InsertMemory(ctx, "a", []float32{1, 0}, graphstore.InsertOptions{})
	b, _ := s.InsertMemory(ctx, "b", []float32{1, 0}, graphstore.InsertOptions{})
	c, _ := s.InsertMemory(ctx, "c", []float32{0, 1}, graphstore.InsertOptions{})

	clusters, err := s.FindDuplicateClusters(ctx, 0.99, "", true)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{a, b}, clusters[0].MemoryIDs)
	assert.NotContains(t, clusters[0].MemoryIDs, c)
}

func TestMergeMemoryCluster_KeepsHighestImportanceAndSumsRetrieval(t *testing.T) {
	s := New()
	ctx := context.Background()

	a, _ := s.InsertMemory(ctx, "high importance", []float32{1, 0}, graphstore.InsertOptions{})
	b, _ := s.InsertMemory(ctx, "low importance", []float32{1, 0}, graphstore.InsertOptions{})

	am, _ := s.Get(a)
	am.Importance = 0.8
	am.RetrievalCount = 3
	s.memories[a] = &am

	bm, _ := s.Get(b)
	bm.Importance = 0.5
	bm.RetrievalCount = 2
	s.memories[b] = &bm

	result, err := s.MergeMemoryCluster(ctx, []string{a, b}, []float64{0.8, 0.5})
	require.NoError(t, err)
	assert.Equal(t, a, result.KeptID)
	assert.Equal(t, 1, result.DeletedCount)

	kept, _ := s.Get(a)
	assert.Equal(t, 0.8, kept.Importance)
	assert.Equal(t, 5, kept.RetrievalCount)

	deleted, _ := s.Get(b)
	assert.True(t, deleted.Invalidated)
}

func TestPromoteToCoreAndPrune_RespectCoreAndPinned(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, _ := s.InsertMemory(ctx, "text", nil, graphstore.InsertOptions{})
	count, err := s.PromoteToCore(ctx, []string{id})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	pruned, err := s.PruneMemories(ctx, []string{id})
	require.NoError(t, err)
	assert.Equal(t, 0, pruned, "core memories must never be pruned")

	_, ok := s.Get(id)
	assert.True(t, ok)
}

func TestListPendingExtractions_RespectsLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.InsertMemory(ctx, "text", nil, graphstore.InsertOptions{})
		require.NoError(t, err)
	}

	rows, err := s.ListPendingExtractions(ctx, 3, "")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestCountByExtractionStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, _ := s.InsertMemory(ctx, "text", nil, graphstore.InsertOptions{})
	require.NoError(t, s.UpdateExtractionStatus(ctx, id, memory.ExtractionFailed, false))

	counts, err := s.CountByExtractionStatus(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[memory.ExtractionFailed])
}

func TestFindMemoriesMatching_ExcludesCoreAndPinned(t *testing.T) {
	s := New()
	ctx := context.Background()

	core, _ := s.InsertMemory(ctx, "ready to proceed?", nil, graphstore.InsertOptions{})
	_, err := s.PromoteToCore(ctx, []string{core})
	require.NoError(t, err)

	normal, _ := s.InsertMemory(ctx, "ready to proceed?", nil, graphstore.InsertOptions{})

	matchAll := func(string) bool { return true }
	ids, err := s.FindMemoriesMatching(ctx, matchAll, "")
	require.NoError(t, err)
	assert.NotContains(t, ids, core)
	assert.Contains(t, ids, normal)
}
