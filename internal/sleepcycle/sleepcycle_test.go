package sleepcycle

import (
	"context"
	"testing"

	"brain2-memory/internal/config"
	"brain2-memory/internal/extractor"
	"brain2-memory/internal/graphstore"
	"brain2-memory/internal/graphstore/memstore"
	"brain2-memory/internal/llmclient"
	"brain2-memory/internal/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubChatClient struct {
	response *string
	err      error
}

func (s stubChatClient) Chat(ctx context.Context, messages []llmclient.Message) (*string, error) {
	return s.response, s.err
}

func (s stubChatClient) ChatStream(ctx context.Context, messages []llmclient.Message, abort <-chan struct{}) (*string, error) {
	return s.response, s.err
}

func baseOptions() config.SleepCycleOptions {
	opts := config.DefaultSleepCycleOptions()
	opts.SkipSemanticDedup = true // most tests don't stand up a real LLM
	return opts
}

func TestRun_MergesHighSimilarityDuplicates(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	a, err := store.InsertMemory(ctx, "I prefer tea over coffee", []float32{1, 0}, graphstore.InsertOptions{})
	require.NoError(t, err)
	_, err = store.InsertMemory(ctx, "I like tea more than coffee", []float32{1, 0}, graphstore.InsertOptions{})
	require.NoError(t, err)

	ext := extractor.New(extractor.Config{Enabled: false}, stubChatClient{})
	cycle := New(store, ext, zap.NewNop(), nil, nil, nil)

	opts := baseOptions()
	result := cycle.Run(ctx, opts, nil)

	assert.False(t, result.Aborted)
	assert.Equal(t, 1, result.Counts.VectorMerged)

	kept, ok := store.Get(a)
	require.True(t, ok)
	assert.False(t, kept.Invalidated)
}

func TestRun_AbortBeforeFirstPhaseSkipsEverything(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	ext := extractor.New(extractor.Config{Enabled: false}, stubChatClient{})
	cycle := New(store, ext, zap.NewNop(), nil, nil, nil)

	abort := make(chan struct{})
	close(abort)

	result := cycle.Run(ctx, baseOptions(), abort)
	assert.True(t, result.Aborted)
}

func TestRun_PromotesHighScoringOldMemoriesWhenEnabled(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	id, err := store.InsertMemory(ctx, "a durable fact about the user", nil, graphstore.InsertOptions{})
	require.NoError(t, err)
	m, ok := store.Get(id)
	require.True(t, ok)
	m.Importance = 1.0
	m.CreatedAt = m.CreatedAt.AddDate(0, 0, -30)
	store.SetForTest(id, m)

	ext := extractor.New(extractor.Config{Enabled: false}, stubChatClient{})
	cycle := New(store, ext, zap.NewNop(), nil, nil, nil)

	opts := baseOptions()
	opts.SkipPromotion = false
	opts.ParetoPercentile = 0.1
	opts.PromotionMinAgeDays = 7

	result := cycle.Run(ctx, opts, nil)
	assert.GreaterOrEqual(t, result.Counts.Promoted, 1)

	promoted, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, memory.CategoryCore, promoted.Category)
}

func TestRun_ExtractionCatchUpRunsBackgroundExtractionOnPending(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	_, err := store.InsertMemory(ctx, "Alice works at Acme", nil, graphstore.InsertOptions{})
	require.NoError(t, err)

	ext := extractor.New(extractor.Config{Enabled: true}, stubChatClient{
		response: strPtr(`{"category":"fact","entities":[{"name":"Alice","type":"person"}],"relationships":[],"tags":[]}`),
	})
	cycle := New(store, ext, zap.NewNop(), nil, nil, nil)

	opts := baseOptions()
	result := cycle.Run(ctx, opts, nil)

	assert.Equal(t, 1, result.Counts.ExtractionAttempted)
	assert.Equal(t, 1, result.Counts.ExtractionSucceeded)

	counts, err := store.CountByExtractionStatus(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[memory.ExtractionComplete])
}

func strPtr(s string) *string { return &s }
