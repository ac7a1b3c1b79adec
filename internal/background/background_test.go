package background

import (
	"context"
	"testing"

	"brain2-memory/internal/engerrors"
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

func strPtr(s string) *string { return &s }

func newStore(t *testing.T) *memstore.Store {
	t.Helper()
	return memstore.New()
}

func TestRun_DisabledMarksSkipped(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id, err := store.InsertMemory(ctx, "some text", nil, graphstore.InsertOptions{})
	require.NoError(t, err)

	ext := extractor.New(extractor.Config{Enabled: false}, stubChatClient{})
	runner := New(store, ext, zap.NewNop())

	result := runner.Run(ctx, id, "some text", 0, nil)
	assert.True(t, result.Success)

	m, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, memory.ExtractionSkipped, m.ExtractionStatus)
}

func TestRun_TransientFailureBelowBudgetStaysPending(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id, err := store.InsertMemory(ctx, "some text", nil, graphstore.InsertOptions{})
	require.NoError(t, err)

	ext := extractor.New(extractor.Config{Enabled: true}, stubChatClient{err: engerrors.NewTransient("connection reset", nil)})
	runner := New(store, ext, zap.NewNop())

	result := runner.Run(ctx, id, "some text", 0, nil)
	assert.False(t, result.Success)

	m, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, memory.ExtractionPending, m.ExtractionStatus)
	assert.Equal(t, 1, m.ExtractionRetries)
}

func TestRun_TransientFailureAtBudgetMarksFailed(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id, err := store.InsertMemory(ctx, "some text", nil, graphstore.InsertOptions{})
	require.NoError(t, err)
	require.NoError(t, store.UpdateExtractionStatus(ctx, id, memory.ExtractionPending, true))
	require.NoError(t, store.UpdateExtractionStatus(ctx, id, memory.ExtractionPending, true))

	ext := extractor.New(extractor.Config{Enabled: true}, stubChatClient{err: engerrors.NewTransient("connection reset", nil)})
	runner := New(store, ext, zap.NewNop())

	result := runner.Run(ctx, id, "some text", 2, nil)
	assert.False(t, result.Success)

	m, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, memory.ExtractionFailed, m.ExtractionStatus)
}

func TestRun_MalformedJSONMarksFailed(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id, err := store.InsertMemory(ctx, "some text", nil, graphstore.InsertOptions{})
	require.NoError(t, err)

	ext := extractor.New(extractor.Config{Enabled: true}, stubChatClient{response: strPtr("not json")})
	runner := New(store, ext, zap.NewNop())

	result := runner.Run(ctx, id, "some text", 0, nil)
	assert.False(t, result.Success)

	m, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, memory.ExtractionFailed, m.ExtractionStatus)
}

func TestRun_EmptyResultCompletesWithoutGraphWrites(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id, err := store.InsertMemory(ctx, "some text", nil, graphstore.InsertOptions{})
	require.NoError(t, err)

	ext := extractor.New(extractor.Config{Enabled: true}, stubChatClient{
		response: strPtr(`{"category":"other","entities":[],"relationships":[],"tags":[]}`),
	})
	runner := New(store, ext, zap.NewNop())

	result := runner.Run(ctx, id, "some text", 0, nil)
	assert.True(t, result.Success)

	m, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, memory.ExtractionComplete, m.ExtractionStatus)
}

func TestRun_NonEmptyResultWritesEntitiesAndCompletes(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	id, err := store.InsertMemory(ctx, "Alice works at Acme", nil, graphstore.InsertOptions{})
	require.NoError(t, err)

	ext := extractor.New(extractor.Config{Enabled: true}, stubChatClient{
		response: strPtr(`{"category":"fact","entities":[{"name":"Alice","type":"person"}],"relationships":[],"tags":[{"name":"work","category":"topic"}]}`),
	})
	runner := New(store, ext, zap.NewNop())

	result := runner.Run(ctx, id, "Alice works at Acme", 0, nil)
	assert.True(t, result.Success)

	m, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, memory.ExtractionComplete, m.ExtractionStatus)
	assert.Equal(t, memory.CategoryFact, m.Category)

	orphans, err := store.FindOrphanEntities(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans, "the new entity must have a MENTIONS edge, not be orphaned")
}
