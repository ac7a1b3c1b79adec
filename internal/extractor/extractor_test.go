package extractor

import (
	"context"
	"errors"
	"testing"

	"brain2-memory/internal/engerrors"
	"brain2-memory/internal/llmclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClient is a hand-rolled ChatClient test double, following
// brain2-backend's table-driven service test style without a mocking
// framework.
type stubClient struct {
	chatResponse       *string
	chatErr            error
	streamResponse     *string
	streamErr          error
	chatCalls          int
	streamCalls        int
}

func (s *stubClient) Chat(ctx context.Context, messages []llmclient.Message) (*string, error) {
	s.chatCalls++
	return s.chatResponse, s.chatErr
}

func (s *stubClient) ChatStream(ctx context.Context, messages []llmclient.Message, abort <-chan struct{}) (*string, error) {
	s.streamCalls++
	return s.streamResponse, s.streamErr
}

func strPtr(s string) *string { return &s }

func enabledConfig() Config {
	return Config{Enabled: true, Model: "test-model", Endpoint: "http://example.invalid", MaxRetries: 2}
}

func TestExtractEntities_DisabledReturnsNil(t *testing.T) {
	e := New(Config{Enabled: false}, &stubClient{})
	result, transient := e.ExtractEntities(context.Background(), "some text", nil)
	assert.Nil(t, result)
	assert.False(t, transient)
}

func TestExtractEntities_TransientErrorPropagates(t *testing.T) {
	client := &stubClient{streamErr: engerrors.NewTransient("upstream unavailable", nil)}
	e := New(enabledConfig(), client)

	result, transient := e.ExtractEntities(context.Background(), "some text", nil)
	assert.Nil(t, result)
	assert.True(t, transient)
}

func TestExtractEntities_PermanentErrorReturnsNilNotTransient(t *testing.T) {
	client := &stubClient{streamErr: engerrors.NewPermanent("bad request", nil)}
	e := New(enabledConfig(), client)

	result, transient := e.ExtractEntities(context.Background(), "some text", nil)
	assert.Nil(t, result)
	assert.False(t, transient)
}

func TestExtractEntities_MalformedJSONIsPermanent(t *testing.T) {
	client := &stubClient{streamResponse: strPtr("not json at all")}
	e := New(enabledConfig(), client)

	result, transient := e.ExtractEntities(context.Background(), "some text", nil)
	assert.Nil(t, result)
	assert.False(t, transient)
}

func TestExtractEntities_ValidatesAndSanitizes(t *testing.T) {
	raw := `{
		"category": "preference",
		"entities": [{"name": "  Alice  ", "type": "person", "aliases": ["Al"], "description": "a friend"}],
		"relationships": [{"source": "Alice", "target": "Acme", "type": "WORKS_AT", "confidence": 0.9}],
		"tags": [{"name": "work", "category": "topic"}]
	}`
	client := &stubClient{streamResponse: &raw}
	e := New(enabledConfig(), client)

	result, transient := e.ExtractEntities(context.Background(), "Alice works at Acme.", nil)
	require.False(t, transient)
	require.NotNil(t, result)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "alice", result.Entities[0].Name)
	assert.True(t, result.HasCategory)
	assert.Equal(t, 1, client.streamCalls)
}

func TestExtractEntities_StripsMarkdownFence(t *testing.T) {
	raw := "```json\n{\"category\":\"fact\",\"entities\":[],\"relationships\":[],\"tags\":[]}\n```"
	client := &stubClient{streamResponse: &raw}
	e := New(enabledConfig(), client)

	result, transient := e.ExtractEntities(context.Background(), "some fact", nil)
	require.False(t, transient)
	require.NotNil(t, result)
	assert.True(t, result.IsEmpty())
}

func TestRateImportance_DisabledReturnsNeutral(t *testing.T) {
	e := New(Config{Enabled: false}, &stubClient{})
	assert.Equal(t, 0.5, e.RateImportance(context.Background(), "text"))
}

func TestRateImportance_FailureReturnsNeutral(t *testing.T) {
	client := &stubClient{chatErr: errors.New("boom")}
	e := New(enabledConfig(), client)
	assert.Equal(t, 0.5, e.RateImportance(context.Background(), "text"))
}

func TestRateImportance_ClampsAndScales(t *testing.T) {
	client := &stubClient{chatResponse: strPtr("9")}
	e := New(enabledConfig(), client)
	assert.InDelta(t, 0.9, e.RateImportance(context.Background(), "text"), 0.001)
}

func TestRateImportance_UnparsableReturnsNeutral(t *testing.T) {
	client := &stubClient{chatResponse: strPtr("definitely not a number")}
	e := New(enabledConfig(), client)
	assert.Equal(t, 0.5, e.RateImportance(context.Background(), "text"))
}

func TestIsSemanticDuplicate_FastPathBelowThreshold(t *testing.T) {
	client := &stubClient{}
	e := New(enabledConfig(), client)

	low := 0.5
	got := e.IsSemanticDuplicate(context.Background(), "a", "b", &low, nil)
	assert.False(t, got)
	assert.Equal(t, 0, client.streamCalls, "should not call the LLM below the fast-path threshold")
}

func TestIsSemanticDuplicate_CallsLLMAboveThreshold(t *testing.T) {
	client := &stubClient{streamResponse: strPtr(`{"verdict":"duplicate"}`)}
	e := New(enabledConfig(), client)

	high := 0.95
	got := e.IsSemanticDuplicate(context.Background(), "a", "b", &high, nil)
	assert.True(t, got)
	assert.Equal(t, 1, client.streamCalls)
}

func TestIsSemanticDuplicate_NilSimilarityCallsLLM(t *testing.T) {
	client := &stubClient{streamResponse: strPtr(`{"verdict":"unique"}`)}
	e := New(enabledConfig(), client)

	got := e.IsSemanticDuplicate(context.Background(), "a", "b", nil, nil)
	assert.False(t, got)
	assert.Equal(t, 1, client.streamCalls)
}

func TestIsSemanticDuplicate_FailsOpenOnError(t *testing.T) {
	client := &stubClient{streamErr: errors.New("boom")}
	e := New(enabledConfig(), client)

	got := e.IsSemanticDuplicate(context.Background(), "a", "b", nil, nil)
	assert.False(t, got)
}

func TestResolveConflict_FailureReturnsSkip(t *testing.T) {
	client := &stubClient{streamErr: errors.New("boom")}
	e := New(enabledConfig(), client)

	got := e.ResolveConflict(context.Background(), "a", "b", nil)
	assert.Equal(t, ConflictSkip, got)
}

func TestResolveConflict_DisabledReturnsSkip(t *testing.T) {
	e := New(Config{Enabled: false}, &stubClient{})
	got := e.ResolveConflict(context.Background(), "a", "b", nil)
	assert.Equal(t, ConflictSkip, got)
}

func TestResolveConflict_ParsesKnownVerdicts(t *testing.T) {
	tests := []struct {
		response string
		want     ConflictVerdict
	}{
		{`{"keep":"a"}`, ConflictKeepA},
		{`{"keep":"b"}`, ConflictKeepB},
		{`{"keep":"both"}`, ConflictBoth},
		{`{"keep":"skip"}`, ConflictSkip},
		{`{"keep":"nonsense"}`, ConflictSkip},
	}

	for _, tt := range tests {
		t.Run(tt.response, func(t *testing.T) {
			client := &stubClient{streamResponse: strPtr(tt.response)}
			e := New(enabledConfig(), client)
			got := e.ResolveConflict(context.Background(), "a", "b", nil)
			assert.Equal(t, tt.want, got)
		})
	}
}
