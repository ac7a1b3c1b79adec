package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"brain2-memory/internal/engerrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChat_SuccessOnFirstAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello there"}}]}`)
	}))
	defer server.Close()

	c := New(Config{Endpoint: server.URL, Model: "test-model", MaxRetries: 2, Timeout: time.Second})
	content, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})

	require.NoError(t, err)
	require.NotNil(t, content)
	assert.Equal(t, "hello there", *content)
}

func TestChat_PermanentErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := New(Config{Endpoint: server.URL, Model: "test-model", MaxRetries: 2, Timeout: time.Second})
	content, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})

	require.Error(t, err)
	assert.Nil(t, content)
	assert.True(t, engerrors.IsPermanent(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestChat_TransientErrorRetriedThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"recovered"}}]}`)
	}))
	defer server.Close()

	c := New(Config{Endpoint: server.URL, Model: "test-model", MaxRetries: 2, Timeout: time.Second})
	content, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})

	require.NoError(t, err)
	require.NotNil(t, content)
	assert.Equal(t, "recovered", *content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestChat_TransientErrorExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := New(Config{Endpoint: server.URL, Model: "test-model", MaxRetries: 1, Timeout: time.Second})
	content, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})

	require.Error(t, err)
	assert.Nil(t, content)
	assert.True(t, engerrors.IsTransient(err))
}

func TestChatStream_ConcatenatesChunksUntilDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"message\":{\"content\":\"hel\"}}]}\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"message\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := New(Config{Endpoint: server.URL, Model: "test-model", MaxRetries: 1, Timeout: time.Second})
	content, err := c.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, make(chan struct{}))

	require.NoError(t, err)
	require.NotNil(t, content)
	assert.Equal(t, "hello", *content)
}

func TestChatStream_AbortResolvesAsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"message\":{\"content\":\"x\"}}]}\n\n")
	}))
	defer server.Close()

	abort := make(chan struct{})
	close(abort)

	c := New(Config{Endpoint: server.URL, Model: "test-model", MaxRetries: 0, Timeout: time.Second})
	content, err := c.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, abort)

	require.Error(t, err)
	assert.Nil(t, content)
	assert.True(t, engerrors.IsTransient(err))
}
