package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestAnthropicAdapter_Complete(t *testing.T) {
	server := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "user", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "la respuesta"}},
		})
	})

	adapter := NewAnthropicAdapter(server.URL, "test-key", "test-model", 3, nil)
	got, err := adapter.Complete(context.Background(), "pregunta", 100)
	require.NoError(t, err)
	assert.Equal(t, "la respuesta", got)
}

func TestAnthropicAdapter_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	server := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "ok"}},
		})
	})

	adapter := NewAnthropicAdapter(server.URL, "k", "m", 3, nil)
	got, err := adapter.Complete(context.Background(), "p", 10)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAnthropicAdapter_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "invalid_request_error", "message": "bad prompt"},
		})
	})

	adapter := NewAnthropicAdapter(server.URL, "k", "m", 3, nil)
	_, err := adapter.Complete(context.Background(), "p", 10)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), calls.Load(), "permanent errors must not be retried")
	assert.Contains(t, err.Error(), "bad prompt")
}

func TestAnthropicAdapter_TransientExhaustion(t *testing.T) {
	server := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	adapter := NewAnthropicAdapter(server.URL, "k", "m", 2, nil)
	_, err := adapter.Complete(context.Background(), "p", 10)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestAnthropicAdapter_CachesRepeatedPrompts(t *testing.T) {
	var calls atomic.Int32
	server := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "cached"}},
		})
	})

	adapter := NewAnthropicAdapter(server.URL, "k", "m", 3, nil)
	for i := 0; i < 3; i++ {
		got, err := adapter.Complete(context.Background(), "same prompt", 10)
		require.NoError(t, err)
		assert.Equal(t, "cached", got)
	}
	assert.Equal(t, int32(1), calls.Load())
}
