package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/tokengate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	cfg := &config.Config{
		ProviderEndpoint:   srv.URL,
		ProviderAPIKey:     "test-key",
		ProviderDeployment: "gpt-4o-mini",
		ProviderAPIVersion: "2024-06-01",
	}
	return NewClient(cfg, WithRetry(3, time.Millisecond))
}

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/gpt-4o-mini/chat/completions", r.URL.Path)
		assert.Equal(t, "2024-06-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "test-key", r.Header.Get("api-key"))

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 1)

		json.NewEncoder(w).Encode(ChatResponse{
			ID:      "chatcmpl-1",
			Choices: []ChatChoice{{Message: ChatMessage{Role: "assistant", Content: "hi"}, FinishReason: "stop"}},
			Usage:   Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	resp, err := c.ChatCompletion(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 3, resp.Usage.CompletionTokens)
}

func TestChatCompletion_TransientErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ChatResponse{Usage: Usage{PromptTokens: 1}})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.ChatCompletion(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestChatCompletion_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "bad prompt"}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.ChatCompletion(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, apiErr.Transient())
}

func TestChatCompletion_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := &config.Config{
		ProviderEndpoint:   srv.URL,
		ProviderDeployment: "gpt-4o-mini",
		ProviderAPIVersion: "2024-06-01",
	}
	c := NewClient(cfg, WithRetry(1, time.Millisecond))

	for i := 0; i < 5; i++ {
		_, err := c.ChatCompletion(context.Background(), ChatRequest{})
		require.Error(t, err)
	}

	_, err := c.ChatCompletion(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/gpt-4o-mini/embeddings", r.URL.Path)

		var req EmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"a", "b"}, req.Input)

		json.NewEncoder(w).Encode(EmbeddingResponse{
			Data: []EmbeddingData{
				{Index: 0, Embedding: []float64{0.1, 0.2}},
				{Index: 1, Embedding: []float64{0.3, 0.4}},
			},
			Usage: Usage{PromptTokens: 2, TotalTokens: 2},
		})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	resp, err := c.Embeddings(context.Background(), EmbeddingRequest{Input: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, 2, resp.Usage.PromptTokens)
}

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/gpt-4o-mini/audio/transcriptions", r.URL.Path)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "json", r.FormValue("response_format"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "call.wav", hdr.Filename)

		json.NewEncoder(w).Encode(Transcription{Text: "hello world"})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	tr, err := c.Transcribe(context.Background(), "call.wav", bytes.NewReader([]byte("RIFFdata")))
	require.NoError(t, err)
	assert.Equal(t, "hello world", tr.Text)
}
