package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrag/internal/domain"
)

type embeddingReq struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL + "/v1"
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func writeEmbeddings(w http.ResponseWriter, inputs []string, dim int) {
	type item struct {
		Object    string    `json:"object"`
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}
	data := make([]item, len(inputs))
	// reversed on purpose; the client must reorder by index
	for i := range inputs {
		v := make([]float32, dim)
		v[0] = float32(len(inputs[i]))
		data[len(inputs)-1-i] = item{Object: "embedding", Embedding: v, Index: i}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": "test"})
}

func writeError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
}

func TestEmbedLearnsDimension(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req embeddingReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		writeEmbeddings(w, req.Input, 4)
	}, Config{Model: "nomic-embed-text"})

	assert.Zero(t, c.Dimension())
	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 0, 0, 0}, v)
	assert.Equal(t, 4, c.Dimension())
	assert.Equal(t, "openai:nomic-embed-text", c.Name())
}

func TestEmbedManyBatchesAndOrders(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embeddingReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.LessOrEqual(t, len(req.Input), 2)
		writeEmbeddings(w, req.Input, 3)
	}, Config{BatchSize: 2})

	vs, err := c.EmbedMany(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vs, 5)
	for i, v := range vs {
		assert.Equal(t, float32(i+1), v[0])
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbedRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeError(w, http.StatusServiceUnavailable)
			return
		}
		var req embeddingReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeEmbeddings(w, req.Input, 2)
	}, Config{MaxRetries: 3})

	_, err := c.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbedGivesUpAsUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusTooManyRequests)
	}, Config{MaxRetries: 2})

	_, err := c.Embed(context.Background(), "x")
	assert.True(t, errors.Is(err, domain.ErrEmbeddingUnavailable))
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbedDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusBadRequest)
	}, Config{MaxRetries: 4})

	_, err := c.Embed(context.Background(), "x")
	assert.True(t, errors.Is(err, domain.ErrEmbeddingUnavailable))
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedRejectsChangedDimension(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req embeddingReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeEmbeddings(w, req.Input, 3)
	}, Config{Dimensions: 8})

	assert.Equal(t, 8, c.Dimension())
	_, err := c.Embed(context.Background(), "x")
	assert.True(t, errors.Is(err, domain.ErrDimensionMismatch))
}

func TestEmbedHonorsCancellation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusInternalServerError)
	}, Config{MaxRetries: 10})
	c.backoff = func(int) time.Duration { return time.Hour }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Embed(ctx, "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClientRequiresKeyForDefaultEndpoint(t *testing.T) {
	t.Setenv("DOCRAG_TEST_EMPTY_KEY", "")
	_, err := NewClient(Config{APIKeyEnv: "DOCRAG_TEST_EMPTY_KEY"}, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidConfiguration))

	t.Setenv("DOCRAG_TEST_KEY", "sk-test")
	_, err = NewClient(Config{APIKeyEnv: "DOCRAG_TEST_KEY"}, nil)
	assert.NoError(t, err)
}

func TestRetryDelayIsCapped(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, retryDelay(0))
	assert.Equal(t, 400*time.Millisecond, retryDelay(1))
	assert.Equal(t, 5*time.Second, retryDelay(10))
}
