package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"docrag/internal/domain"
	"docrag/internal/logging"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client is an OpenAI-compatible embeddings client implementing domain.BatchEmbedder.
// It also works against Ollama's /v1 endpoint.
type Client struct {
	client     *goopenai.Client
	model      string
	dims       int
	limiter    *rate.Limiter
	maxRetries int
	batchSize  int
	backoff    func(attempt int) time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	dimension int
}

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL   string
	APIKeyEnv string
	Model     string
	// Dimensions requests shortened embeddings; 0 keeps the model default
	// and learns the dimension from the first response.
	Dimensions        int
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxRetries        int
	BatchSize         int
}

// NewClient creates a new embeddings client using the provided configuration.
// An API key is required only for the default OpenAI endpoint.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OPENAI_API_KEY"
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" && cfg.BaseURL == defaultBaseURL {
		return nil, fmt.Errorf("%w: missing API key in env %s", domain.ErrInvalidConfiguration, cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		cfg.Model = string(goopenai.SmallEmbedding3)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	oc := goopenai.DefaultConfig(key)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		client:     goopenai.NewClientWithConfig(oc),
		model:      cfg.Model,
		dims:       cfg.Dimensions,
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: cfg.MaxRetries,
		batchSize:  cfg.BatchSize,
		backoff:    retryDelay,
		logger:     logging.OrDiscard(logger),
		dimension:  cfg.Dimensions,
	}, nil
}

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return "openai:" + c.model }

// Dimension returns the embedding length, or 0 until the first response.
func (c *Client) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dimension
}

// Embed returns an embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedMany embeds texts in batches, preserving order.
func (c *Client) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		vs, err := c.request(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vs...)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, inputs []string) ([][]float32, error) {
	req := goopenai.EmbeddingRequest{
		Input:      inputs,
		Model:      goopenai.EmbeddingModel(c.model),
		Dimensions: c.dims,
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.client.CreateEmbeddings(ctx, req)
		if err == nil {
			return c.collect(resp, len(inputs))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		c.logger.Debug("embedding request failed, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingUnavailable, lastErr)
}

func (c *Client) collect(resp goopenai.EmbeddingResponse, want int) ([][]float32, error) {
	if len(resp.Data) != want {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", domain.ErrEmbeddingUnavailable, len(resp.Data), want)
	}
	data := append([]goopenai.Embedding(nil), resp.Data...)
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, want)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty embedding returned", domain.ErrEmbeddingUnavailable)
		}
		if c.dimension == 0 {
			c.dimension = len(d.Embedding)
		}
		if len(d.Embedding) != c.dimension {
			return nil, &domain.DimensionMismatchError{Expected: c.dimension, Actual: len(d.Embedding)}
		}
		out[i] = d.Embedding
	}
	return out, nil
}

// retryable reports transport errors, rate limiting and server errors.
func retryable(err error) bool {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == 0
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 200 * time.Millisecond
	// exponential backoff capped at 5s
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

var _ domain.BatchEmbedder = (*Client)(nil)
