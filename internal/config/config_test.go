package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrag/internal/domain"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Chunker.ChunkSize)
	assert.Equal(t, 100, cfg.Chunker.ChunkOverlap)
	assert.Equal(t, "hashing", cfg.Embedder.Type)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chunker:
  chunk_size: 400
embedder:
  type: openai
  openai:
    base_url: http://localhost:11434/v1
    model: nomic-embed-text
index:
  type: vptree
  metric: euclidean
store:
  dir: /tmp/docrag
  reject_duplicates: true
generator:
  type: openai
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 400, cfg.Chunker.ChunkSize)
	assert.Equal(t, 100, cfg.Chunker.ChunkOverlap)
	require.NotNil(t, cfg.Embedder.OpenAI)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Embedder.OpenAI.BaseURL)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Embedder.OpenAI.APIKeyEnv)
	assert.Equal(t, 32, cfg.Embedder.OpenAI.BatchSize)
	assert.Equal(t, "vptree", cfg.Index.Type)
	assert.True(t, cfg.Store.RejectDuplicates)
	assert.Equal(t, 2, cfg.Store.KeepSnapshots)
	require.NotNil(t, cfg.Generator.OpenAI)
	assert.Equal(t, "gpt-4o-mini", cfg.Generator.OpenAI.Model)
	assert.NoError(t, cfg.Validate())
}

func TestLoadNormalizesComponentTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
embedder:
  type: OpenAI
generator:
  type: " OpenAI "
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Embedder.Type)
	assert.Equal(t, "openai", cfg.Generator.Type)
	require.NotNil(t, cfg.Embedder.OpenAI)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedder.OpenAI.Model)
	require.NotNil(t, cfg.Generator.OpenAI)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Generator.OpenAI.BaseURL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunker: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Index.Exact = true
	require.NoError(t, Save(path, cfg))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"OverlapTooLarge", func(c *AppConfig) { c.Chunker.ChunkOverlap = c.Chunker.ChunkSize }},
		{"ZeroChunk", func(c *AppConfig) { c.Chunker.ChunkSize = 0 }},
		{"UnknownEmbedder", func(c *AppConfig) { c.Embedder.Type = "word2vec" }},
		{"UnknownIndex", func(c *AppConfig) { c.Index.Type = "hnsw" }},
		{"UnknownMetric", func(c *AppConfig) { c.Index.Metric = "manhattan" }},
		{"UnknownCompression", func(c *AppConfig) { c.Index.Compression = "gzip" }},
		{"NoWorkers", func(c *AppConfig) { c.Ingest.Workers = 0 }},
		{"NoSnapshots", func(c *AppConfig) { c.Store.KeepSnapshots = 0 }},
		{"EmptyDir", func(c *AppConfig) { c.Store.Dir = "" }},
		{"UnknownGenerator", func(c *AppConfig) { c.Generator.Type = "gpt" }},
		{"ZeroTopK", func(c *AppConfig) { c.Retrieval.TopK = 0 }},
		{"BadLogLevel", func(c *AppConfig) { c.Log.Level = "chatty" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidConfiguration))
		})
	}
}
