package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrag/internal/config"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Dir = filepath.Join(dir, "data")
	cfg.Chunker.ChunkSize = 60
	cfg.Chunker.ChunkOverlap = 10
	cfg.Log.Level = "error"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Save(path, cfg))
	return path
}

func TestIngestQueryAskStats(t *testing.T) {
	cfgPath := writeConfig(t)
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "rain.txt"), []byte("Monsoon rainfall peaks in July. Rivers flood the plains."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "sea.md"), []byte("Sea surface temperature is read by satellite radiometers."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "image.png"), []byte{0x89, 'P', 'N', 'G'}, 0o644))
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, run(ctx, cfgPath, "ingest", []string{docs}, &out))
	assert.Contains(t, out.String(), "2 documents")
	assert.Contains(t, out.String(), "generation 1")
	assert.Contains(t, out.String(), "image.png")

	out.Reset()
	require.NoError(t, run(ctx, cfgPath, "query", []string{"-k", "1", "monsoon", "rainfall"}, &out))
	assert.Contains(t, out.String(), "rain.txt @ 0")
	assert.NotContains(t, out.String(), "sea.md")

	out.Reset()
	require.NoError(t, run(ctx, cfgPath, "ask", []string{"when does monsoon rainfall peak?"}, &out))
	assert.Contains(t, out.String(), "Sources:")
	assert.Contains(t, out.String(), "July")

	out.Reset()
	require.NoError(t, run(ctx, cfgPath, "stats", nil, &out))
	assert.Contains(t, out.String(), "generation: 1")
	assert.Contains(t, out.String(), "flat/cosine")
}

func TestRunRejectsBadInput(t *testing.T) {
	cfgPath := writeConfig(t)
	ctx := context.Background()
	var out bytes.Buffer
	assert.Error(t, run(ctx, cfgPath, "frobnicate", nil, &out))
	assert.Error(t, run(ctx, cfgPath, "ingest", nil, &out))
	assert.Error(t, run(ctx, cfgPath, "query", nil, &out))
}

func TestQueryOnEmptyStore(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), writeConfig(t), "query", []string{"anything"}, &out))
	assert.Equal(t, "no results\n", out.String())
}

func TestMixedCaseComponentTypes(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-key")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embedder:\n  type: OpenAI\ngenerator:\n  type: OpenAI\nstore:\n  dir: "+filepath.Join(dir, "data")+"\nlog:\n  level: error\n"), 0o644))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), path, "stats", nil, &out))
	assert.Contains(t, out.String(), "generation: 0")

	cfg := config.Default()
	cfg.Embedder.Type = "OpenAI"
	emb, _, err := buildEmbedder(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai:text-embedding-3-small", emb.Name())
}
