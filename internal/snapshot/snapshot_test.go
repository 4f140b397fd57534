package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docrag/internal/domain"
	"docrag/internal/index"
	"docrag/internal/vectorstore"
)

func sampleState(t *testing.T, n int) (*vectorstore.Store, index.Index) {
	t.Helper()
	s := vectorstore.New()
	for i := 0; i < n; i++ {
		_, err := s.Insert(domain.Chunk{SourceID: "a.txt", Offset: i, Text: "chunk", Embedding: []float32{float32(i), 1}})
		require.NoError(t, err)
	}
	_, err := s.Insert(domain.Chunk{SourceID: "a.txt", Offset: n, Text: "unembedded"})
	require.NoError(t, err)
	ix, err := index.Build(s.AllEmbedded(), index.Options{Kind: index.KindVPTree, Metric: index.Cosine})
	require.NoError(t, err)
	return s, ix
}

func TestLoadWithoutSnapshotIsEmpty(t *testing.T) {
	m := New(t.TempDir(), 2, index.CompressionNone, nil)
	st, err := m.Load(context.Background(), vectorstore.WithRejectDuplicates(true))
	require.NoError(t, err)
	assert.Zero(t, st.Generation)
	assert.Nil(t, st.Index)
	assert.Zero(t, st.Store.Len())
	assert.True(t, st.Store.RejectsDuplicates())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := New(t.TempDir(), 2, index.CompressionZstd, nil)
	store, ix := sampleState(t, 40)
	require.NoError(t, m.Save(ctx, 1, store, ix))

	gen, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	st, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, store.Chunks(), st.Store.Chunks())
	assert.Equal(t, index.KindVPTree, st.Index.Kind())
	assert.True(t, ix.IDs().Equals(st.Index.IDs()))
}

func TestSavePrunesOldGenerations(t *testing.T) {
	ctx := context.Background()
	m := New(t.TempDir(), 2, index.CompressionNone, nil)
	store, ix := sampleState(t, 3)
	for gen := uint64(1); gen <= 4; gen++ {
		require.NoError(t, m.Save(ctx, gen, store, ix))
	}
	gens, err := m.Generations()
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4}, gens)
}

func TestSaveRejectsInconsistentState(t *testing.T) {
	m := New(t.TempDir(), 2, index.CompressionNone, nil)
	store, _ := sampleState(t, 3)
	ix, err := index.Build(nil, index.Options{Kind: index.KindFlat, Metric: index.Cosine})
	require.NoError(t, err)

	err = m.Save(context.Background(), 1, store, ix)
	assert.True(t, errors.Is(err, domain.ErrIndexRecordMismatch))
	gen, err := m.Current()
	require.NoError(t, err)
	assert.Zero(t, gen)
}

func TestCancelledSaveKeepsPreviousGeneration(t *testing.T) {
	m := New(t.TempDir(), 3, index.CompressionNone, nil)
	store, ix := sampleState(t, 3)
	require.NoError(t, m.Save(context.Background(), 1, store, ix))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bigger, bigIx := sampleState(t, 5)
	assert.Error(t, m.Save(ctx, 2, bigger, bigIx))

	st, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, 4, st.Store.Len())
}

func TestLoadDetectsMismatchedArtifacts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := New(dir, 2, index.CompressionNone, nil)
	store, ix := sampleState(t, 3)
	require.NoError(t, m.Save(ctx, 1, store, ix))

	partial, err := index.Build(store.AllEmbedded()[:2], index.Options{Kind: index.KindFlat, Metric: index.Cosine})
	require.NoError(t, err)
	require.NoError(t, index.Save(filepath.Join(dir, "snapshots", "1", "index.bin"), partial, index.CompressionNone))

	_, err = m.Load(ctx)
	var mm *domain.IndexRecordMismatchError
	require.True(t, errors.As(err, &mm))
	assert.Equal(t, []uint64{3}, mm.MissingFromIndex)
	assert.Empty(t, mm.OrphanedInIndex)
}

func TestCurrentRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CURRENT"), []byte("abc\n"), 0o644))
	_, err := New(dir, 1, index.CompressionNone, nil).Current()
	assert.Error(t, err)
}

func TestVerifyDimension(t *testing.T) {
	store, _ := sampleState(t, 2)
	other, err := index.Build([]index.Record{{ID: 1, Vector: []float32{1, 2, 3}}, {ID: 2, Vector: []float32{1, 0, 0}}},
		index.Options{Kind: index.KindFlat, Metric: index.Cosine})
	require.NoError(t, err)
	err = Verify(store, other)
	assert.True(t, errors.Is(err, domain.ErrIndexRecordMismatch))
	assert.Contains(t, err.Error(), "index dimension 3")
}
