package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func sources(res Result) []string {
	out := make([]string, len(res.Documents))
	for i, d := range res.Documents {
		out[i] = d.SourceID
	}
	return out
}

func TestLoadDirectorySkipsUnsupported(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.txt":          "alpha",
		"sub/b.MD":       "beta",
		"report.pdf":     "%PDF",
		"sheet.xlsx":     "PK",
		".git/HEAD.txt":  "hidden",
		"sub/notes.text": "gamma",
	})

	res, err := New(nil, nil).Load(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.txt"), filepath.Join(dir, "sub", "b.MD")}, sources(res))
	assert.Equal(t, "alpha", res.Documents[0].Text)
	require.Len(t, res.Skipped, 3)
	assert.Contains(t, res.Skipped[0].Reason, ".pdf")
	assert.Empty(t, res.Failed)
}

func TestLoadGlobAndFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"x.md": "x", "y.md": "y", "z.txt": "z"})

	res, err := New([]string{"md", ".TXT"}, nil).Load(context.Background(), []string{
		filepath.Join(dir, "*.md"),
		filepath.Join(dir, "x.md"),
		filepath.Join(dir, "z.txt"),
		filepath.Join(dir, "*.rst"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "x.md"), filepath.Join(dir, "y.md"), filepath.Join(dir, "z.txt")}, sources(res))
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "no files match", res.Skipped[0].Reason)
}

func TestLoadReportsMissingAndBinary(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"bin.txt": string([]byte{0xff, 0xfe, 0x00})})

	res, err := New(nil, nil).Load(context.Background(), []string{
		filepath.Join(dir, "missing.txt"),
		filepath.Join(dir, "bin.txt"),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
	require.Len(t, res.Failed, 1)
	assert.True(t, os.IsNotExist(res.Failed[0].Err))
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "not valid UTF-8 text", res.Skipped[0].Reason)
}

func TestLoadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil, nil).Load(ctx, []string{t.TempDir()})
	assert.ErrorIs(t, err, context.Canceled)
}
