package rag

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/errdefs"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewReaderUnknownModule(t *testing.T) {
	_, err := NewReader("s3", nil)
	assert.ErrorContains(t, err, "unknown reader module 's3'")
}

func TestNewReaderNeedsPath(t *testing.T) {
	_, err := NewReader("file", nil)
	assert.ErrorContains(t, err, "needs a path")

	_, err = NewReader("directory", map[string]any{})
	assert.ErrorContains(t, err, "needs a path")
}

func TestNewReaderRejectsUnknownArgs(t *testing.T) {
	_, err := NewReader("file", map[string]any{"path": "a.txt", "bogus": true})
	assert.ErrorContains(t, err, "invalid args")
}

func TestFileReaderReadsDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.txt", "alpha beta gamma")

	r, err := NewReader("file", map[string]any{"path": path})
	require.NoError(t, err)

	docs, err := r.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "notes.txt", docs[0].ID)
	assert.Equal(t, path, docs[0].Source)
	assert.Equal(t, "alpha beta gamma", docs[0].Content)
	assert.Equal(t, "text", docs[0].Metadata["type"])
	assert.Equal(t, "notes.txt", docs[0].Metadata["title"])
}

func TestFileReaderMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.txt")
	r, err := NewReader("file", map[string]any{"path": path})
	require.NoError(t, err)

	_, err = r.Read(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsMessageFailure(err))
	assert.ErrorContains(t, err, path)
}

func TestDirectoryReaderWalksTree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "# Alpha\n\nfirst words")
	writeFile(t, dir, filepath.Join("sub", "b.txt"), "beta content")
	writeFile(t, dir, "skip.log", "not a document type")
	writeFile(t, dir, ".dotfile.md", "hidden file")
	writeFile(t, dir, filepath.Join(".hidden", "c.txt"), "hidden dir")

	r, err := NewReader("directory", map[string]any{"path": dir})
	require.NoError(t, err)

	docs, err := r.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "a.md", docs[0].ID)
	assert.Equal(t, filepath.Join(dir, "a.md"), docs[0].Source)
	assert.Equal(t, "a.md", docs[0].Metadata["title"])

	assert.Equal(t, "sub/b.txt", docs[1].ID)
	assert.Equal(t, "beta content", docs[1].Content)
	assert.Equal(t, "b.txt", docs[1].Metadata["title"])
}

func TestDirectoryReaderExtensionFilter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "markdown")
	writeFile(t, dir, "run.log", "log lines")

	// Extensions normalize case and a missing leading dot.
	r, err := NewReader("directory", map[string]any{
		"path":       dir,
		"extensions": []any{"LOG"},
	})
	require.NoError(t, err)

	docs, err := r.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "run.log", docs[0].ID)
}

func TestDirectoryReaderExcludePatterns(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.md", "keep")
	writeFile(t, dir, "ban.md", "drop")

	r, err := NewReader("directory", map[string]any{
		"path":    dir,
		"exclude": []any{"ban*"},
	})
	require.NoError(t, err)

	docs, err := r.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "keep.md", docs[0].ID)
}

func TestDirectoryReaderMaxFileSize(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "big.txt", "this file is far too large")
	writeFile(t, dir, "tiny.txt", "ok")

	r, err := NewReader("directory", map[string]any{
		"path":          dir,
		"max_file_size": "10",
	})
	require.NoError(t, err)

	docs, err := r.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "tiny.txt", docs[0].ID)
}

func TestDirectoryReaderCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "content")

	r, err := NewReader("directory", map[string]any{"path": dir})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Read(ctx)
	require.Error(t, err)
	assert.True(t, errdefs.IsCancelled(err))
}

func TestDirectoryReaderMissingRoot(t *testing.T) {
	r, err := NewReader("directory", map[string]any{
		"path": filepath.Join(t.TempDir(), "nowhere"),
	})
	require.NoError(t, err)

	_, err = r.Read(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsMessageFailure(err))
}
