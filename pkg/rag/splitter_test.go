package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

func doc(id, content string) dsl.RAGDocument {
	return dsl.RAGDocument{ID: id, Content: content}
}

func contents(chunks []dsl.RAGChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Content
	}
	return out
}

func TestNewSplitterValidation(t *testing.T) {
	_, err := NewSplitter("recursive", 0, 0)
	assert.ErrorContains(t, err, "chunk size must be positive")

	_, err = NewSplitter("recursive", 10, 10)
	assert.ErrorContains(t, err, "must be smaller than chunk size")

	_, err = NewSplitter("recursive", 10, -1)
	assert.Error(t, err)

	_, err = NewSplitter("semantic", 10, 0)
	assert.ErrorContains(t, err, "unknown splitter 'semantic'")

	s, err := NewSplitter("", 10, 0)
	require.NoError(t, err)
	assert.IsType(t, &recursiveSplitter{}, s)
}

func TestFixedSplitterShortContent(t *testing.T) {
	s, err := NewSplitter("fixed", 64, 8)
	require.NoError(t, err)

	chunks := s.Split(doc("d", "fits in one"))
	require.Len(t, chunks, 1)
	assert.Equal(t, "fits in one", chunks[0].Content)
}

func TestFixedSplitterWindows(t *testing.T) {
	s, err := NewSplitter("fixed", 4, 1)
	require.NoError(t, err)

	chunks := s.Split(doc("d", "abcdefghij"))
	assert.Equal(t, []string{"abcd", "defg", "ghij"}, contents(chunks))
}

func TestFixedSplitterCountsRunes(t *testing.T) {
	s, err := NewSplitter("fixed", 2, 0)
	require.NoError(t, err)

	chunks := s.Split(doc("d", "αβγδε"))
	assert.Equal(t, []string{"αβ", "γδ", "ε"}, contents(chunks))
}

func TestOverlappingSplitterCarriesTrailingLines(t *testing.T) {
	s, err := NewSplitter("overlapping", 10, 5)
	require.NoError(t, err)

	chunks := s.Split(doc("d", "aaaa\nbbbb\ncccc\ndddd"))
	assert.Equal(t, []string{"aaaa\nbbbb", "bbbb\ncccc", "cccc\ndddd"}, contents(chunks))
}

func TestOverlappingSplitterNoOverlap(t *testing.T) {
	s, err := NewSplitter("overlapping", 10, 0)
	require.NoError(t, err)

	chunks := s.Split(doc("d", "aaaa\nbbbb\ncccc\ndddd"))
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc\ndddd"}, contents(chunks))
}

func TestRecursiveSplitterBreaksAtParagraphs(t *testing.T) {
	s, err := NewSplitter("recursive", 25, 0)
	require.NoError(t, err)

	content := "para one.\n\npara two.\n\npara three."
	chunks := s.Split(doc("d", content))
	require.Len(t, chunks, 2)
	assert.Equal(t, "para one.\n\npara two.\n\n", chunks[0].Content)
	assert.Equal(t, "para three.", chunks[1].Content)
}

func TestRecursiveSplitterDescendsToSentences(t *testing.T) {
	s, err := NewSplitter("recursive", 15, 0)
	require.NoError(t, err)

	chunks := s.Split(doc("d", "Alpha beta. Gamma delta. Epsilon zeta."))
	assert.Equal(t, []string{"Alpha beta. ", "Gamma delta. ", "Epsilon zeta."}, contents(chunks))
}

func TestRecursiveSplitterOverlapChain(t *testing.T) {
	s, err := NewSplitter("recursive", 6, 3)
	require.NoError(t, err)

	chunks := s.Split(doc("d", "aa bb cc dd ee ff"))
	assert.Equal(t, []string{"aa bb ", "bb cc ", "cc dd ", "dd ee ", "ee ff"}, contents(chunks))
}

func TestRecursiveSplitterHardFallback(t *testing.T) {
	s, err := NewSplitter("recursive", 3, 0)
	require.NoError(t, err)

	// No separator appears anywhere, so the splitter cuts raw rune windows.
	chunks := s.Split(doc("d", "abcdefghij"))
	assert.Equal(t, []string{"abc", "def", "ghi", "j"}, contents(chunks))
}

func TestRecursiveSplitterRespectsSizeCap(t *testing.T) {
	s, err := NewSplitter("recursive", 40, 12)
	require.NoError(t, err)

	content := strings.Repeat("some words here. ", 40)
	chunks := s.Split(doc("d", content))
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Content)), 40, "chunk %d over size", c.Index)
	}
}

func TestSplitterChunkIdentity(t *testing.T) {
	s, err := NewSplitter("fixed", 4, 0)
	require.NoError(t, err)

	source := dsl.RAGDocument{
		ID:       "guide.md",
		Source:   "/docs/guide.md",
		Content:  "abcdefghij",
		Metadata: map[string]any{"lang": "en"},
	}
	chunks := s.Split(source)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, "guide.md", c.DocumentID)
		assert.Equal(t, i, c.Index)
		assert.Equal(t, "en", c.Metadata["lang"])
		assert.Equal(t, "/docs/guide.md", c.Metadata["source"])
	}
	assert.Equal(t, "guide.md#0", chunks[0].ID)
	assert.Equal(t, "guide.md#2", chunks[2].ID)

	// Chunk metadata is a copy, not a view of the document's map.
	chunks[0].Metadata["lang"] = "de"
	assert.Equal(t, "en", source.Metadata["lang"])
}

func TestSplitterEmptyContent(t *testing.T) {
	s, err := NewSplitter("recursive", 512, 50)
	require.NoError(t, err)

	chunks := s.Split(doc("empty", ""))
	require.Len(t, chunks, 1)
	assert.Equal(t, "empty#0", chunks[0].ID)
	assert.Empty(t, chunks[0].Content)
}
