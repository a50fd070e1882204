package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/errdefs"
)

func seedDocs(t *testing.T, idx DocumentIndex) {
	t.Helper()
	err := idx.Upsert(context.Background(), []Item{
		{ID: "conc", Content: "Go ships goroutines and channels", Metadata: map[string]any{"title": "Concurrency", "lang": "go", "document_id": "doc-conc"}},
		{ID: "async", Content: "Python ships asyncio", Metadata: map[string]any{"title": "Python async", "lang": "py"}},
		{ID: "pipes", Content: "channels channels channels", Metadata: map[string]any{"title": "Pipes", "lang": "go"}},
	})
	require.NoError(t, err)
}

func TestKeywordRanksByTermFrequency(t *testing.T) {
	idx, err := NewDocument(docDef(t, "", nil), Options{})
	require.NoError(t, err)
	seedDocs(t, idx)

	results, err := idx.Query(context.Background(), TextQuery{Query: "channels"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "pipes", results[0].ID)
	assert.Equal(t, float64(3), results[0].Score)
	assert.Equal(t, "conc", results[1].ID)
	assert.Equal(t, float64(1), results[1].Score)
	assert.Equal(t, "doc-conc", results[1].DocumentID)
	assert.Equal(t, "Go ships goroutines and channels", results[1].Content)
}

func TestKeywordBoostWeighsFields(t *testing.T) {
	idx, err := NewDocument(docDef(t, "", nil), Options{})
	require.NoError(t, err)
	seedDocs(t, idx)

	results, err := idx.Query(context.Background(), TextQuery{
		Query: "python",
		Boost: map[string]float64{"title": 10},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "async", results[0].ID)
	assert.Equal(t, float64(11), results[0].Score)
}

func TestKeywordSearchFieldsNarrowTheScan(t *testing.T) {
	idx, err := NewDocument(docDef(t, "", nil), Options{})
	require.NoError(t, err)
	seedDocs(t, idx)

	results, err := idx.Query(context.Background(), TextQuery{
		Query:        "py",
		SearchFields: []string{"lang"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "async", results[0].ID)

	// The title field is out of scope, so its "async" never matches.
	results, err = idx.Query(context.Background(), TextQuery{
		Query:        "async",
		SearchFields: []string{"lang"},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestKeywordFilters(t *testing.T) {
	idx, err := NewDocument(docDef(t, "", nil), Options{})
	require.NoError(t, err)
	seedDocs(t, idx)

	results, err := idx.Query(context.Background(), TextQuery{
		Query:   "ships",
		Filters: map[string]any{"lang": "go"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "conc", results[0].ID)
}

func TestKeywordMaxResults(t *testing.T) {
	idx, err := NewDocument(docDef(t, "", nil), Options{})
	require.NoError(t, err)
	seedDocs(t, idx)

	results, err := idx.Query(context.Background(), TextQuery{Query: "channels", MaxResults: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pipes", results[0].ID)
}

func TestKeywordTiesKeepStoredOrder(t *testing.T) {
	idx, err := NewDocument(docDef(t, "", nil), Options{})
	require.NoError(t, err)

	err = idx.Upsert(context.Background(), []Item{
		{ID: "first", Content: "alpha beta"},
		{ID: "second", Content: "alpha gamma"},
	})
	require.NoError(t, err)

	results, err := idx.Query(context.Background(), TextQuery{Query: "alpha"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].ID)
	assert.Equal(t, "second", results[1].ID)
}

func TestKeywordUpsertReplaces(t *testing.T) {
	idx, err := NewDocument(docDef(t, "", nil), Options{})
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(context.Background(), []Item{{ID: "x", Content: "old words"}}))
	require.NoError(t, idx.Upsert(context.Background(), []Item{{ID: "x", Content: "new words"}}))

	results, err := idx.Query(context.Background(), TextQuery{Query: "old"})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Query(context.Background(), TextQuery{Query: "new"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "new words", results[0].Content)
}

func TestKeywordArgsSetDefaults(t *testing.T) {
	idx, err := NewDocument(docDef(t, "", map[string]any{
		"search_fields": []string{"lang"},
		"boost":         map[string]any{"content": 2},
	}), Options{})
	require.NoError(t, err)
	seedDocs(t, idx)

	results, err := idx.Query(context.Background(), TextQuery{Query: "ships"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "conc", results[0].ID)
	assert.Equal(t, float64(2), results[0].Score)
	assert.Equal(t, "async", results[1].ID)
	assert.Equal(t, float64(2), results[1].Score)
}

func TestKeywordHonorsCancellation(t *testing.T) {
	idx, err := NewDocument(docDef(t, "", nil), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = idx.Upsert(ctx, []Item{{ID: "x", Content: "words"}})
	assert.True(t, errdefs.IsCancelled(err))

	_, err = idx.Query(ctx, TextQuery{Query: "words"})
	assert.True(t, errdefs.IsCancelled(err))
}

func TestKeywordEmptyQuery(t *testing.T) {
	idx, err := NewDocument(docDef(t, "", nil), Options{})
	require.NoError(t, err)
	seedDocs(t, idx)

	results, err := idx.Query(context.Background(), TextQuery{Query: "  ,; "})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, tokenize("Hello, World! 42"))
	assert.Equal(t, []string{"don", "t"}, tokenize("don't"))
	assert.Empty(t, tokenize("  \t "))
}

func TestMatchFilters(t *testing.T) {
	metadata := map[string]any{"lang": "go", "stars": 42}

	assert.True(t, matchFilters(metadata, nil))
	assert.True(t, matchFilters(metadata, map[string]any{"lang": "go"}))
	assert.True(t, matchFilters(metadata, map[string]any{"stars": 42.0}))
	assert.False(t, matchFilters(metadata, map[string]any{"lang": "py"}))
	assert.False(t, matchFilters(metadata, map[string]any{"missing": "x"}))
}
