package interpreter

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/index"
)

// fakeEmbedder records every batch it saw and returns fixed-width vectors.
// failOn poisons any batch holding a matching text.
type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	failOn  string
}

func (e *fakeEmbedder) Name() string { return "embedder" }
func (e *fakeEmbedder) Close() error { return nil }

func (e *fakeEmbedder) Embed(_ context.Context, texts []string, _ int) ([][]float32, error) {
	e.mu.Lock()
	e.batches = append(e.batches, slices.Clone(texts))
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.failOn != "" && strings.Contains(t, e.failOn) {
			return nil, errdefs.Failuref("embedding rejected for %q", t)
		}
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

// fakeVectorIndex accumulates upserts and answers queries from a canned
// result list.
type fakeVectorIndex struct {
	mu      sync.Mutex
	items   []index.Item
	results []dsl.RAGSearchResult
	queries []index.VectorQuery
}

func (f *fakeVectorIndex) Name() string { return "kb" }
func (f *fakeVectorIndex) Close() error { return nil }

func (f *fakeVectorIndex) Upsert(_ context.Context, items []index.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, items...)
	return nil
}

func (f *fakeVectorIndex) Query(_ context.Context, q index.VectorQuery) ([]dsl.RAGSearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.results, nil
}

func ingestFlow() *dsl.Flow {
	docType := dsl.CustomRef("RAGDocument")
	chunkType := dsl.CustomRef("RAGChunk")
	return &dsl.Flow{
		StepMeta: dsl.StepMeta{ID: "ingest", Inputs: []string{"docs"}, Outputs: []string{"stats"}},
		Variables: []*dsl.Variable{
			{ID: "docs", Type: dsl.ListRef(docType)},
			{ID: "doc", Type: docType},
			{ID: "chunk", Type: chunkType},
			{ID: "embedded", Type: chunkType},
			{ID: "stored", Type: chunkType},
			{ID: "stats", Type: dsl.CustomRef("AggregateStats")},
		},
		Steps: []dsl.Step{
			&dsl.Explode{StepMeta: dsl.StepMeta{ID: "explode", Inputs: []string{"docs"}, Outputs: []string{"doc"}}},
			&dsl.DocumentSplitter{
				StepMeta:     dsl.StepMeta{ID: "split", Inputs: []string{"doc"}, Outputs: []string{"chunk"}},
				SplitterName: "fixed",
				ChunkSize:    4,
				ChunkOverlap: 1,
			},
			&dsl.DocumentEmbedder{
				StepMeta:  dsl.StepMeta{ID: "embed", Inputs: []string{"chunk"}, Outputs: []string{"embedded"}},
				Model:     dsl.RefTo("embedder"),
				BatchSize: 2,
			},
			&dsl.IndexUpsert{
				StepMeta:  dsl.StepMeta{ID: "store", Inputs: []string{"embedded"}, Outputs: []string{"stored"}},
				Index:     dsl.RefTo("kb"),
				BatchSize: 3,
			},
			&dsl.Aggregate{StepMeta: dsl.StepMeta{ID: "tally", Inputs: []string{"stored"}, Outputs: []string{"stats"}}},
		},
	}
}

func TestRAGIngestionPipeline(t *testing.T) {
	em := &fakeEmbedder{}
	idx := &fakeVectorIndex{}
	it := newTestInterpreter(singleFlowApp(t, ingestFlow()),
		&stubClients{embedder: em, vectors: map[string]index.VectorIndex{"kb": idx}})

	// A fixed splitter with size 4 and overlap 1 cuts each 7-rune document
	// into two chunks.
	docs := []any{
		dsl.RAGDocument{ID: "d1", Content: "abcdefg"},
		dsl.RAGDocument{ID: "d2", Content: "hijklmn"},
	}
	res, err := it.Run(context.Background(), "ingest", map[string]any{"docs": docs}, RunOptions{})
	require.NoError(t, err)

	stats, ok := res.Outputs["stats"].(dsl.AggregateStats)
	require.True(t, ok, "stats is %T", res.Outputs["stats"])
	assert.Equal(t, dsl.AggregateStats{NumSuccessful: 4, NumFailed: 0, NumTotal: 4}, stats)

	// Chunks reach the index in stream order regardless of batch cuts.
	require.Len(t, idx.items, 4)
	ids := make([]string, len(idx.items))
	for i, item := range idx.items {
		ids[i] = item.ID
		assert.Len(t, item.Vector, 3, "chunk %s upserted without its vector", item.ID)
		assert.Contains(t, item.Metadata, "document_id")
	}
	assert.Equal(t, []string{"d1#0", "d1#1", "d2#0", "d2#1"}, ids)

	// The embedder was driven in batches no larger than configured.
	total := 0
	for _, batch := range em.batches {
		assert.LessOrEqual(t, len(batch), 2)
		total += len(batch)
	}
	assert.Equal(t, 4, total)
}

func TestEmbedBatchFailureFailsWholeBatch(t *testing.T) {
	em := &fakeEmbedder{failOn: "xx"}
	idx := &fakeVectorIndex{}
	it := newTestInterpreter(singleFlowApp(t, ingestFlow()),
		&stubClients{embedder: em, vectors: map[string]index.VectorIndex{"kb": idx}})

	docs := []any{
		dsl.RAGDocument{ID: "good", Content: "abcdefg"},
		dsl.RAGDocument{ID: "bad", Content: "xxxxxxx"},
	}
	res, err := it.Run(context.Background(), "ingest", map[string]any{"docs": docs}, RunOptions{})
	require.NoError(t, err)

	stats, ok := res.Outputs["stats"].(dsl.AggregateStats)
	require.True(t, ok, "stats is %T", res.Outputs["stats"])
	assert.Equal(t, 2, stats.NumSuccessful)
	assert.Equal(t, 2, stats.NumFailed, "both chunks of the poisoned batch fail")
	assert.Equal(t, 4, stats.NumTotal)

	// Only the healthy document's chunks made it into the index.
	require.Len(t, idx.items, 2)
	assert.Equal(t, "good#0", idx.items[0].ID)
	assert.Equal(t, "good#1", idx.items[1].ID)
}

func TestVectorSearchEmbedsTextQuery(t *testing.T) {
	hits := []dsl.RAGSearchResult{
		{ID: "d1#0", DocumentID: "d1", Content: "abcd", Score: 0.9},
		{ID: "d2#1", DocumentID: "d2", Content: "klmn", Score: 0.4},
	}
	em := &fakeEmbedder{}
	idx := &fakeVectorIndex{results: hits}

	flow := &dsl.Flow{
		StepMeta: dsl.StepMeta{ID: "ask", Inputs: []string{"question"}, Outputs: []string{"hits"}},
		Variables: []*dsl.Variable{
			{ID: "question", Type: text},
			{ID: "hits", Type: dsl.ListRef(dsl.CustomRef("RAGSearchResult"))},
		},
		Steps: []dsl.Step{
			&dsl.VectorSearch{
				StepMeta:    dsl.StepMeta{ID: "find", Inputs: []string{"question"}, Outputs: []string{"hits"}},
				Index:       dsl.RefTo("kb"),
				DefaultTopK: 2,
			},
		},
	}
	it := newTestInterpreter(singleFlowApp(t, flow),
		&stubClients{embedder: em, vectors: map[string]index.VectorIndex{"kb": idx}})

	res, err := it.Run(context.Background(), "ask", map[string]any{"question": "where is ada"}, RunOptions{})
	require.NoError(t, err)

	// A text query goes through the index's own embedding model first.
	require.Len(t, em.batches, 1)
	assert.Equal(t, []string{"where is ada"}, em.batches[0])
	require.Len(t, idx.queries, 1)
	assert.Equal(t, 2, idx.queries[0].TopK)
	assert.Equal(t, hits, res.Outputs["hits"])
}
