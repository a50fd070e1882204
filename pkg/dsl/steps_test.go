package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepMetaDefaultsAndValidate(t *testing.T) {
	meta := &StepMeta{ID: "s"}
	meta.SetDefaults()
	assert.Equal(t, DefaultConcurrency, meta.Concurrency)
	require.NoError(t, meta.Validate())

	assert.Error(t, (&StepMeta{}).Validate(), "missing id")
	assert.Error(t, (&StepMeta{ID: "s", Concurrency: -1}).Validate())
	assert.Error(t, (&StepMeta{ID: "s", Concurrency: 1, Timeout: -1}).Validate())
	assert.Error(t, (&StepMeta{ID: "s", Concurrency: 1, Inputs: []string{"a", "a"}}).Validate())
	assert.Error(t, (&StepMeta{ID: "s", Concurrency: 1, Outputs: []string{""}}).Validate())
}

func TestFileSourceFormatInference(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"data/records.jsonl", "jsonl"},
		{"data/records.ndjson", "jsonl"},
		{"notes.txt", "lines"},
		{"server.log", "lines"},
		{"table.csv", "csv"},
		{"no-extension", "csv"},
	}
	for _, tt := range tests {
		s := &FileSource{StepMeta: StepMeta{ID: "read"}, Path: tt.path}
		s.SetDefaults()
		assert.Equal(t, tt.want, s.Format, tt.path)
		assert.Equal(t, ",", s.Delimiter)
		require.NoError(t, s.Validate())
	}
}

func TestStepDefaults(t *testing.T) {
	agent := &Agent{LLMInference: LLMInference{StepMeta: StepMeta{ID: "a"}, Model: RefTo("m")}}
	agent.SetDefaults()
	assert.Equal(t, DefaultAgentMaxIterations, agent.MaxIterations)
	assert.Equal(t, DefaultConcurrency, agent.Concurrency)

	splitter := &DocumentSplitter{StepMeta: StepMeta{ID: "split"}}
	splitter.SetDefaults()
	assert.Equal(t, "recursive", splitter.SplitterName)
	assert.Equal(t, 512, splitter.ChunkSize)
	assert.Equal(t, 50, splitter.ChunkOverlap)

	search := &VectorSearch{StepMeta: StepMeta{ID: "vs"}, Index: RefTo("idx")}
	search.SetDefaults()
	assert.Equal(t, 10, search.DefaultTopK)

	rerank := &Reranker{StepMeta: StepMeta{ID: "rr"}, Model: RefTo("m")}
	rerank.SetDefaults()
	assert.Equal(t, 5, rerank.TopN)

	decoder := &Decoder{StepMeta: StepMeta{ID: "d"}, Format: "csv"}
	decoder.SetDefaults()
	assert.Equal(t, ",", decoder.Delimiter)
}

func TestStepValidateErrors(t *testing.T) {
	base := StepMeta{ID: "s", Concurrency: 1}
	tests := []struct {
		name string
		step Step
	}{
		{"inference without model", &LLMInference{StepMeta: base}},
		{"agent zero iterations", &Agent{LLMInference: LLMInference{StepMeta: base, Model: RefTo("m")}, MaxIterations: -1}},
		{"template missing", &PromptTemplate{StepMeta: base}},
		{"template unterminated", &PromptTemplate{StepMeta: base, Template: "{oops"}},
		{"template two outputs", &PromptTemplate{
			StepMeta: StepMeta{ID: "s", Concurrency: 1, Outputs: []string{"a", "b"}},
			Template: "hi",
		}},
		{"invoke tool empty", &InvokeTool{StepMeta: base}},
		{"invoke flow empty", &InvokeFlow{StepMeta: base}},
		{"condition no equals", &Condition{StepMeta: base, Then: RefTo("t")}},
		{"condition no then", &Condition{StepMeta: base, Equals: "v"}},
		{"file source no path", &FileSource{StepMeta: base, Format: "csv", Delimiter: ","}},
		{"file source bad format", &FileSource{StepMeta: base, Path: "x", Format: "parquet", Delimiter: ","}},
		{"sql source no query", &SQLSource{StepMeta: base, Connection: "sqlite://x"}},
		{"splitter overlap too big", &DocumentSplitter{StepMeta: base, SplitterName: "recursive", ChunkSize: 10, ChunkOverlap: 10}},
		{"embedder without model", &DocumentEmbedder{StepMeta: base}},
		{"vector search without index", &VectorSearch{StepMeta: base, DefaultTopK: 10}},
		{"upsert negative batch", &IndexUpsert{StepMeta: base, Index: RefTo("i"), BatchSize: -1}},
		{"collect negative size", &Collect{StepMeta: base, Size: -1}},
		{"extractor empty path", &FieldExtractor{StepMeta: base}},
		{"construct without type", &Construct{StepMeta: base}},
		{"decoder no format", &Decoder{StepMeta: base, Delimiter: ","}},
		{"decoder custom without pattern", &Decoder{StepMeta: base, Format: "custom", Delimiter: ","}},
		{"decoder pattern unnamed", &Decoder{StepMeta: base, Format: "custom", Pattern: `\d+`, Delimiter: ","}},
		{"decoder pattern invalid", &Decoder{StepMeta: base, Format: "custom", Pattern: `(`, Delimiter: ","}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.step.Validate())
		})
	}
}

func TestDecoderNamedPatternValidates(t *testing.T) {
	d := &Decoder{
		StepMeta: StepMeta{ID: "d", Concurrency: 1},
		Format:   "custom",
		Pattern:  `(?P<code>\d{3}) (?P<msg>.*)`,
	}
	d.SetDefaults()
	require.NoError(t, d.Validate())
}

func TestDefaultOutputs(t *testing.T) {
	inf := &LLMInference{StepMeta: StepMeta{ID: "answer"}}
	v := inf.defaultOutput()
	assert.Equal(t, "answer.response", v.ID)
	assert.Equal(t, KindText, v.Type.Kind())

	tpl := &PromptTemplate{StepMeta: StepMeta{ID: "build"}}
	assert.Equal(t, "build.prompt", tpl.defaultOutput().ID)

	agg := &Aggregate{StepMeta: StepMeta{ID: "tally"}}
	stats := agg.defaultOutput()
	assert.Equal(t, "tally.stats", stats.ID)
	assert.Equal(t, "AggregateStats", stats.Type.CustomID())
}

func TestStepCardinalities(t *testing.T) {
	assert.Equal(t, CardinalitySource, (&FileSource{}).Cardinality())
	assert.Equal(t, CardinalitySource, (&SQLSource{}).Cardinality())
	assert.Equal(t, CardinalitySource, (&DocumentSource{}).Cardinality())
	assert.Equal(t, CardinalityOneToMany, (&DocumentSplitter{}).Cardinality())
	assert.Equal(t, CardinalityOneToMany, (&Explode{}).Cardinality())
	assert.Equal(t, CardinalityManyToOne, (&Collect{}).Cardinality())
	assert.Equal(t, CardinalityManyToOne, (&Aggregate{}).Cardinality())
	assert.Equal(t, CardinalityOneToOne, (&LLMInference{}).Cardinality())
	assert.Equal(t, CardinalityOneToOne, (&Echo{}).Cardinality())
}
