package index

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

func vectorDef(t *testing.T, provider string, args map[string]any) *dsl.VectorIndex {
	t.Helper()
	def := &dsl.VectorIndex{
		IndexMeta:      dsl.IndexMeta{ID: "notes", Args: args},
		Provider:       provider,
		EmbeddingModel: dsl.RefTo("embedder"),
	}
	def.SetDefaults()
	return def
}

func docDef(t *testing.T, provider string, args map[string]any) *dsl.DocumentIndex {
	t.Helper()
	def := &dsl.DocumentIndex{
		IndexMeta: dsl.IndexMeta{ID: "docs", Args: args},
		Provider:  provider,
	}
	def.SetDefaults()
	return def
}

func TestNewVectorDispatch(t *testing.T) {
	embedded, err := NewVector(vectorDef(t, "", nil), Options{Dimensions: 3})
	require.NoError(t, err)
	assert.IsType(t, &chromemIndex{}, embedded)
	assert.Equal(t, "notes", embedded.Name())

	remote, err := NewVector(vectorDef(t, "qdrant", nil), Options{})
	require.NoError(t, err)
	assert.IsType(t, &qdrantIndex{}, remote)
	require.NoError(t, remote.Close())

	managed, err := NewVector(vectorDef(t, "pinecone", nil), Options{APIKey: "pc-test"})
	require.NoError(t, err)
	assert.IsType(t, &pineconeIndex{}, managed)

	_, err = NewVector(vectorDef(t, "weaviate", nil), Options{})
	assert.ErrorContains(t, err, "unknown vector provider 'weaviate'")
}

func TestNewDocumentDispatch(t *testing.T) {
	inProcess, err := NewDocument(docDef(t, "", nil), Options{})
	require.NoError(t, err)
	assert.IsType(t, &keywordIndex{}, inProcess)
	assert.Equal(t, "docs", inProcess.Name())

	persistent, err := NewDocument(docDef(t, "sqlite", nil), Options{})
	require.NoError(t, err)
	assert.IsType(t, &sqliteIndex{}, persistent)
	require.NoError(t, persistent.Close())

	_, err = NewDocument(docDef(t, "elastic", nil), Options{})
	assert.ErrorContains(t, err, "unknown document provider 'elastic'")
}

func TestCheckWidth(t *testing.T) {
	assert.NoError(t, checkWidth("notes", 3, []float32{1, 2, 3}))
	assert.NoError(t, checkWidth("notes", 0, []float32{1, 2}))

	err := checkWidth("notes", 3, []float32{1, 2})
	require.Error(t, err)
	assert.True(t, errdefs.IsMessageFailure(err))
	assert.ErrorContains(t, err, "expects 3-dimensional vectors, got 2")
}

func TestDecodeArgsRejectsUnknownKeys(t *testing.T) {
	var args chromemArgs
	err := decodeArgs(map[string]any{"persist": "/tmp/x"}, &args)
	assert.ErrorContains(t, err, "invalid args")
}

func TestDecodeArgsWeakTyping(t *testing.T) {
	var args qdrantArgs
	require.NoError(t, decodeArgs(map[string]any{"port": "6334", "use_tls": "true"}, &args))
	assert.Equal(t, 6334, args.Port)
	assert.True(t, args.UseTLS)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, errdefs.IsCancelled(backendError("notes", context.Canceled)))
	assert.True(t, errdefs.IsTransient(backendError("notes", context.DeadlineExceeded)))
	assert.True(t, errdefs.IsTransient(backendError("notes", errors.New("connection refused"))))

	assert.True(t, errdefs.IsCancelled(localError("docs", context.Canceled)))
	assert.True(t, errdefs.IsMessageFailure(localError("docs", errors.New("disk full"))))
}

func TestResultMetadata(t *testing.T) {
	docID, metadata := resultMetadata(map[string]any{"document_id": "doc-1", "lang": "go"})
	assert.Equal(t, "doc-1", docID)
	assert.Equal(t, "go", metadata["lang"])

	docID, _ = resultMetadata(map[string]any{"document_id": 42})
	assert.Empty(t, docID)
}
