// Package index holds the vector and document index interfaces plus the
// providers behind them. A VectorIndex answers nearest-neighbor queries over
// pre-computed embeddings; a DocumentIndex answers keyword queries. Upserts
// take whole batches; the step layer decides batch boundaries.
package index

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

// Item is one unit of indexed material: a stable id, the raw content, the
// embedding (vector indexes only), and free-form metadata.
type Item struct {
	ID       string
	Content  string
	Vector   []float32
	Metadata map[string]any
}

// VectorQuery is a nearest-neighbor search. Threshold drops results scoring
// below it; zero keeps everything.
type VectorQuery struct {
	Vector    []float32
	TopK      int
	Threshold float64
	Filters   map[string]any
}

// TextQuery is a keyword search. SearchFields names the metadata fields to
// match besides the content; empty means content plus every text field.
// Boost weighs per-field matches, defaulting each field to 1.
type TextQuery struct {
	Query        string
	MaxResults   int
	SearchFields []string
	Boost        map[string]float64
	Filters      map[string]any
}

// VectorIndex stores embeddings and answers similarity queries.
type VectorIndex interface {
	// Name returns the declared index id.
	Name() string

	// Upsert writes the batch. Items already present are replaced.
	Upsert(ctx context.Context, items []Item) error

	// Query returns the nearest items, best first.
	Query(ctx context.Context, q VectorQuery) ([]dsl.RAGSearchResult, error)

	// Close releases the backend client.
	Close() error
}

// DocumentIndex stores documents and answers keyword queries.
type DocumentIndex interface {
	// Name returns the declared index id.
	Name() string

	// Upsert writes the batch. Items already present are replaced.
	Upsert(ctx context.Context, items []Item) error

	// Query returns the best keyword matches, best first.
	Query(ctx context.Context, q TextQuery) ([]dsl.RAGSearchResult, error)

	// Close releases the backend client.
	Close() error
}

// Options carries what an index client needs beyond its declaration.
type Options struct {
	// APIKey authenticates against remote backends.
	APIKey string

	// Dimensions is the vector width fixed by the index's embedding
	// model. Upserts and queries with a different width are rejected.
	Dimensions int
}

// NewVector builds the backend for a declared vector index.
func NewVector(def *dsl.VectorIndex, opts Options) (VectorIndex, error) {
	switch strings.ToLower(def.Provider) {
	case "", "chromem":
		return newChromem(def, opts)
	case "qdrant":
		return newQdrant(def, opts)
	case "pinecone":
		return newPinecone(def, opts)
	default:
		return nil, fmt.Errorf("index: unknown vector provider '%s' for index '%s'", def.Provider, def.ID)
	}
}

// NewDocument builds the backend for a declared document index.
func NewDocument(def *dsl.DocumentIndex, opts Options) (DocumentIndex, error) {
	switch strings.ToLower(def.Provider) {
	case "", "memory":
		return newKeyword(def)
	case "sqlite", "sql":
		return newSQLite(def)
	default:
		return nil, fmt.Errorf("index: unknown document provider '%s' for index '%s'", def.Provider, def.ID)
	}
}

// decodeArgs maps an index's args block onto a provider config struct, with
// the same weak typing the document parser applies.
func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("index: invalid args: %w", err)
	}
	return nil
}

// checkWidth rejects vectors that disagree with the index's fixed width.
func checkWidth(name string, dims int, vector []float32) error {
	if dims > 0 && len(vector) != dims {
		return errdefs.Failuref("index: '%s' expects %d-dimensional vectors, got %d", name, dims, len(vector))
	}
	return nil
}

// backendError classifies a remote backend failure: cancellation stays
// cancellation, everything else is transient so the step retry policy
// applies.
func backendError(name string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errdefs.Cancelledf("index: '%s' request cancelled", name)
	case errors.Is(err, context.DeadlineExceeded):
		return errdefs.Transientf("index: '%s' request timed out", name)
	}
	return errdefs.Transientf("index: '%s' request failed: %v", name, err)
}

// localError classifies an embedded store failure, which no retry will fix.
func localError(name string, err error) error {
	if errors.Is(err, context.Canceled) {
		return errdefs.Cancelledf("index: '%s' request cancelled", name)
	}
	return errdefs.Failuref("index: '%s': %v", name, err)
}

// resultMetadata rebuilds the metadata map and lifts document_id into its
// own field.
func resultMetadata(raw map[string]any) (string, map[string]any) {
	docID := ""
	if v, ok := raw["document_id"].(string); ok {
		docID = v
	}
	return docID, raw
}
