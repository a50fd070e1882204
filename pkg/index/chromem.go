package index

import (
	"context"
	"fmt"
	"runtime"

	"github.com/philippgille/chromem-go"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// chromemIndex is the embedded vector backend: pure Go, in-process, with
// optional directory persistence. The default for declarations that name no
// provider.
type chromemIndex struct {
	name string
	dims int
	db   *chromem.DB
	col  *chromem.Collection
}

type chromemArgs struct {
	PersistPath string `yaml:"persist_path"`
	Compress    bool   `yaml:"compress"`
}

func newChromem(def *dsl.VectorIndex, opts Options) (*chromemIndex, error) {
	var args chromemArgs
	if err := decodeArgs(def.Args, &args); err != nil {
		return nil, err
	}

	var db *chromem.DB
	if args.PersistPath != "" {
		persistent, err := chromem.NewPersistentDB(args.PersistPath, args.Compress)
		if err != nil {
			return nil, fmt.Errorf("index: open chromem store at %s: %w", args.PersistPath, err)
		}
		db = persistent
	} else {
		db = chromem.NewDB()
	}

	// Vectors arrive pre-computed, so the embedding hook must never run.
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("index: vectors are pre-computed, no embedding function")
	}
	col, err := db.GetOrCreateCollection(def.Name, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("index: create chromem collection '%s': %w", def.Name, err)
	}

	return &chromemIndex{name: def.ID, dims: opts.Dimensions, db: db, col: col}, nil
}

func (i *chromemIndex) Name() string { return i.name }
func (i *chromemIndex) Close() error { return nil }

func (i *chromemIndex) Upsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(items))
	for n, item := range items {
		if err := checkWidth(i.name, i.dims, item.Vector); err != nil {
			return err
		}
		docs[n] = chromem.Document{
			ID:        item.ID,
			Content:   item.Content,
			Embedding: item.Vector,
			Metadata:  stringMetadata(item.Metadata),
		}
	}
	if err := i.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return localError(i.name, err)
	}
	return nil
}

func (i *chromemIndex) Query(ctx context.Context, q VectorQuery) ([]dsl.RAGSearchResult, error) {
	if err := checkWidth(i.name, i.dims, q.Vector); err != nil {
		return nil, err
	}
	// chromem rejects result counts above the collection size.
	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}
	if count := i.col.Count(); count < topK {
		if count == 0 {
			return nil, nil
		}
		topK = count
	}

	var where map[string]string
	if len(q.Filters) > 0 {
		where = stringMetadata(q.Filters)
	}
	hits, err := i.col.QueryEmbedding(ctx, q.Vector, topK, where, nil)
	if err != nil {
		return nil, localError(i.name, err)
	}

	results := make([]dsl.RAGSearchResult, 0, len(hits))
	for _, hit := range hits {
		score := float64(hit.Similarity)
		if q.Threshold > 0 && score < q.Threshold {
			continue
		}
		metadata := make(map[string]any, len(hit.Metadata))
		for k, v := range hit.Metadata {
			metadata[k] = v
		}
		docID, metadata := resultMetadata(metadata)
		results = append(results, dsl.RAGSearchResult{
			ID:         hit.ID,
			DocumentID: docID,
			Content:    hit.Content,
			Score:      score,
			Metadata:   metadata,
		})
	}
	return results, nil
}

// stringMetadata flattens metadata to the string map chromem stores.
func stringMetadata(metadata map[string]any) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = fmt.Sprint(v)
	}
	return out
}

var _ VectorIndex = (*chromemIndex)(nil)
