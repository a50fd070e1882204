package index

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// pineconeIndex talks to a managed Pinecone index. The index itself must
// already exist; Pinecone provisions them out of band.
type pineconeIndex struct {
	name      string
	indexName string
	namespace string
	dims      int
	client    *pinecone.Client
}

type pineconeArgs struct {
	Host      string `yaml:"host"`
	Namespace string `yaml:"namespace"`
}

func newPinecone(def *dsl.VectorIndex, opts Options) (*pineconeIndex, error) {
	var args pineconeArgs
	if err := decodeArgs(def.Args, &args); err != nil {
		return nil, err
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("index: pinecone index '%s' requires an api key", def.ID)
	}

	params := pinecone.NewClientParams{ApiKey: opts.APIKey}
	if args.Host != "" {
		params.Host = args.Host
	}
	client, err := pinecone.NewClient(params)
	if err != nil {
		return nil, fmt.Errorf("index: create pinecone client: %w", err)
	}

	return &pineconeIndex{
		name:      def.ID,
		indexName: def.Name,
		namespace: args.Namespace,
		dims:      opts.Dimensions,
		client:    client,
	}, nil
}

func (i *pineconeIndex) Name() string { return i.name }
func (i *pineconeIndex) Close() error { return nil }

// connect resolves the index host and opens a connection for one call.
func (i *pineconeIndex) connect(ctx context.Context) (*pinecone.IndexConnection, error) {
	idx, err := i.client.DescribeIndex(ctx, i.indexName)
	if err != nil {
		return nil, backendError(i.name, fmt.Errorf("describe index '%s': %w", i.indexName, err))
	}
	conn, err := i.client.Index(pinecone.NewIndexConnParams{Host: idx.Host, Namespace: i.namespace})
	if err != nil {
		return nil, backendError(i.name, err)
	}
	return conn, nil
}

func (i *pineconeIndex) Upsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	conn, err := i.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	vectors := make([]*pinecone.Vector, len(items))
	for n, item := range items {
		if err := checkWidth(i.name, i.dims, item.Vector); err != nil {
			return err
		}
		metadata, err := pineconeMetadata(item)
		if err != nil {
			return err
		}
		vectors[n] = &pinecone.Vector{
			Id:       item.ID,
			Values:   item.Vector,
			Metadata: metadata,
		}
	}

	if _, err := conn.UpsertVectors(ctx, vectors); err != nil {
		return backendError(i.name, err)
	}
	return nil
}

func (i *pineconeIndex) Query(ctx context.Context, q VectorQuery) ([]dsl.RAGSearchResult, error) {
	if err := checkWidth(i.name, i.dims, q.Vector); err != nil {
		return nil, err
	}
	conn, err := i.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}
	request := &pinecone.QueryByVectorValuesRequest{
		Vector:          q.Vector,
		TopK:            uint32(topK),
		IncludeMetadata: true,
	}
	if len(q.Filters) > 0 {
		filter, err := structpb.NewStruct(q.Filters)
		if err != nil {
			return nil, fmt.Errorf("index: encode query filters: %w", err)
		}
		request.MetadataFilter = filter
	}

	resp, err := conn.QueryByVectorValues(ctx, request)
	if err != nil {
		return nil, backendError(i.name, err)
	}

	results := make([]dsl.RAGSearchResult, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match.Vector == nil {
			continue
		}
		score := float64(match.Score)
		if q.Threshold > 0 && score < q.Threshold {
			continue
		}

		metadata := map[string]any{}
		if match.Vector.Metadata != nil {
			metadata = match.Vector.Metadata.AsMap()
		}
		content := ""
		if v, ok := metadata["content"].(string); ok {
			content = v
			delete(metadata, "content")
		}

		docID, metadata := resultMetadata(metadata)
		results = append(results, dsl.RAGSearchResult{
			ID:         match.Vector.Id,
			DocumentID: docID,
			Content:    content,
			Score:      score,
			Metadata:   metadata,
		})
	}
	return results, nil
}

// pineconeMetadata packs the item's metadata plus its content into the
// structpb payload Pinecone stores.
func pineconeMetadata(item Item) (*pinecone.Metadata, error) {
	fields := make(map[string]any, len(item.Metadata)+1)
	for k, v := range item.Metadata {
		fields[k] = v
	}
	fields["content"] = item.Content
	metadata, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("index: encode metadata for item '%s': %w", item.ID, err)
	}
	return metadata, nil
}

var _ VectorIndex = (*pineconeIndex)(nil)
