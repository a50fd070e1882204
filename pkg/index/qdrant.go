package index

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// qdrantIndex talks to a Qdrant collection over gRPC. The collection is
// created on first use with cosine distance and the declared vector width.
type qdrantIndex struct {
	name       string
	collection string
	dims       int
	client     *qdrant.Client

	ensureOnce sync.Once
	ensureErr  error
}

type qdrantArgs struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	UseTLS bool   `yaml:"use_tls"`
}

func newQdrant(def *dsl.VectorIndex, opts Options) (*qdrantIndex, error) {
	args := qdrantArgs{Host: "localhost", Port: 6334}
	if err := decodeArgs(def.Args, &args); err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   args.Host,
		Port:   args.Port,
		APIKey: opts.APIKey,
		UseTLS: args.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index: create qdrant client for %s:%d: %w", args.Host, args.Port, err)
	}

	return &qdrantIndex{
		name:       def.ID,
		collection: def.Name,
		dims:       opts.Dimensions,
		client:     client,
	}, nil
}

func (i *qdrantIndex) Name() string { return i.name }
func (i *qdrantIndex) Close() error { return i.client.Close() }

// ensure creates the collection once. width stands in when the declaration
// fixed no dimensions.
func (i *qdrantIndex) ensure(ctx context.Context, width int) error {
	i.ensureOnce.Do(func() {
		exists, err := i.client.CollectionExists(ctx, i.collection)
		if err != nil {
			i.ensureErr = err
			return
		}
		if exists {
			return
		}
		size := i.dims
		if size == 0 {
			size = width
		}
		err = i.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: i.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(size),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			i.ensureErr = err
		}
	})
	if i.ensureErr != nil {
		return backendError(i.name, i.ensureErr)
	}
	return nil
}

func (i *qdrantIndex) Upsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	if err := i.ensure(ctx, len(items[0].Vector)); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(items))
	for n, item := range items {
		if err := checkWidth(i.name, i.dims, item.Vector); err != nil {
			return err
		}
		payload, err := qdrantPayload(item)
		if err != nil {
			return err
		}
		points[n] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(item.ID)),
			Vectors: qdrant.NewVectors(item.Vector...),
			Payload: payload,
		}
	}

	if _, err := i.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: i.collection,
		Points:         points,
	}); err != nil {
		return backendError(i.name, err)
	}
	return nil
}

func (i *qdrantIndex) Query(ctx context.Context, q VectorQuery) ([]dsl.RAGSearchResult, error) {
	if err := checkWidth(i.name, i.dims, q.Vector); err != nil {
		return nil, err
	}
	if err := i.ensure(ctx, len(q.Vector)); err != nil {
		return nil, err
	}

	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}
	search := &qdrant.SearchPoints{
		CollectionName: i.collection,
		Vector:         q.Vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if q.Threshold > 0 {
		threshold := float32(q.Threshold)
		search.ScoreThreshold = &threshold
	}
	if len(q.Filters) > 0 {
		search.Filter = qdrantFilter(q.Filters)
	}

	hits, err := i.client.GetPointsClient().Search(ctx, search)
	if err != nil {
		return nil, backendError(i.name, err)
	}

	results := make([]dsl.RAGSearchResult, 0, len(hits.Result))
	for _, point := range hits.Result {
		metadata := qdrantMetadata(point.Payload)

		id := ""
		if v, ok := metadata["_id"].(string); ok {
			id = v
			delete(metadata, "_id")
		} else if point.Id != nil {
			switch idv := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idv.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idv.Num)
			}
		}

		content := ""
		if v, ok := metadata["content"].(string); ok {
			content = v
			delete(metadata, "content")
		}

		docID, metadata := resultMetadata(metadata)
		results = append(results, dsl.RAGSearchResult{
			ID:         id,
			DocumentID: docID,
			Content:    content,
			Score:      float64(point.Score),
			Metadata:   metadata,
		})
	}
	return results, nil
}

// pointID maps an item id onto Qdrant's id space, which only admits UUIDs
// and integers. Non-UUID ids hash deterministically; the original id rides
// in the payload.
func pointID(id string) string {
	if err := uuid.Validate(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func qdrantPayload(item Item) (map[string]*qdrant.Value, error) {
	payload := make(map[string]*qdrant.Value, len(item.Metadata)+2)
	for k, v := range item.Metadata {
		val, err := qdrant.NewValue(v)
		if err != nil {
			return nil, payloadError(item.ID, k, err)
		}
		payload[k] = val
	}
	idVal, err := qdrant.NewValue(item.ID)
	if err != nil {
		return nil, payloadError(item.ID, "_id", err)
	}
	payload["_id"] = idVal
	contentVal, err := qdrant.NewValue(item.Content)
	if err != nil {
		return nil, payloadError(item.ID, "content", err)
	}
	payload["content"] = contentVal
	return payload, nil
}

func payloadError(id, key string, err error) error {
	return fmt.Errorf("index: encode metadata '%s' for item '%s': %w", key, id, err)
}

// qdrantFilter builds a must-match-all filter. Values match by their
// payload type.
func qdrantFilter(filters map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filters))
	for key, value := range filters {
		var match *qdrant.Match
		switch v := value.(type) {
		case string:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}
		case bool:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}
		case int:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}
		case int64:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: v}}
		case float64:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}
		default:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprint(v)}}
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{Key: key, Match: match},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func qdrantMetadata(payload map[string]*qdrant.Value) map[string]any {
	metadata := make(map[string]any, len(payload))
	for key, value := range payload {
		metadata[key] = qdrantValue(value)
	}
	return metadata
}

func qdrantValue(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValue(item)
		}
		return list
	default:
		return value
	}
}

var _ VectorIndex = (*qdrantIndex)(nil)
