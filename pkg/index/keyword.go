package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// keywordIndex is the in-process document index: a term-frequency scorer
// over items held in memory. It is the default document provider.
type keywordIndex struct {
	name string
	args keywordArgs

	mu   sync.RWMutex
	ids  []string
	docs map[string]Item
}

// keywordArgs sets the index-level search defaults; a query's own fields
// and boosts take precedence.
type keywordArgs struct {
	SearchFields []string           `yaml:"search_fields"`
	Boost        map[string]float64 `yaml:"boost"`
}

func newKeyword(def *dsl.DocumentIndex) (*keywordIndex, error) {
	var args keywordArgs
	if err := decodeArgs(def.Args, &args); err != nil {
		return nil, err
	}
	return &keywordIndex{
		name: def.ID,
		args: args,
		docs: map[string]Item{},
	}, nil
}

func (i *keywordIndex) Name() string { return i.name }
func (i *keywordIndex) Close() error { return nil }

func (i *keywordIndex) Upsert(ctx context.Context, items []Item) error {
	if err := ctx.Err(); err != nil {
		return localError(i.name, err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, item := range items {
		if _, ok := i.docs[item.ID]; !ok {
			i.ids = append(i.ids, item.ID)
		}
		i.docs[item.ID] = item
	}
	return nil
}

func (i *keywordIndex) Query(ctx context.Context, q TextQuery) ([]dsl.RAGSearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, localError(i.name, err)
	}
	if len(q.SearchFields) == 0 {
		q.SearchFields = i.args.SearchFields
	}
	if len(q.Boost) == 0 {
		q.Boost = i.args.Boost
	}

	i.mu.RLock()
	items := make([]Item, 0, len(i.ids))
	for _, id := range i.ids {
		items = append(items, i.docs[id])
	}
	i.mu.RUnlock()

	return rankItems(items, q), nil
}

var _ DocumentIndex = (*keywordIndex)(nil)

// rankItems filters, scores, and orders matches best first. Equal scores
// keep the items' stored order.
func rankItems(items []Item, q TextQuery) []dsl.RAGSearchResult {
	terms := tokenize(q.Query)
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		item  Item
		score float64
	}
	matches := make([]scored, 0, len(items))
	for _, item := range items {
		if !matchFilters(item.Metadata, q.Filters) {
			continue
		}
		score := scoreItem(item, terms, q.SearchFields, q.Boost)
		if score <= 0 {
			continue
		}
		matches = append(matches, scored{item: item, score: score})
	}
	sort.SliceStable(matches, func(a, b int) bool { return matches[a].score > matches[b].score })

	max := q.MaxResults
	if max <= 0 {
		max = 10
	}
	if len(matches) > max {
		matches = matches[:max]
	}

	results := make([]dsl.RAGSearchResult, len(matches))
	for n, m := range matches {
		metadata := make(map[string]any, len(m.item.Metadata))
		for k, v := range m.item.Metadata {
			metadata[k] = v
		}
		docID, metadata := resultMetadata(metadata)
		results[n] = dsl.RAGSearchResult{
			ID:         m.item.ID,
			DocumentID: docID,
			Content:    m.item.Content,
			Score:      m.score,
			Metadata:   metadata,
		}
	}
	return results
}

// scoreItem sums per-field term frequencies weighted by each field's boost.
func scoreItem(item Item, terms []string, fields []string, boost map[string]float64) float64 {
	var score float64
	for _, field := range searchedFields(item, fields) {
		text, ok := fieldText(item, field)
		if !ok || text == "" {
			continue
		}
		counts := map[string]int{}
		for _, tok := range tokenize(text) {
			counts[tok]++
		}
		var hits float64
		for _, term := range terms {
			hits += float64(counts[term])
		}
		if hits == 0 {
			continue
		}
		weight := 1.0
		if b, ok := boost[field]; ok && b > 0 {
			weight = b
		}
		score += hits * weight
	}
	return score
}

// searchedFields resolves which fields a query inspects: the content plus
// either the named metadata fields or every string-valued one.
func searchedFields(item Item, named []string) []string {
	fields := []string{"content"}
	if len(named) > 0 {
		for _, f := range named {
			if f != "content" {
				fields = append(fields, f)
			}
		}
		return fields
	}
	keys := make([]string, 0, len(item.Metadata))
	for k := range item.Metadata {
		if _, ok := item.Metadata[k].(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return append(fields, keys...)
}

// fieldText pulls the searchable text for one field of an item. Only the
// content and string metadata values are searchable.
func fieldText(item Item, field string) (string, bool) {
	if field == "content" {
		return item.Content, true
	}
	v, ok := item.Metadata[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// matchFilters applies equality filters against the item's metadata. The
// comparison is stringly so YAML's int/float ambiguity does not matter.
func matchFilters(metadata map[string]any, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := metadata[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
