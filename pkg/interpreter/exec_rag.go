package interpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/index"
	"github.com/qtype-ai/qtype/pkg/ir"
	"github.com/qtype-ai/qtype/pkg/model"
	"github.com/qtype-ai/qtype/pkg/rag"
)

// batchStage accumulates live messages and settles them with one backend
// call per batch. Size zero batches until the upstream completes. Results
// re-emit one message per input, in input order; a batch failure fails every
// message in it, and failed inputs pass through without joining a batch.
type batchStage struct {
	r     *flowRun
	s     *ir.Step
	size  int
	retry *dsl.RetryConfig
	flush func(ctx context.Context, batch []*FlowMessage) ([]*FlowMessage, error)
}

func (b *batchStage) step() *ir.Step { return b.s }

func (b *batchStage) run(ctx context.Context, in <-chan *FlowMessage, out chan<- *FlowMessage) error {
	ctx, span := b.r.it.tel.StartSpan(ctx, "flow.step",
		attribute.String("step", b.s.ID()),
		attribute.String("type", b.s.Type()),
	)
	err := b.pump(ctx, in, out)
	span.End(err)
	return err
}

func (b *batchStage) pump(ctx context.Context, in <-chan *FlowMessage, out chan<- *FlowMessage) error {
	send := func(msg *FlowMessage) error {
		select {
		case out <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var batch []*FlowMessage
	settle := func() error {
		if len(batch) == 0 {
			return nil
		}
		msgs, err := b.apply(ctx, batch)
		batch = nil
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := send(m); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		var msg *FlowMessage
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return settle()
			}
			msg = m
		}
		if msg.Failed() {
			if err := send(msg); err != nil {
				return err
			}
			continue
		}
		batch = append(batch, msg)
		if b.size > 0 && len(batch) >= b.size {
			if err := settle(); err != nil {
				return err
			}
		}
	}
}

// apply settles one batch under the step timeout and retry policy, with the
// same failure dispositions as the per-message protocol.
func (b *batchStage) apply(ctx context.Context, batch []*FlowMessage) ([]*FlowMessage, error) {
	b.r.emit(Event{Kind: EventStartStep, StepID: b.s.ID()})
	start := time.Now()

	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if t := b.s.Timeout(); t > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, t)
	}
	msgs, err := retryTransient(stepCtx, b.retry, func(c context.Context) ([]*FlowMessage, error) {
		return b.flush(c, batch)
	})
	cancel()

	b.r.it.metrics.RecordStep(ctx, b.s.ID(), b.s.Type(), time.Since(start), err)

	switch {
	case err == nil:
		for i, produced := range msgs {
			msgs[i] = produced.WithStep(b.s.ID())
		}
	case errdefs.IsFatal(err):
		b.r.emit(Event{Kind: EventError, StepID: b.s.ID(), Error: err.Error()})
		return nil, err
	case errdefs.IsCancelled(err) && ctx.Err() != nil:
		return nil, err
	default:
		if errdefs.IsCancelled(err) {
			err = errdefs.Wrapf(errdefs.CodeMessageFailure, err, "step '%s' timed out", b.s.ID())
		}
		b.r.emit(Event{Kind: EventError, StepID: b.s.ID(), Error: err.Error()})
		msgs = make([]*FlowMessage, len(batch))
		for i, m := range batch {
			msgs[i] = m.WithError(err).WithStep(b.s.ID())
		}
	}
	b.r.emit(Event{Kind: EventFinishStep, StepID: b.s.ID()})
	return msgs, nil
}

// valueAs reshapes a runtime value into a domain struct, accepting both the
// typed form and the generic map a decoder produces.
func valueAs[T any](v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}
	if p, ok := v.(*T); ok {
		return *p, nil
	}
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("value %T does not fit: %w", v, err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("value %T does not fit: %w", v, err)
	}
	return out, nil
}

// splitterExec cuts each document into chunks and fans them out.
type splitterExec struct {
	r        *flowRun
	s        *ir.Step
	splitter rag.Splitter
}

func buildDocumentSplitter(_ context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.DocumentSplitter)
	sp, err := rag.NewSplitter(def.SplitterName, def.ChunkSize, def.ChunkOverlap)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.CodeFatal, err, "step '%s'", step.ID())
	}
	x := &splitterExec{r: r, s: step, splitter: sp}
	return newMapStage(r, step, nil, x.split), nil
}

func (x *splitterExec) split(_ context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	in := x.s.Inputs()[0]
	out := x.s.Outputs()[0]
	raw, ok, err := requireVar(msg, x.s.ID(), in)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	doc, err := valueAs[dsl.RAGDocument](raw)
	if err != nil {
		return nil, errdefs.Failuref("step '%s': %v", x.s.ID(), err)
	}
	chunks := x.splitter.Split(doc)
	msgs := make([]*FlowMessage, len(chunks))
	for i, chunk := range chunks {
		msgs[i] = msg.WithVar(out.ID(), chunk)
	}
	return msgs, nil
}

// embedderExec fills vectors through an embedding model, one backend call
// per batch. A chunk input keeps its shape and gains a vector; a text input
// becomes a bare embedding.
type embedderExec struct {
	r         *flowRun
	s         *ir.Step
	def       *dsl.EmbeddingModel
	embedder  model.Embedder
	chunkMode bool
}

func buildDocumentEmbedder(ctx context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.DocumentEmbedder)
	modelID := def.Model.LinkedID()
	emDef, ok := r.it.app.EmbeddingModel(modelID)
	if !ok {
		return nil, errdefs.Fatalf("step '%s': '%s' is not an embedding model", step.ID(), modelID)
	}
	em, err := r.it.clients.Embedder(ctx, modelID)
	if err != nil {
		return nil, err
	}
	inType := step.Inputs()[0].Type().Required()
	x := &embedderExec{r: r, s: step, def: emDef, embedder: em,
		chunkMode: inType.IsCustom() && inType.CustomID() == "RAGChunk"}
	return &batchStage{r: r, s: step, size: def.BatchSize, retry: emDef.Retry, flush: x.embed}, nil
}

func (x *embedderExec) embed(ctx context.Context, batch []*FlowMessage) ([]*FlowMessage, error) {
	in := x.s.Inputs()[0]
	out := x.s.Outputs()[0]

	texts := make([]string, len(batch))
	chunks := make([]dsl.RAGChunk, len(batch))
	for i, msg := range batch {
		raw, _, err := requireVar(msg, x.s.ID(), in)
		if err != nil {
			return nil, err
		}
		if x.chunkMode {
			chunk, err := valueAs[dsl.RAGChunk](raw)
			if err != nil {
				return nil, errdefs.Failuref("step '%s': %v", x.s.ID(), err)
			}
			chunks[i] = chunk
			texts[i] = chunk.Content
		} else {
			texts[i] = formatValue(raw)
		}
	}

	start := time.Now()
	vectors, err := x.embedder.Embed(ctx, texts, x.def.Dimensions)
	x.r.it.metrics.RecordModelCall(ctx, x.embedder.Name(), time.Since(start), 0, 0, err)
	if err != nil {
		return nil, asTransient(err, "step '%s': embed batch of %d", x.s.ID(), len(texts))
	}
	if len(vectors) != len(texts) {
		return nil, errdefs.Fatalf("step '%s': model '%s' returned %d vectors for %d inputs",
			x.s.ID(), x.embedder.Name(), len(vectors), len(texts))
	}

	msgs := make([]*FlowMessage, len(batch))
	for i, msg := range batch {
		if x.chunkMode {
			chunk := chunks[i]
			chunk.Vector = vectors[i]
			msgs[i] = msg.WithVar(out.ID(), chunk)
		} else {
			msgs[i] = msg.WithVar(out.ID(), dsl.Embedding{Vector: vectors[i], SourceText: texts[i]})
		}
	}
	return msgs, nil
}

// upsertExec writes batches into an index and forwards its inputs. A vector
// index ingests chunks, a document index ingests documents.
type upsertExec struct {
	r      *flowRun
	s      *ir.Step
	vector index.VectorIndex
	doc    index.DocumentIndex
}

func buildIndexUpsert(ctx context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.IndexUpsert)
	x := &upsertExec{r: r, s: step}
	var err error
	switch def.Index.Target().(type) {
	case *dsl.VectorIndex:
		x.vector, err = r.it.clients.VectorIndex(ctx, def.Index.LinkedID())
	case *dsl.DocumentIndex:
		x.doc, err = r.it.clients.DocumentIndex(ctx, def.Index.LinkedID())
	default:
		err = errdefs.Fatalf("step '%s': '%s' is not an index", step.ID(), def.Index.LinkedID())
	}
	if err != nil {
		return nil, err
	}
	return &batchStage{r: r, s: step, size: def.BatchSize, flush: x.upsert}, nil
}

func (x *upsertExec) upsert(ctx context.Context, batch []*FlowMessage) ([]*FlowMessage, error) {
	in := x.s.Inputs()[0]

	items := make([]index.Item, len(batch))
	values := make([]any, len(batch))
	for i, msg := range batch {
		raw, _, err := requireVar(msg, x.s.ID(), in)
		if err != nil {
			return nil, err
		}
		values[i] = raw
		if x.vector != nil {
			chunk, err := valueAs[dsl.RAGChunk](raw)
			if err != nil {
				return nil, errdefs.Failuref("step '%s': %v", x.s.ID(), err)
			}
			if len(chunk.Vector) == 0 {
				return nil, errdefs.Failuref("step '%s': chunk '%s' has no vector", x.s.ID(), chunk.ID)
			}
			meta := maps.Clone(chunk.Metadata)
			if meta == nil {
				meta = make(map[string]any, 2)
			}
			meta["document_id"] = chunk.DocumentID
			meta["chunk_index"] = chunk.Index
			items[i] = index.Item{ID: chunk.ID, Content: chunk.Content, Vector: chunk.Vector, Metadata: meta}
		} else {
			doc, err := valueAs[dsl.RAGDocument](raw)
			if err != nil {
				return nil, errdefs.Failuref("step '%s': %v", x.s.ID(), err)
			}
			meta := maps.Clone(doc.Metadata)
			if meta == nil {
				meta = make(map[string]any, 2)
			}
			meta["document_id"] = doc.ID
			if doc.Source != "" {
				meta["source"] = doc.Source
			}
			items[i] = index.Item{ID: doc.ID, Content: doc.Content, Metadata: meta}
		}
	}

	var err error
	if x.vector != nil {
		err = x.vector.Upsert(ctx, items)
	} else {
		err = x.doc.Upsert(ctx, items)
	}
	if err != nil {
		return nil, asTransient(err, "step '%s': upsert batch of %d", x.s.ID(), len(items))
	}

	msgs := make([]*FlowMessage, len(batch))
	for i, msg := range batch {
		msgs[i] = msg
		if len(x.s.Outputs()) > 0 {
			msgs[i] = msg.WithVar(x.s.Outputs()[0].ID(), values[i])
		}
	}
	return msgs, nil
}

// vectorSearchExec runs one nearest-neighbor query per message. A text input
// is embedded through the index's own embedding model first, so query and
// corpus vectors always share a space.
type vectorSearchExec struct {
	r        *flowRun
	s        *ir.Step
	def      *dsl.VectorSearch
	idx      index.VectorIndex
	embedder model.Embedder
	emDef    *dsl.EmbeddingModel
}

func buildVectorSearch(ctx context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.VectorSearch)
	idx, err := r.it.clients.VectorIndex(ctx, def.Index.LinkedID())
	if err != nil {
		return nil, err
	}
	x := &vectorSearchExec{r: r, s: step, def: def, idx: idx}

	if step.Inputs()[0].Type().Required().Kind() == dsl.KindText {
		vi, err := dsl.TargetAs[*dsl.VectorIndex](def.Index)
		if err != nil {
			return nil, errdefs.Fatalf("step '%s': '%s' is not a vector index", step.ID(), def.Index.LinkedID())
		}
		emDef, err := dsl.TargetAs[*dsl.EmbeddingModel](vi.EmbeddingModel)
		if err != nil {
			return nil, errdefs.Fatalf("step '%s': index '%s' has no embedding model to embed query text",
				step.ID(), vi.ID)
		}
		x.emDef = emDef
		if x.embedder, err = r.it.clients.Embedder(ctx, emDef.ID); err != nil {
			return nil, err
		}
	}
	return newMapStage(r, step, nil, x.search), nil
}

func (x *vectorSearchExec) search(ctx context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	in := x.s.Inputs()[0]
	out := x.s.Outputs()[0]
	raw, ok, err := requireVar(msg, x.s.ID(), in)
	if err != nil || !ok {
		return []*FlowMessage{msg}, err
	}

	vector, err := x.queryVector(ctx, raw)
	if err != nil {
		return nil, err
	}
	results, err := x.idx.Query(ctx, index.VectorQuery{
		Vector:    vector,
		TopK:      x.def.DefaultTopK,
		Threshold: x.def.ScoreThreshold,
		Filters:   x.def.Filters,
	})
	if err != nil {
		return nil, asTransient(err, "step '%s': query index '%s'", x.s.ID(), x.idx.Name())
	}
	return []*FlowMessage{msg.WithVar(out.ID(), results)}, nil
}

func (x *vectorSearchExec) queryVector(ctx context.Context, raw any) ([]float32, error) {
	if x.embedder != nil {
		start := time.Now()
		vectors, err := x.embedder.Embed(ctx, []string{formatValue(raw)}, x.emDef.Dimensions)
		x.r.it.metrics.RecordModelCall(ctx, x.embedder.Name(), time.Since(start), 0, 0, err)
		if err != nil {
			return nil, asTransient(err, "step '%s': embed query", x.s.ID())
		}
		return vectors[0], nil
	}
	if e, err := valueAs[dsl.Embedding](raw); err == nil && len(e.Vector) > 0 {
		return e.Vector, nil
	}
	chunk, err := valueAs[dsl.RAGChunk](raw)
	if err != nil || len(chunk.Vector) == 0 {
		return nil, errdefs.Failuref("step '%s': input carries no vector", x.s.ID())
	}
	return chunk.Vector, nil
}

// documentSearchExec runs one keyword query per message.
type documentSearchExec struct {
	r   *flowRun
	s   *ir.Step
	def *dsl.DocumentSearch
	idx index.DocumentIndex
}

func buildDocumentSearch(ctx context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.DocumentSearch)
	idx, err := r.it.clients.DocumentIndex(ctx, def.Index.LinkedID())
	if err != nil {
		return nil, err
	}
	x := &documentSearchExec{r: r, s: step, def: def, idx: idx}
	return newMapStage(r, step, nil, x.search), nil
}

func (x *documentSearchExec) search(ctx context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	in := x.s.Inputs()[0]
	out := x.s.Outputs()[0]
	raw, ok, err := requireVar(msg, x.s.ID(), in)
	if err != nil || !ok {
		return []*FlowMessage{msg}, err
	}
	results, err := x.idx.Query(ctx, index.TextQuery{
		Query:        formatValue(raw),
		MaxResults:   x.def.MaxResults,
		SearchFields: x.def.SearchFields,
		Filters:      x.def.Filters,
	})
	if err != nil {
		return nil, asTransient(err, "step '%s': query index '%s'", x.s.ID(), x.idx.Name())
	}
	return []*FlowMessage{msg.WithVar(out.ID(), results)}, nil
}

// rerankerExec reorders a result list with a generative model. The model
// sees the numbered candidates and answers with the numbers in relevance
// order; candidates it drops keep their original order at the tail.
type rerankerExec struct {
	r          *flowRun
	s          *ir.Step
	def        *dsl.Reranker
	model      *dsl.Model
	gen        model.Generator
	resultsVar *ir.Variable
	queryVar   *ir.Variable
}

func buildReranker(ctx context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.Reranker)
	modelID := def.Model.LinkedID()
	m, ok := r.it.app.Model(modelID)
	if !ok {
		return nil, errdefs.Fatalf("step '%s': '%s' is not a generative model", step.ID(), modelID)
	}
	gen, err := r.it.clients.Generator(ctx, modelID)
	if err != nil {
		return nil, err
	}
	x := &rerankerExec{r: r, s: step, def: def, model: m, gen: gen}
	for _, v := range step.Inputs() {
		if v.Type().Required().IsList() {
			x.resultsVar = v
		} else {
			x.queryVar = v
		}
	}
	if x.resultsVar == nil {
		return nil, errdefs.Fatalf("step '%s': no result list input", step.ID())
	}
	return newMapStage(r, step, m.Retry, x.rerank), nil
}

func (x *rerankerExec) rerank(ctx context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	raw, ok, err := requireVar(msg, x.s.ID(), x.resultsVar)
	if err != nil || !ok {
		return []*FlowMessage{msg}, err
	}
	results, ok := resultsList(raw)
	if !ok {
		return nil, errdefs.Failuref("step '%s': variable '%s' is not a result list", x.s.ID(), x.resultsVar.ID())
	}
	out := x.s.Outputs()[0]
	if len(results) <= 1 {
		return []*FlowMessage{msg.WithVar(out.ID(), truncate(results, x.def.TopN))}, nil
	}

	query := ""
	if x.queryVar != nil {
		if v, found := msg.Var(x.queryVar.ID()); found {
			query = formatValue(v)
		}
	}

	req := &model.Request{
		Messages: []model.Message{{
			Role:   dsl.RoleUser,
			Blocks: []dsl.ChatContent{{Type: dsl.KindText, Content: rerankPrompt(query, results)}},
		}},
		System: "You rank passages. Answer with a JSON array of passage numbers only, most relevant first.",
		Params: x.model.InferenceParams,
	}
	stream, err := x.gen.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, _, err := x.r.collectStream(ctx, x.s.ID(), stream)
	var in, outTok int
	if res != nil {
		in, outTok = res.Usage.PromptTokens, res.Usage.CompletionTokens
	}
	x.r.it.metrics.RecordModelCall(ctx, x.gen.Name(), time.Since(start), in, outTok, err)
	if err != nil {
		return nil, err
	}

	order, err := parseRanking(res.Text, len(results))
	if err != nil {
		return nil, errdefs.Failuref("step '%s': model '%s': %v", x.s.ID(), x.gen.Name(), err)
	}
	reordered := make([]dsl.RAGSearchResult, 0, len(results))
	for _, i := range order {
		reordered = append(reordered, results[i])
	}
	return []*FlowMessage{msg.WithVar(out.ID(), truncate(reordered, x.def.TopN))}, nil
}

func truncate(results []dsl.RAGSearchResult, n int) []dsl.RAGSearchResult {
	if n > 0 && len(results) > n {
		return results[:n]
	}
	return results
}

func rerankPrompt(query string, results []dsl.RAGSearchResult) string {
	var b strings.Builder
	if query != "" {
		b.WriteString("Query: ")
		b.WriteString(query)
		b.WriteString("\n\n")
	}
	b.WriteString("Passages:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Content)
	}
	return b.String()
}

// parseRanking reads the model's answer as a 1-based index list, ignores
// duplicates and out-of-range entries, and appends the candidates the model
// skipped in their original order.
func parseRanking(text string, n int) ([]int, error) {
	doc, ok := embeddedJSON(text)
	if !ok {
		return nil, fmt.Errorf("answer holds no JSON array")
	}
	var raw []any
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("answer is not a JSON array: %w", err)
	}
	order := make([]int, 0, n)
	seen := make(map[int]bool, n)
	for _, item := range raw {
		f, ok := asFloat(item)
		if !ok {
			continue
		}
		i := int(f) - 1
		if i < 0 || i >= n || seen[i] {
			continue
		}
		seen[i] = true
		order = append(order, i)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("answer names no passages")
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order, nil
}
