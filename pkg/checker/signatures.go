package checker

import (
	"slices"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/ir"
)

// checkSignature enforces the per-variant io contract of one main-chain step.
// Variable existence and ordering were already verified; these checks are
// purely about types and bindings.
func (fc *flowCheck) checkSignature(s dsl.Step) {
	switch step := s.(type) {
	case *dsl.Agent:
		fc.checkInference(&step.LLMInference)
	case *dsl.LLMInference:
		fc.checkInference(step)
	case *dsl.PromptTemplate:
		fc.checkTemplate(step)
	case *dsl.InvokeTool:
		fc.checkInvokeTool(step)
	case *dsl.InvokeFlow:
		fc.checkInvokeFlow(step)
	case *dsl.Condition:
		fc.checkCondition(step)
	case *dsl.FileSource:
		fc.checkFileSource(step)
	case *dsl.SQLSource:
		fc.requireOutputs(step)
	case *dsl.DocumentSource:
		fc.expectSingleOutput(step, dsl.CustomRef("RAGDocument"))
	case *dsl.DocumentSplitter:
		fc.expectSingleInput(step, dsl.CustomRef("RAGDocument"))
		fc.expectSingleOutput(step, dsl.CustomRef("RAGChunk"))
	case *dsl.DocumentEmbedder:
		fc.checkEmbedder(step)
	case *dsl.VectorSearch:
		fc.checkVectorSearch(step)
	case *dsl.DocumentSearch:
		fc.expectSingleInput(step, dsl.PrimitiveRef(dsl.KindText))
		fc.expectSingleOutput(step, dsl.ListRef(dsl.CustomRef("RAGSearchResult")))
	case *dsl.IndexUpsert:
		fc.checkUpsert(step)
	case *dsl.Reranker:
		fc.checkReranker(step)
	case *dsl.Aggregate:
		fc.expectSingleOutput(step, dsl.CustomRef("AggregateStats"))
	case *dsl.Explode:
		fc.checkExplode(step)
	case *dsl.Collect:
		fc.checkCollect(step)
	case *dsl.FieldExtractor:
		fc.requireSingleInput(step)
		fc.requireSingleOutput(step)
	case *dsl.Construct:
		fc.checkConstruct(step)
	case *dsl.Decoder:
		fc.checkDecoder(step)
	case *dsl.Echo:
		fc.checkEcho(step)
	}
}

func (fc *flowCheck) typeErrorf(s dsl.Step, format string, args ...any) {
	fc.errorf(s.Pos(), errdefs.ReasonTypeMismatch, format, args...)
}

func (fc *flowCheck) inputVars(s dsl.Step) []*ir.Variable  { return fc.varList(s.Meta().Inputs) }
func (fc *flowCheck) outputVars(s dsl.Step) []*ir.Variable { return fc.varList(s.Meta().Outputs) }

func (fc *flowCheck) requireSingleInput(s dsl.Step) (*ir.Variable, bool) {
	vars := fc.inputVars(s)
	if len(vars) != 1 {
		fc.typeErrorf(s, "flow '%s' step '%s' takes exactly one input, found %d",
			fc.flow.ID, s.Meta().ID, len(vars))
		return nil, false
	}
	return vars[0], true
}

func (fc *flowCheck) requireSingleOutput(s dsl.Step) (*ir.Variable, bool) {
	vars := fc.outputVars(s)
	if len(vars) != 1 {
		fc.typeErrorf(s, "flow '%s' step '%s' produces exactly one output, found %d",
			fc.flow.ID, s.Meta().ID, len(vars))
		return nil, false
	}
	return vars[0], true
}

func (fc *flowCheck) requireOutputs(s dsl.Step) {
	if len(fc.outputVars(s)) == 0 {
		fc.typeErrorf(s, "flow '%s' step '%s' declares no outputs to bind", fc.flow.ID, s.Meta().ID)
	}
}

func (fc *flowCheck) expectSingleInput(s dsl.Step, want dsl.TypeRef) (*ir.Variable, bool) {
	v, ok := fc.requireSingleInput(s)
	if !ok {
		return nil, false
	}
	if !assignable(v.Type(), want, fc.c.table) {
		fc.typeErrorf(s, "flow '%s' step '%s' input '%s': expected %s, got %s",
			fc.flow.ID, s.Meta().ID, v.ID(), want, v.Type())
		return v, false
	}
	return v, true
}

func (fc *flowCheck) expectSingleOutput(s dsl.Step, want dsl.TypeRef) (*ir.Variable, bool) {
	v, ok := fc.requireSingleOutput(s)
	if !ok {
		return nil, false
	}
	if !assignable(want, v.Type(), fc.c.table) {
		fc.typeErrorf(s, "flow '%s' step '%s' output '%s': produces %s, variable holds %s",
			fc.flow.ID, s.Meta().ID, v.ID(), want, v.Type())
		return v, false
	}
	return v, true
}

// checkInference: inputs render freely into the message list, so only the
// response slot is constrained.
func (fc *flowCheck) checkInference(s *dsl.LLMInference) {
	for _, v := range fc.outputVars(s) {
		t := v.Type().Required()
		if t.Kind() == dsl.KindText || isChatMessage(t) {
			continue
		}
		fc.typeErrorf(s, "flow '%s' step '%s' output '%s': a model response is text or ChatMessage, not %s",
			fc.flow.ID, s.ID, v.ID(), v.Type())
	}
}

func (fc *flowCheck) checkTemplate(s *dsl.PromptTemplate) {
	placeholders, err := dsl.TemplatePlaceholders(s.Template)
	if err != nil {
		fc.errorf(s.Pos(), errdefs.ReasonTemplateError, "flow '%s' step '%s': %v", fc.flow.ID, s.ID, err)
		return
	}
	for _, name := range placeholders {
		if !slices.Contains(s.Inputs, name) {
			fc.errorf(s.Pos(), errdefs.ReasonTemplateError,
				"flow '%s' step '%s': template placeholder '{%s}' is not a step input",
				fc.flow.ID, s.ID, name)
		}
	}
	fc.expectSingleOutput(s, dsl.PrimitiveRef(dsl.KindText))
}

// checkInvokeTool verifies every tool parameter is satisfied by a bound or
// name-matching variable with an assignable type, and every declared step
// output is fed by a tool output.
func (fc *flowCheck) checkInvokeTool(s *dsl.InvokeTool) {
	tool, err := dsl.TargetAs[dsl.ToolDef](s.Tool)
	if err != nil {
		return
	}
	meta := tool.Meta()

	for _, p := range meta.Inputs {
		varID := p.ID
		if bound, ok := s.InputBindings[p.ID]; ok {
			varID = bound
		}
		v, declared := fc.vars[varID]
		if !declared {
			if p.Type.IsOptional() {
				continue
			}
			fc.typeErrorf(s, "flow '%s' step '%s': tool '%s' parameter '%s' has no matching variable",
				fc.flow.ID, s.ID, meta.ID, p.ID)
			continue
		}
		if !assignable(v.Type(), p.Type, fc.c.table) {
			fc.typeErrorf(s, "flow '%s' step '%s': variable '%s' (%s) cannot bind tool parameter '%s' (%s)",
				fc.flow.ID, s.ID, varID, v.Type(), p.ID, p.Type)
		}
	}

	fed := make(map[string]bool)
	for _, o := range meta.Outputs {
		varID := o.ID
		if bound, ok := s.OutputBindings[o.ID]; ok {
			varID = bound
		}
		v, declared := fc.vars[varID]
		if !declared {
			continue // tool output dropped on the floor, fine
		}
		fed[varID] = true
		if !assignable(o.Type, v.Type(), fc.c.table) {
			fc.typeErrorf(s, "flow '%s' step '%s': tool output '%s' (%s) cannot write variable '%s' (%s)",
				fc.flow.ID, s.ID, o.ID, o.Type, varID, v.Type())
		}
	}
	for _, id := range s.Outputs {
		if _, declared := fc.vars[id]; declared && !fed[id] {
			fc.typeErrorf(s, "flow '%s' step '%s': output '%s' is not produced by tool '%s'",
				fc.flow.ID, s.ID, id, meta.ID)
		}
	}
}

// checkInvokeFlow applies the same binding rules against the callee's
// declared inputs and outputs.
func (fc *flowCheck) checkInvokeFlow(s *dsl.InvokeFlow) {
	callee, err := dsl.TargetAs[*dsl.Flow](s.Flow)
	if err != nil {
		return
	}

	for _, paramID := range callee.Inputs {
		param, ok := callee.Variable(paramID)
		if !ok {
			continue
		}
		varID := paramID
		if bound, ok := s.InputBindings[paramID]; ok {
			varID = bound
		}
		v, declared := fc.vars[varID]
		if !declared {
			if param.Type.IsOptional() {
				continue
			}
			fc.typeErrorf(s, "flow '%s' step '%s': flow '%s' input '%s' has no matching variable",
				fc.flow.ID, s.ID, callee.ID, paramID)
			continue
		}
		if !assignable(v.Type(), param.Type, fc.c.table) {
			fc.typeErrorf(s, "flow '%s' step '%s': variable '%s' (%s) cannot bind flow '%s' input '%s' (%s)",
				fc.flow.ID, s.ID, varID, v.Type(), callee.ID, paramID, param.Type)
		}
	}

	fed := make(map[string]bool)
	for _, resultID := range callee.Outputs {
		result, ok := callee.Variable(resultID)
		if !ok {
			continue
		}
		varID := resultID
		if bound, ok := s.OutputBindings[resultID]; ok {
			varID = bound
		}
		v, declared := fc.vars[varID]
		if !declared {
			continue
		}
		fed[varID] = true
		if !assignable(result.Type, v.Type(), fc.c.table) {
			fc.typeErrorf(s, "flow '%s' step '%s': flow '%s' output '%s' (%s) cannot write variable '%s' (%s)",
				fc.flow.ID, s.ID, callee.ID, resultID, result.Type, varID, v.Type())
		}
	}
	for _, id := range s.Outputs {
		if _, declared := fc.vars[id]; declared && !fed[id] {
			fc.typeErrorf(s, "flow '%s' step '%s': output '%s' is not produced by flow '%s'",
				fc.flow.ID, s.ID, id, callee.ID)
		}
	}
}

// checkCondition verifies the comparison is between compatible types and that
// declared branches produce congruent outputs. A missing else branch lets
// messages pass through unchanged, so anything the then branch produces must
// be optional if a later step consumes it.
func (fc *flowCheck) checkCondition(s *dsl.Condition) {
	in, ok := fc.requireSingleInput(s)
	eq := fc.vars[s.Equals]
	if ok && eq != nil {
		if !assignable(in.Type(), eq.Type(), fc.c.table) && !assignable(eq.Type(), in.Type(), fc.c.table) {
			fc.typeErrorf(s, "flow '%s' step '%s': cannot compare '%s' (%s) with '%s' (%s)",
				fc.flow.ID, s.ID, in.ID(), in.Type(), s.Equals, eq.Type())
		}
	}

	thenStep, hasThen := s.Then.Target().(dsl.Step)
	elseStep, hasElse := s.Else.Target().(dsl.Step)

	if hasThen && hasElse {
		thenOut := append([]string(nil), thenStep.Meta().Outputs...)
		elseOut := append([]string(nil), elseStep.Meta().Outputs...)
		slices.Sort(thenOut)
		slices.Sort(elseOut)
		if !slices.Equal(thenOut, elseOut) {
			fc.typeErrorf(s, "flow '%s' step '%s': branches produce different outputs (%v vs %v)",
				fc.flow.ID, s.ID, thenStep.Meta().Outputs, elseStep.Meta().Outputs)
		}
		return
	}
	if !hasThen {
		return
	}

	// then-only: downstream consumers of a required branch output would see
	// messages that skipped the branch.
	pos := fc.indexOfMain(s)
	for _, id := range thenStep.Meta().Outputs {
		v, declared := fc.vars[id]
		if !declared || v.Type().IsOptional() {
			continue
		}
		if fc.consumedAfter(pos, id) {
			fc.typeErrorf(s, "flow '%s' step '%s': '%s' is only produced on the then branch but consumed later; add an else branch or make it optional",
				fc.flow.ID, s.ID, id)
		}
	}
}

func (fc *flowCheck) indexOfMain(s dsl.Step) int {
	for i, m := range fc.main {
		if m == s {
			return i
		}
	}
	return len(fc.main)
}

func (fc *flowCheck) consumedAfter(i int, id string) bool {
	for j := i + 1; j < len(fc.main); j++ {
		if slices.Contains(consumes(fc.main[j]), id) {
			return true
		}
	}
	return slices.Contains(fc.flow.Outputs, id)
}

func (fc *flowCheck) checkFileSource(s *dsl.FileSource) {
	fc.requireOutputs(s)
	if s.Format == "lines" {
		fc.expectSingleOutput(s, dsl.PrimitiveRef(dsl.KindText))
	}
}

// checkEmbedder: a chunk input keeps its type and gains a vector; a text
// input produces a bare Embedding.
func (fc *flowCheck) checkEmbedder(s *dsl.DocumentEmbedder) {
	in, ok := fc.requireSingleInput(s)
	if !ok {
		return
	}
	chunk := dsl.CustomRef("RAGChunk")
	text := dsl.PrimitiveRef(dsl.KindText)
	switch {
	case assignable(in.Type(), chunk, fc.c.table):
		fc.expectSingleOutput(s, chunk)
	case assignable(in.Type(), text, fc.c.table):
		fc.expectSingleOutput(s, dsl.CustomRef("Embedding"))
	default:
		fc.typeErrorf(s, "flow '%s' step '%s' input '%s': expected RAGChunk or text, got %s",
			fc.flow.ID, s.ID, in.ID(), in.Type())
	}
}

func (fc *flowCheck) checkVectorSearch(s *dsl.VectorSearch) {
	in, ok := fc.requireSingleInput(s)
	if ok {
		t := in.Type().Required()
		queryable := t.Kind() == dsl.KindText ||
			(t.IsCustom() && (t.CustomID() == "Embedding" || t.CustomID() == "RAGChunk"))
		if !queryable {
			fc.typeErrorf(s, "flow '%s' step '%s' input '%s': expected text, Embedding, or RAGChunk, got %s",
				fc.flow.ID, s.ID, in.ID(), in.Type())
		}
	}
	fc.expectSingleOutput(s, dsl.ListRef(dsl.CustomRef("RAGSearchResult")))

	if in != nil {
		fc.checkVectorWidth(s, s.Index, in.ID())
	}
}

// checkUpsert: a vector index ingests chunks, a document index ingests
// documents. The forwarded output, when declared, keeps the input's type.
func (fc *flowCheck) checkUpsert(s *dsl.IndexUpsert) {
	in, ok := fc.requireSingleInput(s)
	if !ok {
		return
	}
	switch s.Index.Target().(type) {
	case *dsl.VectorIndex:
		if !assignable(in.Type(), dsl.CustomRef("RAGChunk"), fc.c.table) {
			fc.typeErrorf(s, "flow '%s' step '%s' input '%s': a vector index ingests RAGChunk, got %s",
				fc.flow.ID, s.ID, in.ID(), in.Type())
		}
		fc.checkVectorWidth(s, s.Index, in.ID())
	case *dsl.DocumentIndex:
		if !assignable(in.Type(), dsl.CustomRef("RAGDocument"), fc.c.table) {
			fc.typeErrorf(s, "flow '%s' step '%s' input '%s': a document index ingests RAGDocument, got %s",
				fc.flow.ID, s.ID, in.ID(), in.Type())
		}
	}
	if len(s.Outputs) > 0 {
		fc.expectSingleOutput(s, in.Type())
	}
}

// checkVectorWidth compares the dimensions of the embedding model that filled
// the step's input vectors against the index's own embedding model. The
// producer is found by walking back through forwarding steps.
func (fc *flowCheck) checkVectorWidth(s dsl.Step, indexRef dsl.Ref, inputID string) {
	vi, ok := indexRef.Target().(*dsl.VectorIndex)
	if !ok {
		return
	}
	indexModel, err := dsl.TargetAs[*dsl.EmbeddingModel](vi.EmbeddingModel)
	if err != nil {
		return
	}
	embedder := fc.embedderFeeding(fc.indexOfMain(s), inputID)
	if embedder == nil {
		return
	}
	stepModel, err := dsl.TargetAs[*dsl.EmbeddingModel](embedder.Model)
	if err != nil {
		return
	}
	if stepModel.Dimensions != indexModel.Dimensions {
		fc.typeErrorf(s, "flow '%s' step '%s': vectors from model '%s' are %d wide but index '%s' expects %d",
			fc.flow.ID, s.Meta().ID, stepModel.ID, stepModel.Dimensions, vi.ID, indexModel.Dimensions)
	}
}

// embedderFeeding walks the writer chain of a variable backwards through
// forwarding steps to the DocumentEmbedder that filled it, if any.
func (fc *flowCheck) embedderFeeding(i int, id string) *dsl.DocumentEmbedder {
	for {
		w := fc.lastWriterBefore(i, id)
		if w < 0 {
			return nil
		}
		s := fc.main[w]
		if emb, ok := s.(*dsl.DocumentEmbedder); ok {
			return emb
		}
		if !slices.Contains(s.Meta().Inputs, id) {
			return nil
		}
		i = w
	}
}

func (fc *flowCheck) checkReranker(s *dsl.Reranker) {
	results := dsl.ListRef(dsl.CustomRef("RAGSearchResult"))
	var haveResults bool
	for _, v := range fc.inputVars(s) {
		switch {
		case assignable(v.Type(), results, fc.c.table):
			haveResults = true
		case v.Type().Required().Kind() == dsl.KindText:
			// the query text riding along
		default:
			fc.typeErrorf(s, "flow '%s' step '%s' input '%s': expected list[RAGSearchResult] or query text, got %s",
				fc.flow.ID, s.ID, v.ID(), v.Type())
		}
	}
	if !haveResults {
		fc.typeErrorf(s, "flow '%s' step '%s' needs a list[RAGSearchResult] input", fc.flow.ID, s.ID)
	}
	fc.expectSingleOutput(s, results)
}

func (fc *flowCheck) checkExplode(s *dsl.Explode) {
	in, ok := fc.requireSingleInput(s)
	out, okOut := fc.requireSingleOutput(s)
	if !ok || !okOut {
		return
	}
	elem, isSeq := fc.elementOf(in.Type())
	if !isSeq {
		fc.typeErrorf(s, "flow '%s' step '%s' input '%s': expected a list, got %s",
			fc.flow.ID, s.ID, in.ID(), in.Type())
		return
	}
	if !assignable(elem, out.Type(), fc.c.table) {
		fc.typeErrorf(s, "flow '%s' step '%s': elements of '%s' are %s, output '%s' holds %s",
			fc.flow.ID, s.ID, in.ID(), elem, out.ID(), out.Type())
	}
}

func (fc *flowCheck) checkCollect(s *dsl.Collect) {
	in, ok := fc.requireSingleInput(s)
	out, okOut := fc.requireSingleOutput(s)
	if !ok || !okOut {
		return
	}
	elem, isSeq := fc.elementOf(out.Type())
	if !isSeq {
		fc.typeErrorf(s, "flow '%s' step '%s' output '%s': expected a list, got %s",
			fc.flow.ID, s.ID, out.ID(), out.Type())
		return
	}
	if !assignable(in.Type(), elem, fc.c.table) {
		fc.typeErrorf(s, "flow '%s' step '%s': collects %s values into '%s', which holds %s elements",
			fc.flow.ID, s.ID, in.Type(), out.ID(), elem)
	}
}

// elementOf resolves the element type of a list reference or an array-typed
// custom definition.
func (fc *flowCheck) elementOf(t dsl.TypeRef) (dsl.TypeRef, bool) {
	t = t.Required()
	if t.IsList() {
		return *t.Elem(), true
	}
	if t.IsCustom() {
		if def, ok := fc.c.table.Lookup(t.CustomID()); ok && !def.IsObject() {
			return *def.Element, true
		}
	}
	return dsl.TypeRef{}, false
}

// checkConstruct verifies the output type is a custom object and every
// required field is fed by a binding or a name-matching input.
func (fc *flowCheck) checkConstruct(s *dsl.Construct) {
	out, ok := fc.requireSingleOutput(s)
	if ok && !assignable(s.OutputType, out.Type(), fc.c.table) {
		fc.typeErrorf(s, "flow '%s' step '%s' output '%s': constructs %s, variable holds %s",
			fc.flow.ID, s.ID, out.ID(), s.OutputType, out.Type())
	}

	t := s.OutputType.Required()
	if !t.IsCustom() {
		fc.typeErrorf(s, "flow '%s' step '%s': output_type must be a custom type, got %s",
			fc.flow.ID, s.ID, s.OutputType)
		return
	}
	def, found := fc.c.table.Lookup(t.CustomID())
	if !found {
		fc.typeErrorf(s, "flow '%s' step '%s': unknown type '%s'", fc.flow.ID, s.ID, t.CustomID())
		return
	}
	if !def.IsObject() {
		fc.typeErrorf(s, "flow '%s' step '%s': output_type '%s' is not an object type",
			fc.flow.ID, s.ID, def.ID)
		return
	}

	for _, field := range def.Fields {
		varID := field.Name
		if bound, ok := s.Bindings[field.Name]; ok {
			varID = bound
		}
		if !slices.Contains(s.Inputs, varID) {
			if field.Type.IsOptional() {
				continue
			}
			fc.typeErrorf(s, "flow '%s' step '%s': field '%s.%s' has no bound input",
				fc.flow.ID, s.ID, def.ID, field.Name)
			continue
		}
		if v, declared := fc.vars[varID]; declared && !assignable(v.Type(), field.Type, fc.c.table) {
			fc.typeErrorf(s, "flow '%s' step '%s': variable '%s' (%s) cannot fill field '%s.%s' (%s)",
				fc.flow.ID, s.ID, varID, v.Type(), def.ID, field.Name, field.Type)
		}
	}
}

func (fc *flowCheck) checkDecoder(s *dsl.Decoder) {
	in, ok := fc.requireSingleInput(s)
	if ok {
		k := in.Type().Required().Kind()
		if k != dsl.KindText && k != dsl.KindBytes {
			fc.typeErrorf(s, "flow '%s' step '%s' input '%s': expected text or bytes, got %s",
				fc.flow.ID, s.ID, in.ID(), in.Type())
		}
	}
	out, ok := fc.requireSingleOutput(s)
	if ok && !s.Schema.IsZero() {
		if err := fc.c.typeKnown(s.Schema); err != nil {
			fc.typeErrorf(s, "flow '%s' step '%s': schema: %v", fc.flow.ID, s.ID, err)
		} else if !assignable(s.Schema, out.Type(), fc.c.table) {
			fc.typeErrorf(s, "flow '%s' step '%s' output '%s': decodes %s, variable holds %s",
				fc.flow.ID, s.ID, out.ID(), s.Schema, out.Type())
		}
	}
}

// checkEcho: outputs mirror inputs positionally.
func (fc *flowCheck) checkEcho(s *dsl.Echo) {
	if len(s.Outputs) == 0 {
		return
	}
	if len(s.Outputs) != len(s.Inputs) {
		fc.typeErrorf(s, "flow '%s' step '%s' forwards %d inputs into %d outputs",
			fc.flow.ID, s.ID, len(s.Inputs), len(s.Outputs))
		return
	}
	for i := range s.Inputs {
		in, okIn := fc.vars[s.Inputs[i]]
		out, okOut := fc.vars[s.Outputs[i]]
		if !okIn || !okOut {
			continue
		}
		if !assignable(in.Type(), out.Type(), fc.c.table) {
			fc.typeErrorf(s, "flow '%s' step '%s': cannot forward '%s' (%s) into '%s' (%s)",
				fc.flow.ID, s.ID, in.ID(), in.Type(), out.ID(), out.Type())
		}
	}
}
