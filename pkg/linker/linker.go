// Package linker resolves the symbolic references of a parsed document. It
// builds a symbol table over every declared entity (including entities pulled
// in through document references), binds each reference slot to its target,
// and materializes inline definitions under synthesized ids. After linking,
// every dsl.Ref answers Target(); unresolved or mistyped references surface
// as aggregated diagnostics.
package linker

import (
	"fmt"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

// Kind names an entity namespace for symbol lookup and diagnostics.
type Kind string

const (
	KindType     Kind = "type"
	KindVariable Kind = "variable"
	KindMemory   Kind = "memory"
	KindModel    Kind = "model"
	KindAuth     Kind = "auth"
	KindTool     Kind = "tool"
	KindIndex    Kind = "index"
	KindFlow     Kind = "flow"
)

type symbol struct {
	kind   Kind
	entity dsl.Entity
}

// Link resolves every reference in app, mutating it in place. Entity ids are
// globally unique within the document; duplicates are reported under the
// checker's taxonomy code since uniqueness is a semantic invariant. Inline
// definitions are appended to the owning application's entity lists so later
// passes see one flat entity set.
func Link(app *dsl.Application) error {
	l := &linker{table: make(map[string]symbol)}
	l.collect(app, make(map[*dsl.Application]bool))
	l.resolve(app, make(map[*dsl.Application]bool))
	return l.diags.Err()
}

type linker struct {
	table map[string]symbol
	diags errdefs.Diagnostics
}

// collect walks the application and its references, declaring every entity
// id. First declaration wins so resolution stays deterministic when a
// duplicate is reported.
func (l *linker) collect(app *dsl.Application, seen map[*dsl.Application]bool) {
	if app == nil || seen[app] {
		return
	}
	seen[app] = true

	for _, t := range app.Types {
		l.declare(KindType, t)
	}
	for _, v := range app.Variables {
		l.declare(KindVariable, v)
	}
	for _, m := range app.Memories {
		l.declare(KindMemory, m)
	}
	for _, m := range app.Models {
		l.declare(KindModel, m)
	}
	for _, a := range app.Auths {
		l.declare(KindAuth, a)
	}
	for _, t := range app.Tools {
		l.declare(KindTool, t)
	}
	for _, i := range app.Indexes {
		l.declare(KindIndex, i)
	}
	for _, f := range app.Flows {
		l.declare(KindFlow, f)
	}
	for _, ref := range app.References {
		l.collect(ref, seen)
	}
}

func (l *linker) declare(kind Kind, entity dsl.Entity) {
	id := entity.EntityID()
	if existing, ok := l.table[id]; ok {
		l.diags.Add(errdefs.Checkerf("id '%s' declared twice (as %s and %s)", id, existing.kind, kind).
			WithReason(errdefs.ReasonDuplicateID).
			WithPos(entity.Pos()))
		return
	}
	l.table[id] = symbol{kind: kind, entity: entity}
}

func (l *linker) resolve(app *dsl.Application, seen map[*dsl.Application]bool) {
	if app == nil || seen[app] {
		return
	}
	seen[app] = true

	for _, m := range app.Models {
		l.resolveAuth(app, &m.Spec().Auth, entitySite("model", m))
	}
	if app.Telemetry != nil {
		l.resolveAuth(app, &app.Telemetry.Auth, entitySite("telemetry sink", app.Telemetry))
	}
	for _, t := range app.Tools {
		switch tool := t.(type) {
		case *dsl.APITool:
			l.resolveAuth(app, &tool.Auth, entitySite("tool", tool))
		case *dsl.MCPTool:
			l.resolveAuth(app, &tool.Auth, entitySite("tool", tool))
		}
	}
	for _, i := range app.Indexes {
		l.resolveAuth(app, &i.Meta().Auth, entitySite("index", i))
		if vi, ok := i.(*dsl.VectorIndex); ok {
			l.resolveEmbeddingModel(app, &vi.EmbeddingModel, entitySite("index", vi))
		}
	}
	for _, f := range app.Flows {
		l.resolveFlow(app, f)
	}
	for _, ref := range app.References {
		l.resolve(ref, seen)
	}
}

// resolveFlow binds every reference of a flow's steps. Step ids live in a
// per-flow scope: condition branches name sibling steps, not document
// entities.
func (l *linker) resolveFlow(app *dsl.Application, flow *dsl.Flow) {
	steps := make(map[string]dsl.Step, len(flow.Steps))
	for _, s := range flow.Steps {
		id := s.Meta().ID
		if _, ok := steps[id]; ok {
			l.diags.Add(errdefs.Checkerf("flow '%s' declares step '%s' twice", flow.ID, id).
				WithReason(errdefs.ReasonDuplicateID).
				WithPos(s.Pos()))
			continue
		}
		steps[id] = s
	}

	for _, s := range flow.Steps {
		l.resolveStep(app, flow, steps, s)
	}
	l.adoptVariables(app, flow)
}

func (l *linker) resolveStep(app *dsl.Application, flow *dsl.Flow, steps map[string]dsl.Step, s dsl.Step) {
	at := site{
		desc: fmt.Sprintf("flow '%s' step '%s'", flow.ID, s.Meta().ID),
		id:   s.Meta().ID,
		pos:  s.Pos(),
	}

	switch step := s.(type) {
	case *dsl.Agent:
		l.resolveGenerativeModel(app, &step.Model, at)
		l.resolveMemory(app, &step.Memory, at)
		for i := range step.Tools {
			l.resolveTool(app, &step.Tools[i], at, i)
		}

	case *dsl.LLMInference:
		l.resolveGenerativeModel(app, &step.Model, at)
		l.resolveMemory(app, &step.Memory, at)

	case *dsl.InvokeTool:
		l.resolveTool(app, &step.Tool, at, -1)

	case *dsl.InvokeFlow:
		l.resolveFlowRef(app, &step.Flow, at)

	case *dsl.Condition:
		l.resolveBranch(flow, steps, &step.Then, step, "then")
		if !step.Else.IsZero() {
			l.resolveBranch(flow, steps, &step.Else, step, "else")
		}

	case *dsl.SQLSource:
		l.resolveAuth(app, &step.Auth, at)

	case *dsl.DocumentEmbedder:
		l.resolveEmbeddingModel(app, &step.Model, at)

	case *dsl.VectorSearch:
		l.resolveVectorIndex(app, &step.Index, at)

	case *dsl.DocumentSearch:
		l.resolveDocumentIndex(app, &step.Index, at)

	case *dsl.IndexUpsert:
		l.resolveAnyIndex(app, &step.Index, at)

	case *dsl.Reranker:
		l.resolveGenerativeModel(app, &step.Model, at)
	}
}

// resolveBranch binds a condition branch to a sibling step, or materializes
// an inline step definition under the id <condition_id>.<slot>. Materialized
// steps register their default output variables on the flow but stay out of
// flow.Steps: the condition executor owns them.
func (l *linker) resolveBranch(flow *dsl.Flow, steps map[string]dsl.Step, ref *dsl.Ref, cond *dsl.Condition, slot string) {
	if ref.IsInline() {
		body := ref.Inline()
		if _, ok := body["id"]; !ok {
			body["id"] = cond.ID + "." + slot
		}
		step, err := dsl.DecodeStep(body, cond.Pos())
		if err != nil {
			l.diags.AddAll(errdefs.CodeLink, err)
			return
		}
		if _, exists := steps[step.Meta().ID]; exists {
			l.diags.Add(errdefs.Checkerf("flow '%s' declares step '%s' twice", flow.ID, step.Meta().ID).
				WithReason(errdefs.ReasonDuplicateID).
				WithPos(cond.Pos()))
			return
		}
		steps[step.Meta().ID] = step
		flow.AdoptInlineStep(step)
		ref.Resolve(step.Meta().ID, step)
		return
	}

	target, ok := steps[ref.ID()]
	if !ok {
		l.diags.Add(errdefs.Linkf("flow '%s' step '%s': %s branch references unknown step '%s'",
			flow.ID, cond.ID, slot, ref.ID()).
			WithReason(errdefs.ReasonRefUnresolved).
			WithPos(cond.Pos()))
		return
	}
	if target == dsl.Step(cond) {
		l.diags.Add(errdefs.Linkf("flow '%s' step '%s': %s branch references itself", flow.ID, cond.ID, slot).
			WithReason(errdefs.ReasonRefKindMismatch).
			WithPos(cond.Pos()))
		return
	}
	ref.Resolve(ref.ID(), target)
}

// adoptVariables copies application-level variable declarations into flows
// that use them without declaring them locally, so the checker sees a single
// per-flow variable scope.
func (l *linker) adoptVariables(app *dsl.Application, flow *dsl.Flow) {
	use := func(id string) {
		if _, declared := flow.Variable(id); declared {
			return
		}
		if sym, ok := l.table[id]; ok && sym.kind == KindVariable {
			flow.Variables = append(flow.Variables, sym.entity.(*dsl.Variable))
		}
	}

	for _, id := range flow.Inputs {
		use(id)
	}
	for _, id := range flow.Outputs {
		use(id)
	}
	for _, s := range flow.Steps {
		for _, id := range s.Meta().Inputs {
			use(id)
		}
		for _, id := range s.Meta().Outputs {
			use(id)
		}
		if cond, ok := s.(*dsl.Condition); ok {
			use(cond.Equals)
		}
	}
}
