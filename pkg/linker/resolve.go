package linker

import (
	"sort"
	"strconv"
	"strings"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

// site locates a reference slot for diagnostics and inline id synthesis:
// desc reads like "flow 'qa' step 'answer'", id is the owning entity's raw
// id, pos points at the owner's definition.
type site struct {
	desc string
	id   string
	pos  errdefs.Position
}

func entitySite(label string, e dsl.Entity) site {
	return site{desc: label + " '" + e.EntityID() + "'", id: e.EntityID(), pos: e.Pos()}
}

// bind resolves one reference slot against a symbol namespace. Inline bodies
// decode under the synthesized id <owner>.<slot> and are declared in the
// table; adopt hoists them onto the owning application's entity list.
func (l *linker) bind(ref *dsl.Ref, want Kind, at site, slot string,
	decode func(map[string]any, errdefs.Position) (dsl.Entity, error),
	adopt func(dsl.Entity)) (dsl.Entity, bool) {

	if ref.IsInline() {
		body := ref.Inline()
		if _, ok := body["id"]; !ok {
			body["id"] = at.id + "." + slot
		}
		ent, err := decode(body, at.pos)
		if err != nil {
			l.diags.AddAll(errdefs.CodeLink, err)
			return nil, false
		}
		l.declare(want, ent)
		adopt(ent)
		ref.Resolve(ent.EntityID(), ent)
		return ent, true
	}

	sym, ok := l.table[ref.ID()]
	if !ok {
		l.diags.Add(errdefs.Linkf("%s: %s '%s' is not defined (available: %s)",
			at.desc, want, ref.ID(), l.available(want)).
			WithReason(errdefs.ReasonRefUnresolved).
			WithPos(at.pos))
		return nil, false
	}
	if sym.kind != want {
		l.diags.Add(errdefs.Linkf("%s: '%s' is a %s, expected a %s",
			at.desc, ref.ID(), sym.kind, want).
			WithReason(errdefs.ReasonRefKindMismatch).
			WithPos(at.pos))
		return nil, false
	}
	ref.Resolve(ref.ID(), sym.entity)
	return sym.entity, true
}

func (l *linker) available(want Kind) string {
	ids := make([]string, 0, len(l.table))
	for id, sym := range l.table {
		if sym.kind == want {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "none"
	}
	sort.Strings(ids)
	return strings.Join(ids, ", ")
}

func (l *linker) resolveAuth(app *dsl.Application, ref *dsl.Ref, at site) {
	if ref.IsZero() {
		return
	}
	l.bind(ref, KindAuth, at, "auth",
		func(raw map[string]any, pos errdefs.Position) (dsl.Entity, error) {
			return dsl.DecodeAuth(raw, pos)
		},
		func(e dsl.Entity) { app.Auths = append(app.Auths, e.(dsl.AuthDef)) })
}

func (l *linker) resolveMemory(app *dsl.Application, ref *dsl.Ref, at site) {
	if ref.IsZero() {
		return
	}
	l.bind(ref, KindMemory, at, "memory",
		func(raw map[string]any, pos errdefs.Position) (dsl.Entity, error) {
			return dsl.DecodeMemory(raw, pos)
		},
		func(e dsl.Entity) { app.Memories = append(app.Memories, e.(*dsl.Memory)) })
}

func (l *linker) resolveGenerativeModel(app *dsl.Application, ref *dsl.Ref, at site) {
	if ref.IsZero() {
		return
	}
	ent, ok := l.bindModel(app, ref, at, "model")
	if !ok {
		return
	}
	if _, generative := ent.(*dsl.Model); !generative {
		l.diags.Add(errdefs.Linkf("%s: model '%s' is an embedding model, expected a generative model",
			at.desc, ent.EntityID()).
			WithReason(errdefs.ReasonRefKindMismatch).
			WithPos(at.pos))
	}
}

func (l *linker) resolveEmbeddingModel(app *dsl.Application, ref *dsl.Ref, at site) {
	if ref.IsZero() {
		return
	}
	ent, ok := l.bindModel(app, ref, at, "embedding_model")
	if !ok {
		return
	}
	if _, embedding := ent.(*dsl.EmbeddingModel); !embedding {
		l.diags.Add(errdefs.Linkf("%s: model '%s' is a generative model, expected an embedding model",
			at.desc, ent.EntityID()).
			WithReason(errdefs.ReasonRefKindMismatch).
			WithPos(at.pos))
	}
}

func (l *linker) bindModel(app *dsl.Application, ref *dsl.Ref, at site, slot string) (dsl.Entity, bool) {
	ent, ok := l.bind(ref, KindModel, at, slot,
		func(raw map[string]any, pos errdefs.Position) (dsl.Entity, error) {
			return dsl.DecodeModel(raw, pos)
		},
		func(e dsl.Entity) {
			m := e.(dsl.ModelDef)
			app.Models = append(app.Models, m)
			l.resolveAuth(app, &m.Spec().Auth, entitySite("model", m))
		})
	return ent, ok
}

func (l *linker) resolveTool(app *dsl.Application, ref *dsl.Ref, at site, idx int) {
	if ref.IsZero() {
		return
	}
	slot := "tool"
	if idx >= 0 {
		slot = "tools." + strconv.Itoa(idx)
	}
	l.bind(ref, KindTool, at, slot,
		func(raw map[string]any, pos errdefs.Position) (dsl.Entity, error) {
			return dsl.DecodeTool(raw, pos)
		},
		func(e dsl.Entity) {
			t := e.(dsl.ToolDef)
			app.Tools = append(app.Tools, t)
			switch tool := t.(type) {
			case *dsl.APITool:
				l.resolveAuth(app, &tool.Auth, entitySite("tool", tool))
			case *dsl.MCPTool:
				l.resolveAuth(app, &tool.Auth, entitySite("tool", tool))
			}
		})
}

func (l *linker) resolveVectorIndex(app *dsl.Application, ref *dsl.Ref, at site) {
	ent, ok := l.bindIndex(app, ref, at)
	if !ok {
		return
	}
	if _, vector := ent.(*dsl.VectorIndex); !vector {
		l.diags.Add(errdefs.Linkf("%s: index '%s' is a document index, expected a vector index",
			at.desc, ent.EntityID()).
			WithReason(errdefs.ReasonRefKindMismatch).
			WithPos(at.pos))
	}
}

func (l *linker) resolveDocumentIndex(app *dsl.Application, ref *dsl.Ref, at site) {
	ent, ok := l.bindIndex(app, ref, at)
	if !ok {
		return
	}
	if _, doc := ent.(*dsl.DocumentIndex); !doc {
		l.diags.Add(errdefs.Linkf("%s: index '%s' is a vector index, expected a document index",
			at.desc, ent.EntityID()).
			WithReason(errdefs.ReasonRefKindMismatch).
			WithPos(at.pos))
	}
}

func (l *linker) resolveAnyIndex(app *dsl.Application, ref *dsl.Ref, at site) {
	l.bindIndex(app, ref, at)
}

func (l *linker) bindIndex(app *dsl.Application, ref *dsl.Ref, at site) (dsl.Entity, bool) {
	if ref.IsZero() {
		l.diags.Add(errdefs.Linkf("%s: missing index reference", at.desc).
			WithReason(errdefs.ReasonRefUnresolved).
			WithPos(at.pos))
		return nil, false
	}
	return l.bind(ref, KindIndex, at, "index",
		func(raw map[string]any, pos errdefs.Position) (dsl.Entity, error) {
			return dsl.DecodeIndex(raw, pos)
		},
		func(e dsl.Entity) {
			i := e.(dsl.IndexDef)
			app.Indexes = append(app.Indexes, i)
			l.resolveAuth(app, &i.Meta().Auth, entitySite("index", i))
			if vi, ok := i.(*dsl.VectorIndex); ok {
				l.resolveEmbeddingModel(app, &vi.EmbeddingModel, entitySite("index", vi))
			}
		})
}

func (l *linker) resolveFlowRef(app *dsl.Application, ref *dsl.Ref, at site) {
	if ref.IsZero() {
		l.diags.Add(errdefs.Linkf("%s: missing flow reference", at.desc).
			WithReason(errdefs.ReasonRefUnresolved).
			WithPos(at.pos))
		return
	}
	l.bind(ref, KindFlow, at, "flow",
		func(raw map[string]any, pos errdefs.Position) (dsl.Entity, error) {
			return dsl.DecodeFlow(raw, pos)
		},
		func(e dsl.Entity) {
			f := e.(*dsl.Flow)
			app.Flows = append(app.Flows, f)
			l.resolveFlow(app, f)
		})
}
