package dsl

import (
	"encoding/json"
	"fmt"
)

// Ref is a reference slot in the document model. Documents write it as a
// plain id string, an explicit {ref: id} map, or a full inline entity
// definition. The parser records the form that was used; the linker resolves
// it to a target entity, synthesizing an id for inline definitions.
type Ref struct {
	id       string
	inline   map[string]any
	linkedID string
	target   any
}

// RefTo builds a by-id reference.
func RefTo(id string) Ref { return Ref{id: id} }

// InlineRef wraps an inline entity body for the linker to materialize.
func InlineRef(body map[string]any) Ref { return Ref{inline: body} }

// IsZero reports whether the slot was left empty in the document.
func (r Ref) IsZero() bool { return r.id == "" && r.inline == nil }

// IsInline reports whether the slot embeds an entity definition.
func (r Ref) IsInline() bool { return r.inline != nil }

// ID returns the referenced id as written, or "" for inline definitions.
func (r Ref) ID() string { return r.id }

// Inline returns the raw inline body, or nil.
func (r Ref) Inline() map[string]any { return r.inline }

// Resolve records the linked target and its final id. Inline definitions
// receive their synthesized id here.
func (r *Ref) Resolve(id string, target any) {
	r.linkedID = id
	r.target = target
}

// Target returns the linked entity, or nil before linking.
func (r Ref) Target() any { return r.target }

// LinkedID returns the id the linker bound the slot to. Before linking it
// falls back to the declared id.
func (r Ref) LinkedID() string {
	if r.linkedID != "" {
		return r.linkedID
	}
	return r.id
}

// String names the reference for diagnostics.
func (r Ref) String() string {
	switch {
	case r.linkedID != "":
		return r.linkedID
	case r.id != "":
		return r.id
	case r.inline != nil:
		return "<inline>"
	default:
		return "<empty>"
	}
}

// MarshalJSON writes the id form when available, otherwise the inline body.
func (r Ref) MarshalJSON() ([]byte, error) {
	if id := r.LinkedID(); id != "" {
		return json.Marshal(id)
	}
	if r.inline != nil {
		return json.Marshal(r.inline)
	}
	return []byte("null"), nil
}

// TargetAs asserts the linked target to a concrete entity type.
func TargetAs[T any](r Ref) (T, error) {
	target, ok := r.target.(T)
	if !ok {
		var zero T
		if r.target == nil {
			return zero, fmt.Errorf("reference '%s' is not linked", r)
		}
		return zero, fmt.Errorf("reference '%s' resolved to %T, expected %T", r, r.target, zero)
	}
	return target, nil
}
