package checker

import "github.com/qtype-ai/qtype/pkg/dsl"

// assignable reports whether a value of type from can flow into a slot of
// type to. The rules: identical primitives match; a non-optional T collapses
// into T?; lists match element-wise; custom object types match structurally
// (every field the consumer declares must exist on the producer with an
// assignable type, extra producer fields are fine). KindAny accepts and
// supplies anything.
func assignable(from, to dsl.TypeRef, table dsl.TypeTable) bool {
	if from.Kind() == dsl.KindAny || to.Kind() == dsl.KindAny {
		return true
	}
	// An optional producer can't satisfy a required consumer.
	if from.IsOptional() && !to.IsOptional() {
		return false
	}
	from, to = from.Required(), to.Required()

	switch {
	case from.IsList() != to.IsList():
		return false
	case from.IsList():
		return assignable(*from.Elem(), *to.Elem(), table)
	case from.IsCustom() && to.IsCustom():
		return customAssignable(from.CustomID(), to.CustomID(), table, make(map[string]bool))
	case from.IsCustom() || to.IsCustom():
		return false
	default:
		return from.Kind() == to.Kind()
	}
}

// customAssignable compares custom types structurally. The visited set breaks
// recursion for self-referential types.
func customAssignable(from, to string, table dsl.TypeTable, visited map[string]bool) bool {
	if from == to {
		return true
	}
	key := from + ">" + to
	if visited[key] {
		return true
	}
	visited[key] = true

	fromDef, ok := table.Lookup(from)
	if !ok {
		return false
	}
	toDef, ok := table.Lookup(to)
	if !ok {
		return false
	}

	// Array-typed customs match by element.
	if !fromDef.IsObject() || !toDef.IsObject() {
		if fromDef.IsObject() || toDef.IsObject() {
			return false
		}
		return assignable(*fromDef.Element, *toDef.Element, table)
	}

	for _, want := range toDef.Fields {
		got, ok := fieldOf(fromDef, want.Name)
		if !ok {
			// A missing producer field only satisfies an optional consumer field.
			if want.Type.IsOptional() {
				continue
			}
			return false
		}
		if !assignable(got.Type, want.Type, table) {
			return false
		}
	}
	return true
}

func fieldOf(def *dsl.TypeDef, name string) (*dsl.FieldDef, bool) {
	for _, f := range def.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}
