package dsl

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/qtype-ai/qtype/pkg/errdefs"
)

// Kind is the atom of the type system: a primitive value kind or one of the
// structural kinds (list, custom).
type Kind string

const (
	KindText             Kind = "text"
	KindInt              Kind = "int"
	KindFloat            Kind = "float"
	KindBoolean          Kind = "boolean"
	KindBytes            Kind = "bytes"
	KindDate             Kind = "date"
	KindTime             Kind = "time"
	KindDatetime         Kind = "datetime"
	KindFile             Kind = "file"
	KindImage            Kind = "image"
	KindAudio            Kind = "audio"
	KindVideo            Kind = "video"
	KindThinking         Kind = "thinking"
	KindCitationDocument Kind = "citation_document"
	KindCitationURL      Kind = "citation_url"

	// KindList and KindCustom are structural; they never appear alone in a
	// document, only through the list[T] and custom-id reference forms.
	KindList   Kind = "list"
	KindCustom Kind = "custom"

	// KindAny is internal. Built-in domain types use it for slots whose
	// value shape depends on a sibling field; documents cannot declare it.
	KindAny Kind = "any"
)

var primitiveKinds = map[Kind]bool{
	KindText:             true,
	KindInt:              true,
	KindFloat:            true,
	KindBoolean:          true,
	KindBytes:            true,
	KindDate:             true,
	KindTime:             true,
	KindDatetime:         true,
	KindFile:             true,
	KindImage:            true,
	KindAudio:            true,
	KindVideo:            true,
	KindThinking:         true,
	KindCitationDocument: true,
	KindCitationURL:      true,
}

// IsPrimitive reports whether k is one of the declarable primitive kinds.
func (k Kind) IsPrimitive() bool { return primitiveKinds[k] }

// TypeRef names the type of a variable, field, or value. Documents write it
// as a single string: a primitive name, a custom type id, list[T], or T?.
type TypeRef struct {
	kind     Kind
	custom   string
	elem     *TypeRef
	optional bool
}

// PrimitiveRef builds a reference to a primitive kind.
func PrimitiveRef(k Kind) TypeRef { return TypeRef{kind: k} }

// CustomRef builds a reference to a custom type by id.
func CustomRef(id string) TypeRef { return TypeRef{kind: KindCustom, custom: id} }

// ListRef builds a reference to a list of elem.
func ListRef(elem TypeRef) TypeRef { return TypeRef{kind: KindList, elem: &elem} }

func anyRef() TypeRef { return TypeRef{kind: KindAny} }

// Optional returns a copy of t that also admits a missing value.
func (t TypeRef) Optional() TypeRef {
	t.optional = true
	return t
}

// Required returns a copy of t without the optional marker.
func (t TypeRef) Required() TypeRef {
	t.optional = false
	return t
}

func (t TypeRef) Kind() Kind        { return t.kind }
func (t TypeRef) IsOptional() bool  { return t.optional }
func (t TypeRef) IsZero() bool      { return t.kind == "" }
func (t TypeRef) IsList() bool      { return t.kind == KindList }
func (t TypeRef) IsCustom() bool    { return t.kind == KindCustom }
func (t TypeRef) CustomID() string  { return t.custom }

// Elem returns the element type of a list reference, or nil.
func (t TypeRef) Elem() *TypeRef { return t.elem }

// String reconstructs the document form of the reference.
func (t TypeRef) String() string {
	var s string
	switch t.kind {
	case "":
		return ""
	case KindList:
		s = fmt.Sprintf("list[%s]", t.elem.String())
	case KindCustom:
		s = t.custom
	default:
		s = string(t.kind)
	}
	if t.optional {
		s += "?"
	}
	return s
}

// Equal reports structural equality, including optionality.
func (t TypeRef) Equal(o TypeRef) bool {
	if t.kind != o.kind || t.custom != o.custom || t.optional != o.optional {
		return false
	}
	if t.elem == nil || o.elem == nil {
		return t.elem == o.elem
	}
	return t.elem.Equal(*o.elem)
}

var customTypeID = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// ParseTypeRef parses the string form of a type reference: a primitive name
// such as text, a custom type id such as Person, list[T], or any of those
// with a trailing ? for optional.
func ParseTypeRef(s string) (TypeRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TypeRef{}, fmt.Errorf("empty type reference")
	}

	if inner, ok := strings.CutSuffix(s, "?"); ok {
		ref, err := ParseTypeRef(inner)
		if err != nil {
			return TypeRef{}, err
		}
		if ref.optional {
			return TypeRef{}, fmt.Errorf("type reference '%s' is doubly optional", s)
		}
		return ref.Optional(), nil
	}

	if inner, ok := strings.CutPrefix(s, "list["); ok {
		inner, closed := strings.CutSuffix(inner, "]")
		if !closed {
			return TypeRef{}, fmt.Errorf("type reference '%s' has an unterminated list", s)
		}
		elem, err := ParseTypeRef(inner)
		if err != nil {
			return TypeRef{}, fmt.Errorf("in element of '%s': %w", s, err)
		}
		return ListRef(elem), nil
	}

	if k := Kind(s); k.IsPrimitive() {
		return PrimitiveRef(k), nil
	}

	if !customTypeID.MatchString(s) {
		return TypeRef{}, fmt.Errorf("invalid type reference '%s'", s)
	}
	return CustomRef(s), nil
}

// MustTypeRef parses a type reference and panics on error. For tables of
// built-in definitions only.
func MustTypeRef(s string) TypeRef {
	ref, err := ParseTypeRef(s)
	if err != nil {
		panic(err)
	}
	return ref
}

// TypeDef declares a custom type: an object with ordered fields, or an array
// alias of an element type. Exactly one of Fields and Element is set.
type TypeDef struct {
	ID          string
	Description string
	Fields      []*FieldDef
	Element     *TypeRef

	entityPos
}

// FieldDef is one named, typed slot of an object type.
type FieldDef struct {
	Name string
	Type TypeRef
}

func (t *TypeDef) EntityID() string { return t.ID }

// IsObject reports whether the definition is an object type.
func (t *TypeDef) IsObject() bool { return t.Element == nil }

// Field looks up an object field by name.
func (t *TypeDef) Field(name string) (*FieldDef, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

func (t *TypeDef) SetDefaults() {}

func (t *TypeDef) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("custom type is missing an id")
	}
	if len(t.Fields) > 0 && t.Element != nil {
		return fmt.Errorf("custom type '%s' declares both properties and element", t.ID)
	}
	if len(t.Fields) == 0 && t.Element == nil {
		return fmt.Errorf("custom type '%s' declares neither properties nor element", t.ID)
	}
	seen := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if f.Name == "" {
			return fmt.Errorf("custom type '%s' has a field without a name", t.ID)
		}
		if seen[f.Name] {
			return fmt.Errorf("custom type '%s' declares field '%s' twice", t.ID, f.Name)
		}
		seen[f.Name] = true
		if f.Type.IsZero() {
			return fmt.Errorf("custom type '%s' field '%s' is missing a type", t.ID, f.Name)
		}
	}
	if t.Element != nil && t.Element.IsZero() {
		return fmt.Errorf("custom type '%s' has an empty element type", t.ID)
	}
	return nil
}

// entityPos carries the source position every parsed entity records. It is
// embedded rather than repeated so mapstructure and JSON marshalling skip it.
type entityPos struct {
	pos errdefs.Position
}

func (e *entityPos) Pos() errdefs.Position     { return e.pos }
func (e *entityPos) setPos(p errdefs.Position) { e.pos = p }
