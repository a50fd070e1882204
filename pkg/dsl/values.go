package dsl

import (
	"fmt"
	"reflect"
	"time"
)

// TypeTable resolves custom type ids during value validation and semantic
// checking. It always contains the built-in domain types.
type TypeTable map[string]*TypeDef

// BuildTypeTable combines the built-in domain types with the document's
// custom definitions. Redeclaring a built-in or repeating an id is an error.
func BuildTypeTable(defs []*TypeDef) (TypeTable, error) {
	table := make(TypeTable, len(defs)+len(builtinTypes))
	for _, def := range builtinTypes {
		table[def.ID] = def
	}
	for _, def := range defs {
		if existing, ok := table[def.ID]; ok {
			if isBuiltinType(existing.ID) {
				return nil, fmt.Errorf("custom type '%s' redeclares a built-in type", def.ID)
			}
			return nil, fmt.Errorf("custom type '%s' declared twice", def.ID)
		}
		table[def.ID] = def
	}
	return table, nil
}

// Lookup resolves a custom type id, falling back to the built-ins when the
// table itself is nil.
func (t TypeTable) Lookup(id string) (*TypeDef, bool) {
	if t != nil {
		def, ok := t[id]
		return def, ok
	}
	for _, def := range builtinTypes {
		if def.ID == id {
			return def, true
		}
	}
	return nil, false
}

// ValidateValue checks that a runtime value inhabits the referenced type.
// Values follow the document value model: strings, integers, floats, bools,
// byte slices, time.Time, []any, map[string]any, and the built-in domain
// structs.
func ValidateValue(v any, ref TypeRef, table TypeTable) error {
	if v == nil {
		if ref.IsOptional() {
			return nil
		}
		return fmt.Errorf("missing value for non-optional type %s", ref)
	}

	switch ref.Kind() {
	case KindAny:
		return nil

	case KindText, KindThinking:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected %s, got %T", ref.Kind(), v)
		}

	case KindInt:
		if !isIntegral(v) {
			return fmt.Errorf("expected int, got %T", v)
		}

	case KindFloat:
		if !isNumeric(v) {
			return fmt.Errorf("expected float, got %T", v)
		}

	case KindBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}

	case KindBytes:
		if _, ok := v.([]byte); !ok {
			return fmt.Errorf("expected bytes, got %T", v)
		}

	case KindDate, KindTime, KindDatetime:
		return validateTemporal(v, ref.Kind())

	case KindFile, KindImage, KindAudio, KindVideo:
		switch v.(type) {
		case string, []byte:
		default:
			return fmt.Errorf("expected a path, URI, or raw bytes for %s, got %T", ref.Kind(), v)
		}

	case KindCitationDocument, KindCitationURL:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected a structured citation for %s, got %T", ref.Kind(), v)
		}

	case KindList:
		return validateList(v, *ref.Elem(), table)

	case KindCustom:
		return validateCustom(v, ref.CustomID(), table)

	default:
		return fmt.Errorf("unknown type kind %q", ref.Kind())
	}
	return nil
}

func isIntegral(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float32, float64:
		return true
	}
	return isIntegral(v)
}

func validateTemporal(v any, k Kind) error {
	switch t := v.(type) {
	case time.Time:
		return nil
	case string:
		for _, layout := range temporalLayouts(k) {
			if _, err := time.Parse(layout, t); err == nil {
				return nil
			}
		}
		return fmt.Errorf("%q is not a valid %s", t, k)
	default:
		return fmt.Errorf("expected %s, got %T", k, v)
	}
}

func temporalLayouts(k Kind) []string {
	switch k {
	case KindDate:
		return []string{time.DateOnly}
	case KindTime:
		return []string{time.TimeOnly, "15:04"}
	default:
		return []string{time.RFC3339, time.RFC3339Nano, time.DateTime}
	}
}

func validateList(v any, elem TypeRef, table TypeTable) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("expected a list, got %T", v)
	}
	for i := 0; i < rv.Len(); i++ {
		if err := ValidateValue(rv.Index(i).Interface(), elem, table); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

func validateCustom(v any, id string, table TypeTable) error {
	// Domain structs inhabit their own type without a field walk.
	if accepts, ok := builtinGoValues[id]; ok && accepts(v) {
		return nil
	}

	def, ok := table.Lookup(id)
	if !ok {
		return fmt.Errorf("unknown custom type '%s'", id)
	}

	if !def.IsObject() {
		return validateList(v, *def.Element, table)
	}

	fields, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("expected an object of type %s, got %T", id, v)
	}
	// Extra keys are allowed; consumers only depend on the declared fields.
	for _, f := range def.Fields {
		value, present := fields[f.Name]
		if !present {
			if f.Type.IsOptional() {
				continue
			}
			return fmt.Errorf("%s is missing required field '%s'", id, f.Name)
		}
		if err := ValidateValue(value, f.Type, table); err != nil {
			return fmt.Errorf("%s.%s: %w", id, f.Name, err)
		}
	}
	return nil
}
