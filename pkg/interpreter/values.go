package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/ir"
)

// requireVar fetches a step input from the message, failing the message
// when a required binding is absent.
func requireVar(msg *FlowMessage, stepID string, v *ir.Variable) (any, bool, error) {
	val, ok := msg.Var(v.ID())
	if !ok {
		if v.Optional() {
			return nil, false, nil
		}
		return nil, false, errdefs.Failuref("step '%s': variable '%s' missing from message", stepID, v.ID())
	}
	return val, true, nil
}

// formatValue renders a value as text for prompts and tool transcripts.
func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case dsl.ChatMessage:
		return t.Text()
	case *dsl.ChatMessage:
		return t.Text()
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

// equalValues compares two runtime values, treating all numeric types as
// one domain so a document literal matches a decoded number.
func equalValues(a, b any) bool {
	if an, aok := asFloat(a); aok {
		if bn, bok := asFloat(b); bok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func isChatMessageType(t dsl.TypeRef) bool {
	t = t.Required()
	return t.IsCustom() && t.CustomID() == "ChatMessage"
}

// coerceScalar parses a raw text field into the declared primitive type.
func coerceScalar(raw string, t dsl.TypeRef) (any, error) {
	switch t.Required().Kind() {
	case dsl.KindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not an int", raw)
		}
		return n, nil
	case dsl.KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a float", raw)
		}
		return f, nil
	case dsl.KindBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", raw)
		}
		return b, nil
	case dsl.KindBytes:
		return []byte(raw), nil
	default:
		return raw, nil
	}
}

// coerceToType reshapes decoded JSON values toward the declared type:
// whole floats become ints where an int is expected, recursing through
// lists and object fields. Values it cannot reshape pass through for the
// validator to judge.
func coerceToType(v any, ref dsl.TypeRef, table dsl.TypeTable) any {
	if v == nil {
		return nil
	}
	switch ref.Required().Kind() {
	case dsl.KindInt:
		if f, ok := v.(float64); ok && f == float64(int(f)) {
			return int(f)
		}
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				return int(i)
			}
		}
	case dsl.KindFloat:
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				return f
			}
		}
	case dsl.KindList:
		items, ok := v.([]any)
		if !ok || ref.Elem() == nil {
			return v
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = coerceToType(item, *ref.Elem(), table)
		}
		return out
	case dsl.KindCustom:
		fields, ok := v.(map[string]any)
		if !ok {
			return v
		}
		def, found := table.Lookup(ref.Required().CustomID())
		if !found || !def.IsObject() {
			return v
		}
		out := make(map[string]any, len(fields))
		for k, fv := range fields {
			out[k] = fv
		}
		for _, f := range def.Fields {
			if fv, present := out[f.Name]; present {
				out[f.Name] = coerceToType(fv, f.Type, table)
			}
		}
		return out
	}
	return v
}

// toJSONValue normalizes a value into the plain JSON shape (maps, slices,
// strings, float64) so path evaluation sees one representation. Strings are
// parsed as JSON documents.
func toJSONValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, float64, map[string]any, []any:
		return v, nil
	case string:
		var out any
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil, fmt.Errorf("input is not structured: %w", err)
		}
		return out, nil
	case []byte:
		var out any
		if err := json.Unmarshal(t, &out); err != nil {
			return nil, fmt.Errorf("input is not structured: %w", err)
		}
		return out, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// resultsList accepts the two shapes a search result list travels in:
// the concrete slice from an index client, or generic JSON decoded along
// the way.
func resultsList(v any) ([]dsl.RAGSearchResult, bool) {
	switch t := v.(type) {
	case []dsl.RAGSearchResult:
		return t, true
	case []any:
		out := make([]dsl.RAGSearchResult, 0, len(t))
		for _, item := range t {
			r, ok := item.(dsl.RAGSearchResult)
			if !ok {
				return nil, false
			}
			out = append(out, r)
		}
		return out, true
	}
	return nil, false
}

// asTransient classifies an error from a backend that does not speak the
// error taxonomy: coded errors and context errors pass through, the rest
// count as transient so the retry policy applies.
func asTransient(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var coded *errdefs.Error
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errdefs.Wrapf(errdefs.CodeTransient, err, format, args...)
}
