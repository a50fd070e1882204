package interpreter

import (
	"fmt"
	"strconv"
	"strings"
)

// The extractor speaks a deliberate subset of JSONPath: an optional $ root,
// dot fields, bracket indexes, bracket-quoted keys, and an equality filter
// [?(@.field == literal)]. A field or index applied to a list projects over
// its elements, so a filter can be followed by a field selection.

type pathStep interface {
	apply(v any) (any, error)
}

type fieldStep struct{ name string }

func (s fieldStep) apply(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out, ok := t[s.name]
		if !ok {
			return nil, fmt.Errorf("field '%s' not found", s.name)
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if value, found := obj[s.name]; found {
				out = append(out, value)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot select field '%s' from %T", s.name, v)
	}
}

type indexStep struct{ idx int }

func (s indexStep) apply(v any) (any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cannot index into %T", v)
	}
	if s.idx < 0 || s.idx >= len(items) {
		return nil, fmt.Errorf("index %d out of range (len %d)", s.idx, len(items))
	}
	return items[s.idx], nil
}

type filterStep struct {
	field string
	want  any
}

func (s filterStep) apply(v any) (any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cannot filter %T", v)
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if equalValues(obj[s.field], s.want) {
			out = append(out, item)
		}
	}
	return out, nil
}

func parsePath(expr string) ([]pathStep, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("empty path")
	}
	s = strings.TrimPrefix(s, "$")
	var steps []pathStep
	// A rootless path may open with a bare field name: "user.age".
	if len(s) > 0 && s[0] != '.' && s[0] != '[' {
		end := 0
		for end < len(s) && s[end] != '.' && s[end] != '[' {
			end++
		}
		steps = append(steps, fieldStep{name: s[:end]})
		s = s[end:]
	}
	for len(s) > 0 {
		switch s[0] {
		case '.':
			s = s[1:]
			end := 0
			for end < len(s) && s[end] != '.' && s[end] != '[' {
				end++
			}
			if end == 0 {
				return nil, fmt.Errorf("empty field name in %q", expr)
			}
			steps = append(steps, fieldStep{name: s[:end]})
			s = s[end:]
		case '[':
			end := strings.IndexByte(s, ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated bracket in %q", expr)
			}
			step, err := parseBracket(strings.TrimSpace(s[1:end]))
			if err != nil {
				return nil, fmt.Errorf("%w in %q", err, expr)
			}
			steps = append(steps, step)
			s = s[end+1:]
		default:
			return nil, fmt.Errorf("unexpected %q in %q", s[0], expr)
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("path %q selects nothing", expr)
	}
	return steps, nil
}

func parseBracket(inner string) (pathStep, error) {
	if inner == "" {
		return nil, fmt.Errorf("empty bracket")
	}
	if inner[0] == '?' {
		return parseFilter(inner)
	}
	if inner[0] == '\'' || inner[0] == '"' {
		key, err := unquote(inner)
		if err != nil {
			return nil, err
		}
		return fieldStep{name: key}, nil
	}
	idx, err := strconv.Atoi(inner)
	if err != nil {
		return nil, fmt.Errorf("invalid index %q", inner)
	}
	return indexStep{idx: idx}, nil
}

func parseFilter(inner string) (pathStep, error) {
	body := strings.TrimPrefix(inner, "?")
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "(") || !strings.HasSuffix(body, ")") {
		return nil, fmt.Errorf("filter must look like ?(@.field == literal)")
	}
	body = strings.TrimSpace(body[1 : len(body)-1])
	left, right, found := strings.Cut(body, "==")
	if !found {
		return nil, fmt.Errorf("filter supports only ==")
	}
	left = strings.TrimSpace(left)
	if !strings.HasPrefix(left, "@.") {
		return nil, fmt.Errorf("filter field must start with @.")
	}
	field := strings.TrimPrefix(left, "@.")
	if field == "" {
		return nil, fmt.Errorf("filter field is empty")
	}
	want, err := parseLiteral(strings.TrimSpace(right))
	if err != nil {
		return nil, err
	}
	return filterStep{field: field, want: want}, nil
}

func parseLiteral(s string) (any, error) {
	switch {
	case s == "":
		return nil, fmt.Errorf("filter literal is empty")
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case s == "null":
		return nil, nil
	case s[0] == '\'' || s[0] == '"':
		return unquote(s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid filter literal %q", s)
	}
	return f, nil
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != s[len(s)-1] {
		return "", fmt.Errorf("unbalanced quotes in %q", s)
	}
	return s[1 : len(s)-1], nil
}

func evalPath(steps []pathStep, v any) (any, error) {
	var err error
	for _, step := range steps {
		v, err = step.apply(v)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}
