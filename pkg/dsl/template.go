package dsl

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TemplatePlaceholders extracts the placeholder names of a prompt template,
// deduplicated, in order of first appearance. Placeholders use {name}
// syntax; {{ and }} escape literal braces.
func TemplatePlaceholders(template string) ([]string, error) {
	var names []string
	seen := make(map[string]bool)

	err := scanTemplate(template, func(literal string) {}, func(name string) error {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// RenderTemplate substitutes variable values into a template. Every
// placeholder must have a value.
func RenderTemplate(template string, vars map[string]any) (string, error) {
	var b strings.Builder

	err := scanTemplate(template, func(literal string) {
		b.WriteString(literal)
	}, func(name string) error {
		value, ok := vars[name]
		if !ok {
			return fmt.Errorf("template references undefined variable '%s'", name)
		}
		b.WriteString(formatTemplateValue(value))
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

func scanTemplate(template string, literal func(string), placeholder func(string) error) error {
	for i := 0; i < len(template); {
		switch template[i] {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				literal("{")
				i += 2
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return fmt.Errorf("unterminated placeholder at offset %d", i)
			}
			name := strings.TrimSpace(template[i+1 : i+1+end])
			if name == "" || strings.ContainsAny(name, "{}") {
				return fmt.Errorf("invalid placeholder '{%s}'", template[i+1:i+1+end])
			}
			if err := placeholder(name); err != nil {
				return err
			}
			i += end + 2
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				literal("}")
				i += 2
				continue
			}
			return fmt.Errorf("unmatched '}' at offset %d", i)
		default:
			next := strings.IndexAny(template[i:], "{}")
			if next < 0 {
				literal(template[i:])
				return nil
			}
			literal(template[i : i+next])
			i += next
		}
	}
	return nil
}

func formatTemplateValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case []byte:
		return string(value)
	case ChatMessage:
		return value.Text()
	case *ChatMessage:
		return value.Text()
	case nil:
		return ""
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(value)
	default:
		if data, err := json.Marshal(value); err == nil {
			return string(data)
		}
		return fmt.Sprint(value)
	}
}
