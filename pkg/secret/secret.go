// Package secret carries credential values through the document model
// without exposing them. A Value is either a literal or a named reference
// resolved lazily, at client-construction time, through a Resolver.
package secret

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Value holds a credential. The zero Value is empty.
type Value struct {
	literal string
	ref     string
	key     string
}

// FromLiteral wraps an inline credential string.
func FromLiteral(s string) Value { return Value{literal: s} }

// FromRef names a secret to be resolved at runtime. A non-empty key selects
// one field when the stored secret is a JSON object.
func FromRef(name, key string) Value { return Value{ref: name, key: key} }

func (v Value) IsZero() bool { return v.literal == "" && v.ref == "" }

// IsRef reports whether the value must go through a Resolver.
func (v Value) IsRef() bool { return v.ref != "" }

// Ref returns the reference name, or "" for literals.
func (v Value) Ref() string { return v.ref }

// Key returns the field selector for JSON-object secrets, or "".
func (v Value) Key() string { return v.key }

// Resolve produces the plaintext credential. Literals return as-is; refs go
// through the resolver.
func (v Value) Resolve(ctx context.Context, r Resolver) (string, error) {
	if v.ref == "" {
		return v.literal, nil
	}
	if r == nil {
		return "", fmt.Errorf("secret '%s' referenced but no resolver configured", v.ref)
	}
	resolved, err := r.Resolve(ctx, v.ref)
	if err != nil {
		return "", fmt.Errorf("resolving secret '%s': %w", v.ref, err)
	}
	if v.key == "" {
		return resolved, nil
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(resolved), &fields); err != nil {
		return "", fmt.Errorf("secret '%s' is not a JSON object but key '%s' was requested: %w", v.ref, v.key, err)
	}
	field, ok := fields[v.key]
	if !ok {
		return "", fmt.Errorf("secret '%s' has no key '%s'", v.ref, v.key)
	}
	return field, nil
}

// String masks the credential so accidental logging never leaks it.
func (v Value) String() string {
	if v.IsZero() {
		return ""
	}
	if v.ref != "" {
		return fmt.Sprintf("secret(%s)", v.ref)
	}
	return "***"
}

// MarshalJSON keeps secrets out of serialized output.
func (v Value) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", v.String())), nil
}

// Resolver turns a secret name into its plaintext value.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// EnvResolver resolves secret names against process environment variables.
type EnvResolver struct{}

func (EnvResolver) Resolve(_ context.Context, name string) (string, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable '%s' not set", name)
	}
	return value, nil
}

// StaticResolver serves secrets from a fixed map. Intended for tests.
type StaticResolver map[string]string

func (r StaticResolver) Resolve(_ context.Context, name string) (string, error) {
	value, ok := r[name]
	if !ok {
		return "", fmt.Errorf("secret '%s' not found", name)
	}
	return value, nil
}
