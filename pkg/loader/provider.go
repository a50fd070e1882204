// Package loader reads application documents from a source, substitutes
// environment variables, expands include directives, and hands the parser a
// YAML tree annotated with source positions.
//
// Documents can live on the local filesystem or in a remote key-value store
// (consul, etcd, zookeeper). Include paths resolve relative to the including
// document within the same provider.
package loader

import (
	"context"
	"fmt"
)

// Type identifies the document source type.
type Type string

const (
	TypeFile      Type = "file"
	TypeConsul    Type = "consul"
	TypeEtcd      Type = "etcd"
	TypeZookeeper Type = "zookeeper"
)

// ParseType converts a string to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "file", "":
		return TypeFile, nil
	case "consul":
		return TypeConsul, nil
	case "etcd":
		return TypeEtcd, nil
	case "zookeeper", "zk":
		return TypeZookeeper, nil
	default:
		return "", fmt.Errorf("unknown provider type: %s", s)
	}
}

// Provider abstracts document sources.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Type returns the provider type for logging/debugging.
	Type() Type

	// Load reads raw document bytes at the given key (file path or KV key).
	Load(ctx context.Context, key string) ([]byte, error)

	// Resolve turns an include reference into a loadable key, relative to
	// the document that contains the reference.
	Resolve(base, ref string) (string, error)

	// Watch signals on the returned channel when the document at key
	// changes. Cancel the context to stop watching. Returns a nil channel
	// if watching is not supported.
	Watch(ctx context.Context, key string) (<-chan struct{}, error)

	// Close releases any resources held by the provider.
	Close() error
}

// Config configures provider creation.
type Config struct {
	// Type specifies the provider type (file, consul, etcd, zookeeper).
	Type Type

	// Endpoints for remote providers.
	Endpoints []string
}

// NewProvider creates a Provider based on Config.
func NewProvider(opts Config) (Provider, error) {
	switch opts.Type {
	case TypeFile, "":
		return NewFileProvider(), nil
	case TypeConsul:
		return NewConsulProvider(opts.Endpoints)
	case TypeEtcd:
		return NewEtcdProvider(opts.Endpoints)
	case TypeZookeeper:
		return NewZookeeperProvider(opts.Endpoints)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", opts.Type)
	}
}
