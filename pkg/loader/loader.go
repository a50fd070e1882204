package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/qtype-ai/qtype/pkg/errdefs"
)

const (
	tagInclude    = "!include"
	tagIncludeRaw = "!include_raw"
)

// Document is a loaded YAML tree with includes spliced in, environment
// variables substituted, and every node traceable to its source file.
type Document struct {
	// Root is the top-level content node (usually a mapping).
	Root *yaml.Node

	// Key is the root document's key or file path.
	Key string

	// files maps nodes that came from included documents to their origin.
	// Nodes absent from the map belong to the root document.
	files map[*yaml.Node]string
}

// File returns the origin file of a node.
func (d *Document) File(node *yaml.Node) string {
	if file, ok := d.files[node]; ok {
		return file
	}
	return d.Key
}

// Pos returns the source position of a node.
func (d *Document) Pos(node *yaml.Node) errdefs.Position {
	return errdefs.Position{File: d.File(node), Line: node.Line, Col: node.Column}
}

// Loader loads and watches documents from a Provider.
type Loader struct {
	provider Provider
	onChange func(*Document)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange sets a callback invoked when a watched document changes.
func WithOnChange(fn func(*Document)) LoaderOption {
	return func(l *Loader) {
		l.onChange = fn
	}
}

// NewLoader creates a Loader with the given provider.
func NewLoader(p Provider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the document at key and resolves it into a Document tree:
// include directives are spliced in (recursively, relative to the including
// document), and ${VAR} / ${VAR:-default} references in scalar values are
// substituted from the environment. A ${VAR} without default that names an
// unset variable is a load error. Raw includes are inserted verbatim.
func (l *Loader) Load(ctx context.Context, key string) (*Document, error) {
	rootKey, err := l.provider.Resolve("", key)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.CodeLoader, err, "failed to resolve document key %s", key)
	}

	doc := &Document{Key: rootKey, files: make(map[*yaml.Node]string)}
	root, err := l.loadTree(ctx, rootKey, []string{rootKey}, doc)
	if err != nil {
		return nil, err
	}
	doc.Root = root
	return doc, nil
}

// Watch reloads the document whenever the provider signals a change and
// invokes the onChange callback. Blocks until ctx is cancelled.
func (l *Loader) Watch(ctx context.Context, key string) error {
	changes, err := l.provider.Watch(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to start watching: %w", err)
	}

	if changes == nil {
		slog.Info("Document watching not supported by provider", "type", l.provider.Type())
		<-ctx.Done()
		return ctx.Err()
	}

	slog.Info("Started watching for document changes", "type", l.provider.Type(), "key", key)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}

			doc, err := l.Load(ctx, key)
			if err != nil {
				slog.Error("Failed to reload document", "error", err)
				continue
			}

			slog.Info("Document reloaded", "key", key)
			if l.onChange != nil {
				l.onChange(doc)
			}
		}
	}
}

// Close releases resources held by the loader.
func (l *Loader) Close() error {
	return l.provider.Close()
}

// Provider returns the underlying provider.
func (l *Loader) Provider() Provider {
	return l.provider
}

func (l *Loader) loadTree(ctx context.Context, key string, stack []string, doc *Document) (*yaml.Node, error) {
	data, err := l.provider.Load(ctx, key)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.CodeLoader, err, "failed to load document %s", key)
	}

	var parsed yaml.Node
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, errdefs.Wrapf(errdefs.CodeLoader, err, "failed to parse document %s", key)
	}
	if parsed.Kind != yaml.DocumentNode || len(parsed.Content) == 0 {
		return nil, errdefs.Loaderf("document %s is empty", key)
	}

	root := parsed.Content[0]
	if err := l.process(ctx, root, key, stack, doc); err != nil {
		return nil, err
	}
	return root, nil
}

// process rewrites a subtree in place: include tags splice in other
// documents, string scalars get environment substitution, and nodes from
// included files are recorded in the document's source map.
func (l *Loader) process(ctx context.Context, node *yaml.Node, file string, stack []string, doc *Document) error {
	if file != doc.Key {
		doc.files[node] = file
	}

	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case tagInclude:
			return l.splice(ctx, node, file, stack, doc)

		case tagIncludeRaw:
			target, err := l.provider.Resolve(file, node.Value)
			if err != nil {
				return errdefs.Wrapf(errdefs.CodeLoader, err, "failed to resolve include %s", node.Value).WithPos(doc.Pos(node))
			}
			data, err := l.provider.Load(ctx, target)
			if err != nil {
				return errdefs.Wrapf(errdefs.CodeLoader, err, "failed to load raw include %s", target).WithPos(doc.Pos(node))
			}
			// Keep the directive's position so diagnostics point at the
			// include site.
			node.Tag = "!!str"
			node.Value = string(data)
			node.Style = yaml.LiteralStyle
			return nil

		default:
			if node.Tag != "!!str" {
				return nil
			}
			expanded, err := expandEnv(node.Value)
			if err != nil {
				return errdefs.Wrapf(errdefs.CodeLoader, err, "in document %s", file).
					WithReason(errdefs.ReasonEnvVarUnresolved).
					WithPos(doc.Pos(node))
			}
			node.Value = expanded
			return nil
		}

	case yaml.MappingNode:
		// Keys stay untouched: identifiers are not subject to env
		// substitution and includes only appear in value position.
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if file != doc.Key {
				doc.files[key] = file
			}
			if err := l.process(ctx, value, file, stack, doc); err != nil {
				return err
			}
		}
		return nil

	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := l.process(ctx, child, file, stack, doc); err != nil {
				return err
			}
		}
		return nil

	default:
		// Alias nodes resolve through their anchor, which is processed
		// where it is defined.
		return nil
	}
}

func (l *Loader) splice(ctx context.Context, node *yaml.Node, file string, stack []string, doc *Document) error {
	target, err := l.provider.Resolve(file, node.Value)
	if err != nil {
		return errdefs.Wrapf(errdefs.CodeLoader, err, "failed to resolve include %s", node.Value).WithPos(doc.Pos(node))
	}

	if slices.Contains(stack, target) {
		return errdefs.Loaderf("include cycle detected: %s", strings.Join(append(stack, target), " -> ")).
			WithReason(errdefs.ReasonIncludeCycle).
			WithPos(doc.Pos(node))
	}

	sub, err := l.loadTree(ctx, target, append(stack, target), doc)
	if err != nil {
		// Failures inside the included file carry their own position;
		// everything else points at the include site.
		var e *errdefs.Error
		if errdefs.PosOf(err) == nil && errors.As(err, &e) {
			return e.WithPos(doc.Pos(node))
		}
		return err
	}

	*node = *sub
	doc.files[node] = target
	return nil
}
