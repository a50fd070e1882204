package rag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

// Reader produces the documents of one declared source. Implementations read
// everything in a single call; streaming happens downstream at the chunk
// level, not here.
type Reader interface {
	Read(ctx context.Context) ([]dsl.RAGDocument, error)
}

// defaultExtensions lists the file types a directory read ingests when the
// declaration does not name its own set.
var defaultExtensions = []string{".txt", ".md", ".pdf", ".docx", ".xlsx"}

// NewReader builds the reader named by a document source declaration. Two
// modules exist: "file" reads a single document and "directory" walks a tree
// reading every supported file.
func NewReader(module string, args map[string]any) (Reader, error) {
	switch module {
	case "file":
		var a fileArgs
		if err := decodeReaderArgs(args, &a); err != nil {
			return nil, fmt.Errorf("rag: reader 'file': %w", err)
		}
		if a.Path == "" {
			return nil, fmt.Errorf("rag: reader 'file' needs a path")
		}
		return &fileReader{args: a}, nil
	case "directory":
		var a directoryArgs
		if err := decodeReaderArgs(args, &a); err != nil {
			return nil, fmt.Errorf("rag: reader 'directory': %w", err)
		}
		if a.Path == "" {
			return nil, fmt.Errorf("rag: reader 'directory' needs a path")
		}
		return &directoryReader{args: a}, nil
	}
	return nil, fmt.Errorf("rag: unknown reader module '%s'", module)
}

// decodeReaderArgs maps a source's args block onto a reader config struct,
// with the same weak typing the document parser applies.
func decodeReaderArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("invalid args: %w", err)
	}
	return nil
}

type fileArgs struct {
	Path string `yaml:"path"`
}

type fileReader struct {
	args fileArgs
}

func (r *fileReader) Read(ctx context.Context) ([]dsl.RAGDocument, error) {
	content, meta, err := extract(ctx, r.args.Path)
	if err != nil {
		return nil, readError("file", r.args.Path, err)
	}
	meta["title"] = filepath.Base(r.args.Path)
	return []dsl.RAGDocument{{
		ID:       filepath.Base(r.args.Path),
		Source:   r.args.Path,
		Content:  content,
		Metadata: meta,
	}}, nil
}

type directoryArgs struct {
	Path        string   `yaml:"path"`
	Extensions  []string `yaml:"extensions"`
	Exclude     []string `yaml:"exclude"`
	MaxFileSize int64    `yaml:"max_file_size"`
}

type directoryReader struct {
	args directoryArgs
}

// Read walks the tree in lexical order, so document ids are stable across
// runs. Document ids are slash-separated paths relative to the root.
func (r *directoryReader) Read(ctx context.Context) ([]dsl.RAGDocument, error) {
	root := r.args.Path
	var docs []dsl.RAGDocument
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !r.wants(name) || r.excluded(name) {
			return nil
		}
		if r.args.MaxFileSize > 0 {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			if info.Size() > r.args.MaxFileSize {
				return nil
			}
		}
		content, meta, err := extract(ctx, path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = name
		}
		meta["title"] = name
		docs = append(docs, dsl.RAGDocument{
			ID:       filepath.ToSlash(rel),
			Source:   path,
			Content:  content,
			Metadata: meta,
		})
		return nil
	})
	if err != nil {
		return nil, readError("directory", root, err)
	}
	return docs, nil
}

// wants reports whether the file extension is in the configured set, or in
// the default set when the declaration named none.
func (r *directoryReader) wants(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	allowed := r.args.Extensions
	if len(allowed) == 0 {
		for _, want := range defaultExtensions {
			if ext == want {
				return true
			}
		}
		return false
	}
	for _, want := range allowed {
		want = strings.ToLower(want)
		if !strings.HasPrefix(want, ".") {
			want = "." + want
		}
		if ext == want {
			return true
		}
	}
	return false
}

// excluded matches the base name against the declared exclude patterns.
func (r *directoryReader) excluded(name string) bool {
	for _, pattern := range r.args.Exclude {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// readError classifies a failed read. Cancellation keeps its own code so the
// runtime never retries an aborted ingest; everything else is a message
// failure tied to the offending path.
func readError(module, path string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errdefs.Cancelledf("rag: reader '%s' cancelled", module)
	case errors.Is(err, context.DeadlineExceeded):
		return errdefs.Transientf("rag: reader '%s' timed out reading %s", module, path)
	}
	return errdefs.Wrapf(errdefs.CodeMessageFailure, err, "rag: reader '%s' failed on %s", module, path)
}
