package runtime

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/qtype-ai/qtype/pkg/auth"
	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/index"
	"github.com/qtype-ai/qtype/pkg/ir"
	"github.com/qtype-ai/qtype/pkg/model"
	"github.com/qtype-ai/qtype/pkg/secret"
	"github.com/qtype-ai/qtype/pkg/tool"
)

// clientCache builds backend clients on first use and keeps them until they
// sit idle past the TTL. Executors resolve clients at pipeline build time,
// so a warm cache makes repeated runs cheap while a quiet deployment drops
// its connections.
type clientCache struct {
	app       *ir.App
	resolver  secret.Resolver
	functions *tool.Functions
	timeout   time.Duration
	log       *slog.Logger

	generators *bucket[model.Generator]
	embedders  *bucket[model.Embedder]
	tools      *bucket[tool.Tool]
	vectors    *bucket[index.VectorIndex]
	docs       *bucket[index.DocumentIndex]
}

func newClientCache(app *ir.App, resolver secret.Resolver, functions *tool.Functions, ttl, timeout time.Duration, log *slog.Logger) *clientCache {
	return &clientCache{
		app:        app,
		resolver:   resolver,
		functions:  functions,
		timeout:    timeout,
		log:        log,
		generators: newBucket[model.Generator](ttl, log),
		embedders:  newBucket[model.Embedder](ttl, log),
		tools:      newBucket[tool.Tool](ttl, log),
		vectors:    newBucket[index.VectorIndex](ttl, log),
		docs:       newBucket[index.DocumentIndex](ttl, log),
	}
}

func (c *clientCache) Generator(ctx context.Context, modelID string) (model.Generator, error) {
	return c.generators.get(ctx, modelID, func(ctx context.Context) (model.Generator, error) {
		def, ok := c.app.Model(modelID)
		if !ok {
			return nil, errdefs.Fatalf("unknown model '%s'", modelID)
		}
		key, err := c.apiKey(ctx, def.Auth, def.Provider)
		if err != nil {
			return nil, err
		}
		return model.New(def, model.Options{APIKey: key, Timeout: c.timeout})
	})
}

func (c *clientCache) Embedder(ctx context.Context, modelID string) (model.Embedder, error) {
	return c.embedders.get(ctx, modelID, func(ctx context.Context) (model.Embedder, error) {
		def, ok := c.app.EmbeddingModel(modelID)
		if !ok {
			return nil, errdefs.Fatalf("unknown embedding model '%s'", modelID)
		}
		key, err := c.apiKey(ctx, def.Auth, def.Provider)
		if err != nil {
			return nil, err
		}
		return model.NewEmbedder(def, model.Options{APIKey: key, Timeout: c.timeout})
	})
}

func (c *clientCache) Tool(ctx context.Context, toolID string) (tool.Tool, error) {
	return c.tools.get(ctx, toolID, func(ctx context.Context) (tool.Tool, error) {
		def, ok := c.app.Tool(toolID)
		if !ok {
			return nil, errdefs.Fatalf("unknown tool '%s'", toolID)
		}
		opts := tool.Options{Functions: c.functions, Types: c.app.Types(), Timeout: c.timeout}
		if ref := toolAuth(def); !ref.IsZero() {
			cred, err := auth.New(ctx, ref.Target().(dsl.AuthDef), c.resolver)
			if err != nil {
				return nil, err
			}
			opts.Auth = cred
		}
		return tool.New(def, opts)
	})
}

func (c *clientCache) VectorIndex(ctx context.Context, indexID string) (index.VectorIndex, error) {
	return c.vectors.get(ctx, indexID, func(ctx context.Context) (index.VectorIndex, error) {
		def, ok := c.app.Index(indexID)
		if !ok {
			return nil, errdefs.Fatalf("unknown index '%s'", indexID)
		}
		vi, ok := def.(*dsl.VectorIndex)
		if !ok {
			return nil, errdefs.Fatalf("'%s' is not a vector index", indexID)
		}
		key, err := c.apiKey(ctx, vi.Meta().Auth, vi.Provider)
		if err != nil {
			return nil, err
		}
		opts := index.Options{APIKey: key}
		if em, err := dsl.TargetAs[*dsl.EmbeddingModel](vi.EmbeddingModel); err == nil {
			opts.Dimensions = em.Dimensions
		}
		return index.NewVector(vi, opts)
	})
}

func (c *clientCache) DocumentIndex(ctx context.Context, indexID string) (index.DocumentIndex, error) {
	return c.docs.get(ctx, indexID, func(ctx context.Context) (index.DocumentIndex, error) {
		def, ok := c.app.Index(indexID)
		if !ok {
			return nil, errdefs.Fatalf("unknown index '%s'", indexID)
		}
		di, ok := def.(*dsl.DocumentIndex)
		if !ok {
			return nil, errdefs.Fatalf("'%s' is not a document index", indexID)
		}
		return index.NewDocument(di, index.Options{})
	})
}

func (c *clientCache) close() error {
	c.generators.closeAll()
	c.embedders.closeAll()
	c.tools.closeAll()
	c.vectors.closeAll()
	c.docs.closeAll()
	return nil
}

// apiKey resolves the credential for a backend: the declared auth entity
// first, the provider's conventional environment variable as a fallback.
func (c *clientCache) apiKey(ctx context.Context, ref dsl.Ref, provider string) (string, error) {
	if !ref.IsZero() {
		switch a := ref.Target().(type) {
		case *dsl.APIKeyAuth:
			return a.APIKey.Resolve(ctx, c.resolver)
		case *dsl.BearerAuth:
			return a.Token.Resolve(ctx, c.resolver)
		case nil:
			return "", errdefs.Fatalf("auth '%s' is unresolved", ref.LinkedID())
		default:
			return "", errdefs.Fatalf("auth '%s' (%T) cannot authenticate this backend",
				ref.LinkedID(), a)
		}
	}
	if env := providerEnvKey(provider); env != "" {
		return os.Getenv(env), nil
	}
	return "", nil
}

func providerEnvKey(provider string) string {
	switch strings.ToLower(provider) {
	case "openai", "openai-compatible":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini", "google":
		return "GEMINI_API_KEY"
	case "pinecone":
		return "PINECONE_API_KEY"
	case "qdrant":
		return "QDRANT_API_KEY"
	default:
		return ""
	}
}

func toolAuth(def dsl.ToolDef) dsl.Ref {
	switch t := def.(type) {
	case *dsl.APITool:
		return t.Auth
	case *dsl.MCPTool:
		return t.Auth
	}
	return dsl.Ref{}
}

type closer interface {
	Close() error
}

type cacheEntry[T closer] struct {
	client  T
	lastUse time.Time
}

// bucket is one typed slot of the cache. Every get sweeps idle entries
// first, so a bucket needs no background janitor.
type bucket[T closer] struct {
	mu      sync.Mutex
	ttl     time.Duration
	log     *slog.Logger
	entries map[string]*cacheEntry[T]
}

func newBucket[T closer](ttl time.Duration, log *slog.Logger) *bucket[T] {
	return &bucket[T]{ttl: ttl, log: log, entries: make(map[string]*cacheEntry[T])}
}

func (b *bucket[T]) get(ctx context.Context, id string, build func(context.Context) (T, error)) (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for key, e := range b.entries {
		if key != id && now.Sub(e.lastUse) > b.ttl {
			if err := e.client.Close(); err != nil {
				b.log.Warn("closing idle client", "client", key, "error", err)
			}
			delete(b.entries, key)
		}
	}

	if e, ok := b.entries[id]; ok {
		e.lastUse = now
		return e.client, nil
	}
	client, err := build(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	b.entries[id] = &cacheEntry[T]{client: client, lastUse: now}
	return client, nil
}

func (b *bucket[T]) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, e := range b.entries {
		if err := e.client.Close(); err != nil {
			b.log.Warn("closing client", "client", key, "error", err)
		}
		delete(b.entries, key)
	}
}
