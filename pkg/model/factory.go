package model

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/httpclient"
)

// Default hosts per provider. A model's base_url overrides these.
const (
	defaultOpenAIHost    = "https://api.openai.com/v1"
	defaultOllamaHost    = "http://localhost:11434/v1"
	defaultVLLMHost      = "http://localhost:8000/v1"
	defaultAnthropicHost = "https://api.anthropic.com"
)

const defaultTimeout = 120 * time.Second

// Options carries what a provider client needs beyond its declaration: the
// resolved credential and environment overrides.
type Options struct {
	// APIKey authenticates against the provider. Local endpoints may
	// leave it empty.
	APIKey string

	// BaseURL overrides both the declared base_url and the provider
	// default.
	BaseURL string

	// Timeout bounds one HTTP attempt, response body included. Zero
	// means two minutes.
	Timeout time.Duration
}

// New builds the Generator for a declared model.
func New(def *dsl.Model, opts Options) (Generator, error) {
	switch strings.ToLower(def.Provider) {
	case "openai", "openai-compatible":
		return newOpenAI(def, opts, defaultOpenAIHost), nil
	case "ollama":
		return newOpenAI(def, opts, defaultOllamaHost), nil
	case "vllm":
		return newOpenAI(def, opts, defaultVLLMHost), nil
	case "anthropic":
		return newAnthropic(def, opts), nil
	case "gemini", "google":
		return newGemini(def, opts)
	default:
		return nil, fmt.Errorf("model: unknown provider '%s' for model '%s'", def.Provider, def.ID)
	}
}

// NewEmbedder builds the Embedder for a declared embedding model.
func NewEmbedder(def *dsl.EmbeddingModel, opts Options) (Embedder, error) {
	switch strings.ToLower(def.Provider) {
	case "openai", "openai-compatible":
		return newOpenAIEmbedder(def, opts, defaultOpenAIHost, true), nil
	case "ollama":
		return newOpenAIEmbedder(def, opts, defaultOllamaHost, false), nil
	case "vllm":
		return newOpenAIEmbedder(def, opts, defaultVLLMHost, false), nil
	case "gemini", "google":
		return newGeminiEmbedder(def, opts)
	default:
		return nil, fmt.Errorf("model: provider '%s' does not serve embeddings (model '%s')", def.Provider, def.ID)
	}
}

// restClient is the provider state the HTTP adapters share: a base URL, a
// way to authenticate a request, and the retrying transport.
type restClient struct {
	provider string
	baseURL  string
	auth     func(*http.Request)
	client   *httpclient.Client
}

func newRESTClient(def *dsl.Model, opts Options, fallbackHost string, auth func(*http.Request), parser httpclient.RateLimitHeaderParser) restClient {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	retry := def.Retry
	if retry == nil {
		retry = &dsl.RetryConfig{}
		retry.SetDefaults()
	}
	return restClient{
		provider: strings.ToLower(def.Provider),
		baseURL:  resolveBaseURL(def, opts, fallbackHost),
		auth:     auth,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(retry.MaxAttempts-1),
			httpclient.WithBaseDelay(retry.InitialDelay),
			httpclient.WithHeaderParser(parser),
		),
	}
}

func resolveBaseURL(def *dsl.Model, opts Options, fallback string) string {
	if opts.BaseURL != "" {
		return strings.TrimRight(opts.BaseURL, "/")
	}
	if def.BaseURL != "" {
		return strings.TrimRight(def.BaseURL, "/")
	}
	return fallback
}

// post sends a JSON payload and returns the response with a 200 status.
// Anything else comes back as a classified error with the body consumed.
func (c *restClient) post(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("model: build request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.client.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, apiError(c.provider, resp.StatusCode, body)
	}
	if err != nil {
		return nil, transportError(c.provider, err)
	}
	return resp, nil
}

func bearerAuth(key string) func(*http.Request) {
	if key == "" {
		return nil
	}
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+key)
	}
}
