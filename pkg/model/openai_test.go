package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

// quickRetry keeps error-path tests from sleeping in backoff.
func quickRetry() *dsl.RetryConfig {
	return &dsl.RetryConfig{
		MaxAttempts:  1,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     time.Millisecond,
	}
}

func drain(t *testing.T, stream Stream) []*Chunk {
	t.Helper()
	var chunks []*Chunk
	for chunk, err := range stream {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	return chunks
}

const openAIStreamBody = `data: {"choices":[{"delta":{"reasoning":"Checking the forecast."}}]}

data: {"choices":[{"delta":{"content":"It is "}}]}

data: {"choices":[{"delta":{"content":"sunny."}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":""}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}

data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}

data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}

data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":34,"total_tokens":46}}

data: [DONE]

`

func TestOpenAIComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, map[string]any{"include_usage": true}, body["stream_options"])
		assert.Equal(t, 0.5, body["temperature"])
		assert.Equal(t, "auto", body["tool_choice"])

		if msgs, ok := body["messages"].([]any); assert.True(t, ok) && assert.Len(t, msgs, 2) {
			assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
			assert.Equal(t, "Be terse.", msgs[0].(map[string]any)["content"])
			assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
		}
		if tools, ok := body["tools"].([]any); assert.True(t, ok) && assert.Len(t, tools, 1) {
			fn := tools[0].(map[string]any)["function"].(map[string]any)
			assert.Equal(t, "get_weather", fn["name"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(openAIStreamBody))
	}))
	defer server.Close()

	def := &dsl.Model{ID: "main", Provider: "openai", ProviderModelID: "gpt-4o-mini", Retry: quickRetry()}
	gen, err := New(def, Options{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)

	stream, err := gen.Complete(context.Background(), &Request{
		System:   "Be terse.",
		Messages: []Message{Chat(dsl.NewTextMessage(dsl.RoleUser, "Weather in Paris?"))},
		Tools: []ToolDef{{
			Name:        "get_weather",
			Description: "Look up current weather.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}},
		}},
		Params: map[string]any{"temperature": 0.5},
	})
	require.NoError(t, err)

	chunks := drain(t, stream)
	require.Len(t, chunks, 5)
	assert.Equal(t, ChunkThinking, chunks[0].Kind)
	assert.Equal(t, "Checking the forecast.", chunks[0].Text)
	assert.Equal(t, ChunkText, chunks[1].Kind)
	assert.Equal(t, "It is ", chunks[1].Text)
	assert.Equal(t, "sunny.", chunks[2].Text)

	require.Equal(t, ChunkToolCall, chunks[3].Kind)
	call := chunks[3].ToolCall
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "get_weather", call.Name)
	assert.Equal(t, map[string]any{"city": "Paris"}, call.Args)

	require.Equal(t, ChunkDone, chunks[4].Kind)
	require.NotNil(t, chunks[4].Usage)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 34, TotalTokens: 46}, *chunks[4].Usage)
}

func TestOpenAICompleteAPIError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"bad request", 400, `{"error":{"message":"unknown model","type":"invalid_request_error"}}`, false},
		{"throttled", 429, `{"error":{"message":"rate limit","type":"rate_limit_error"}}`, true},
		{"server error", 500, `{"error":{"message":"boom","type":"server_error"}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			def := &dsl.Model{ID: "main", Provider: "openai", ProviderModelID: "gpt-4o-mini", Retry: quickRetry()}
			gen, err := New(def, Options{BaseURL: server.URL})
			require.NoError(t, err)

			stream, err := gen.Complete(context.Background(), &Request{
				Messages: []Message{Chat(dsl.NewTextMessage(dsl.RoleUser, "hi"))},
			})
			require.NoError(t, err)

			var streamErr error
			for _, err := range stream {
				if err != nil {
					streamErr = err
					break
				}
			}
			require.Error(t, streamErr)
			if tt.transient {
				assert.True(t, errdefs.IsTransient(streamErr))
			} else {
				assert.True(t, errdefs.IsMessageFailure(streamErr))
			}
		})
	}
}

func TestOpenAIBuildBodyReasoningModel(t *testing.T) {
	def := &dsl.Model{ID: "r", Provider: "openai", ProviderModelID: "o3-mini", Retry: quickRetry()}
	p := newOpenAI(def, Options{}, defaultOpenAIHost)

	body, err := p.buildBody(&Request{
		Messages: []Message{Chat(dsl.NewTextMessage(dsl.RoleUser, "hi"))},
		Params:   map[string]any{"max_tokens": 256, "temperature": 0.7, "top_p": 0.9},
	})
	require.NoError(t, err)

	assert.Equal(t, 256, body["max_completion_tokens"])
	assert.NotContains(t, body, "max_tokens")
	assert.NotContains(t, body, "temperature")
	assert.NotContains(t, body, "top_p")
}

func TestOpenAIBuildBodyProtectsReservedKeys(t *testing.T) {
	def := &dsl.Model{ID: "m", Provider: "openai", ProviderModelID: "gpt-4o", Retry: quickRetry()}
	p := newOpenAI(def, Options{}, defaultOpenAIHost)

	body, err := p.buildBody(&Request{
		Messages: []Message{Chat(dsl.NewTextMessage(dsl.RoleUser, "hi"))},
		Params:   map[string]any{"model": "other", "stream": false, "seed": 7},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", body["model"])
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, 7, body["seed"])
}

func TestOpenAIWireMessages(t *testing.T) {
	def := &dsl.Model{ID: "m", Provider: "openai", ProviderModelID: "gpt-4o", Retry: quickRetry()}
	p := newOpenAI(def, Options{}, defaultOpenAIHost)

	msgs, err := p.wireMessages(&Request{
		System: "sys",
		Messages: []Message{
			Chat(dsl.NewTextMessage(dsl.RoleUser, "look it up")),
			{
				Role:      dsl.RoleAssistant,
				ToolCalls: []ToolCall{{ID: "call_1", Name: "lookup", Args: map[string]any{"q": "go"}}},
			},
			{
				Role:        dsl.RoleTool,
				ToolResults: []ToolResult{{CallID: "call_1", Name: "lookup", Content: "found it"}},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "sys", msgs[0].Content)

	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "look it up", msgs[1].Content)

	assert.Equal(t, "assistant", msgs[2].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[2].ToolCalls[0].ID)
	assert.JSONEq(t, `{"q":"go"}`, msgs[2].ToolCalls[0].Function.Arguments)

	assert.Equal(t, "tool", msgs[3].Role)
	assert.Equal(t, "call_1", msgs[3].ToolCallID)
	assert.Equal(t, "found it", msgs[3].Content)
}

func TestCallAssemblerIndexlessContinuation(t *testing.T) {
	calls := newCallAssembler()
	calls.add(openAIToolCallDelta{ID: "call_1", Function: openAIFunction{Name: "lookup", Arguments: `{"q":`}})
	calls.add(openAIToolCallDelta{Function: openAIFunction{Arguments: `"go"}`}})

	out, err := calls.take()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "lookup", out[0].Name)
	assert.Equal(t, map[string]any{"q": "go"}, out[0].Args)
}

func TestCallAssemblerRejectsMalformedArguments(t *testing.T) {
	calls := newCallAssembler()
	calls.add(openAIToolCallDelta{ID: "call_1", Function: openAIFunction{Name: "lookup", Arguments: `{"q":`}})

	_, err := calls.take()
	require.Error(t, err)
	assert.True(t, errdefs.IsMessageFailure(err))
}

func TestIsReasoningModel(t *testing.T) {
	for _, name := range []string{"o1", "o3-mini", "o4-mini-high", "gpt-5", "GPT-5-turbo"} {
		assert.True(t, isReasoningModel(name), name)
	}
	for _, name := range []string{"gpt-4o", "gpt-4o-mini", "o1000", "claude-sonnet"} {
		assert.False(t, isReasoningModel(name), name)
	}
}

func TestOpenAIEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text-embedding-3-small", body["model"])
		assert.Equal(t, []any{"alpha", "beta"}, body["input"])
		assert.Equal(t, float64(4), body["dimensions"])

		w.Write([]byte(`{"data":[{"embedding":[0.3,0.4],"index":1},{"embedding":[0.1,0.2],"index":0}]}`))
	}))
	defer server.Close()

	def := &dsl.EmbeddingModel{
		Model:      dsl.Model{ID: "emb", Provider: "openai", ProviderModelID: "text-embedding-3-small", Retry: quickRetry()},
		Dimensions: 4,
	}
	emb, err := NewEmbedder(def, Options{APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)

	vectors, err := emb.Embed(context.Background(), []string{"alpha", "beta"}, 4)
	require.NoError(t, err)
	// The response arrives out of order; vectors come back input-ordered.
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, vectors)
}

func TestOpenAIEmbedOmitsDimsForOllama(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "dimensions")
		w.Write([]byte(`{"data":[{"embedding":[0.1],"index":0}]}`))
	}))
	defer server.Close()

	def := &dsl.EmbeddingModel{
		Model:      dsl.Model{ID: "emb", Provider: "ollama", ProviderModelID: "nomic-embed-text", Retry: quickRetry()},
		Dimensions: 1,
	}
	emb, err := NewEmbedder(def, Options{BaseURL: server.URL})
	require.NoError(t, err)

	vectors, err := emb.Embed(context.Background(), []string{"alpha"}, 1)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
}

func TestOpenAIEmbedCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"embedding":[0.1],"index":0}]}`))
	}))
	defer server.Close()

	def := &dsl.EmbeddingModel{
		Model:      dsl.Model{ID: "emb", Provider: "openai", ProviderModelID: "text-embedding-3-small", Retry: quickRetry()},
		Dimensions: 1,
	}
	emb, err := NewEmbedder(def, Options{BaseURL: server.URL})
	require.NoError(t, err)

	_, err = emb.Embed(context.Background(), []string{"alpha", "beta"}, 0)
	require.Error(t, err)
	assert.True(t, errdefs.IsMessageFailure(err))

	// Empty input never reaches the provider.
	vectors, err := emb.Embed(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}
