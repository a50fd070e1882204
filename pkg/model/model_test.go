package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/httpclient"
)

func TestCollect(t *testing.T) {
	stream := Stream(func(yield func(*Chunk, error) bool) {
		chunks := []*Chunk{
			{Kind: ChunkThinking, Text: "hmm, "},
			{Kind: ChunkThinking, Text: "right"},
			{Kind: ChunkText, Text: "Hello"},
			{Kind: ChunkText, Text: " world"},
			{Kind: ChunkToolCall, ToolCall: &ToolCall{ID: "call_1", Name: "lookup", Args: map[string]any{"q": "go"}}},
			{Kind: ChunkDone, Usage: &Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}},
		}
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	})

	res, err := Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", res.Text)
	assert.Equal(t, "hmm, right", res.Thinking)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "lookup", res.ToolCalls[0].Name)
	assert.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30}, res.Usage)
}

func TestCollectStopsOnError(t *testing.T) {
	stream := Stream(func(yield func(*Chunk, error) bool) {
		if !yield(&Chunk{Kind: ChunkText, Text: "partial"}, nil) {
			return
		}
		yield(nil, errdefs.Transientf("model: connection reset"))
	})

	res, err := Collect(stream)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errdefs.IsTransient(err))
}

func TestResultMessage(t *testing.T) {
	res := &Result{Thinking: "reasoning", Text: "answer"}
	msg := res.Message()

	assert.Equal(t, dsl.RoleAssistant, msg.Role)
	require.Len(t, msg.Blocks, 2)
	assert.Equal(t, dsl.KindThinking, msg.Blocks[0].Type)
	assert.Equal(t, "reasoning", msg.Blocks[0].Content)
	assert.Equal(t, dsl.KindText, msg.Blocks[1].Type)
	assert.Equal(t, "answer", msg.Blocks[1].Content)

	plain := (&Result{Text: "answer"}).Message()
	require.Len(t, plain.Blocks, 1)
	assert.Equal(t, dsl.KindText, plain.Blocks[0].Type)
}

func TestFromChat(t *testing.T) {
	history := []dsl.ChatMessage{
		dsl.NewTextMessage(dsl.RoleUser, "hi"),
		dsl.NewTextMessage(dsl.RoleAssistant, "hello"),
	}
	msgs := FromChat(history)
	require.Len(t, msgs, 2)
	assert.Equal(t, dsl.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Text())
	assert.Equal(t, "hello", msgs[1].Text())
}

func TestAPIErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"throttled", 429, true},
		{"server error", 500, true},
		{"bad gateway", 502, true},
		{"timeout", 408, true},
		{"bad request", 400, false},
		{"unauthorized", 401, false},
		{"not found", 404, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := apiError("openai", tt.status, nil)
			if tt.transient {
				assert.True(t, errdefs.IsTransient(err))
			} else {
				assert.True(t, errdefs.IsMessageFailure(err))
			}
		})
	}
}

func TestTransportErrorClassification(t *testing.T) {
	assert.True(t, errdefs.IsCancelled(transportError("openai", context.Canceled)))
	assert.True(t, errdefs.IsTransient(transportError("openai", context.DeadlineExceeded)))

	exhausted := transportError("openai", &httpclient.RetryableError{
		StatusCode: 429,
		Message:    "retries exhausted after 3 attempts",
		Err:        errors.New("HTTP 429"),
	})
	assert.True(t, errdefs.IsTransient(exhausted))
	assert.Equal(t, errdefs.ReasonRetryExhausted, errdefs.ReasonOf(exhausted))

	assert.True(t, errdefs.IsTransient(transportError("openai", errors.New("connection refused"))))
}

func TestErrorMessage(t *testing.T) {
	body := []byte(`{"error":{"message":"invalid model","type":"invalid_request_error"}}`)
	assert.Equal(t, "invalid model (invalid_request_error)", errorMessage(body))

	assert.Equal(t, "plain failure", errorMessage([]byte("plain failure")))
	assert.Equal(t, "(empty response body)", errorMessage(nil))
}

func TestNewDispatchesByProvider(t *testing.T) {
	def := &dsl.Model{ID: "m", Provider: "openai", ProviderModelID: "gpt-4o-mini"}

	gen, err := New(def, Options{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.IsType(t, &openAI{}, gen)
	assert.Equal(t, "m", gen.Name())

	def.Provider = "ollama"
	gen, err = New(def, Options{})
	require.NoError(t, err)
	assert.Equal(t, defaultOllamaHost, gen.(*openAI).baseURL)

	def.Provider = "anthropic"
	gen, err = New(def, Options{APIKey: "sk-ant"})
	require.NoError(t, err)
	assert.IsType(t, &anthropic{}, gen)

	def.Provider = "watsonx"
	_, err = New(def, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestNewEmbedderRejectsAnthropicProvider(t *testing.T) {
	def := &dsl.EmbeddingModel{
		Model:      dsl.Model{ID: "e", Provider: "anthropic", ProviderModelID: "claude"},
		Dimensions: 8,
	}
	_, err := NewEmbedder(def, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not serve embeddings")
}
