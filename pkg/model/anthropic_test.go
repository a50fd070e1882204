package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

const anthropicStreamBody = `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":10}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"weighing options"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"text"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Using the tool."}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: content_block_start
data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup"}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":2}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":25}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropicComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-sonnet-4", body["model"])
		assert.Equal(t, float64(defaultAnthropicMaxTokens), body["max_tokens"])
		assert.Equal(t, "Answer briefly.", body["system"])

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(anthropicStreamBody))
	}))
	defer server.Close()

	def := &dsl.Model{ID: "claude", Provider: "anthropic", ProviderModelID: "claude-sonnet-4", Retry: quickRetry()}
	gen, err := New(def, Options{APIKey: "sk-ant-test", BaseURL: server.URL})
	require.NoError(t, err)

	stream, err := gen.Complete(context.Background(), &Request{
		System:   "Answer briefly.",
		Messages: []Message{Chat(dsl.NewTextMessage(dsl.RoleUser, "Look up go."))},
	})
	require.NoError(t, err)

	chunks := drain(t, stream)
	require.Len(t, chunks, 4)

	assert.Equal(t, ChunkThinking, chunks[0].Kind)
	assert.Equal(t, "weighing options", chunks[0].Text)
	assert.Equal(t, ChunkText, chunks[1].Kind)
	assert.Equal(t, "Using the tool.", chunks[1].Text)

	require.Equal(t, ChunkToolCall, chunks[2].Kind)
	call := chunks[2].ToolCall
	assert.Equal(t, "toolu_1", call.ID)
	assert.Equal(t, "lookup", call.Name)
	assert.Equal(t, map[string]any{"q": "go"}, call.Args)

	require.Equal(t, ChunkDone, chunks[3].Kind)
	assert.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 25, TotalTokens: 35}, *chunks[3].Usage)
}

func TestAnthropicStreamErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`event: error
data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}

`))
	}))
	defer server.Close()

	def := &dsl.Model{ID: "claude", Provider: "anthropic", ProviderModelID: "claude-sonnet-4", Retry: quickRetry()}
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
	assert.True(t, errdefs.IsTransient(streamErr))
	assert.Contains(t, streamErr.Error(), "Overloaded")
}

func TestAnthropicStreamErrorClassification(t *testing.T) {
	transient := anthropicStreamError("anthropic", &anthropicAPIError{Type: "api_error", Message: "internal"})
	assert.True(t, errdefs.IsTransient(transient))

	failure := anthropicStreamError("anthropic", &anthropicAPIError{Type: "invalid_request_error", Message: "bad"})
	assert.True(t, errdefs.IsMessageFailure(failure))
}

func TestAnthropicBuildBody(t *testing.T) {
	def := &dsl.Model{ID: "claude", Provider: "anthropic", ProviderModelID: "claude-sonnet-4", Retry: quickRetry()}
	p := newAnthropic(def, Options{})

	body, err := p.buildBody(&Request{
		Messages: []Message{Chat(dsl.NewTextMessage(dsl.RoleUser, "hi"))},
		Tools: []ToolDef{{
			Name:       "lookup",
			Parameters: map[string]any{"type": "object"},
		}},
		Params: map[string]any{"max_tokens": 1024, "temperature": 0.3},
	})
	require.NoError(t, err)

	// The caller's budget wins over the default.
	assert.Equal(t, 1024, body["max_tokens"])
	assert.Equal(t, 0.3, body["temperature"])
	assert.Equal(t, true, body["stream"])

	tools := body["tools"].([]anthropicTool)
	require.Len(t, tools, 1)
	assert.Equal(t, "lookup", tools[0].Name)
}

func TestAnthropicBuildBodyRejectsEmptyRequest(t *testing.T) {
	def := &dsl.Model{ID: "claude", Provider: "anthropic", ProviderModelID: "claude-sonnet-4", Retry: quickRetry()}
	p := newAnthropic(def, Options{})

	_, err := p.buildBody(&Request{})
	require.Error(t, err)
	assert.True(t, errdefs.IsMessageFailure(err))
}

func TestAnthropicWireMessages(t *testing.T) {
	def := &dsl.Model{ID: "claude", Provider: "anthropic", ProviderModelID: "claude-sonnet-4", Retry: quickRetry()}
	p := newAnthropic(def, Options{})

	msgs, system := p.wireMessages(&Request{
		System: "base",
		Messages: []Message{
			Chat(dsl.NewTextMessage(dsl.RoleSystem, "extra instructions")),
			Chat(dsl.NewTextMessage(dsl.RoleUser, "look it up")),
			{
				Role:      dsl.RoleAssistant,
				ToolCalls: []ToolCall{{ID: "toolu_1", Name: "lookup"}},
			},
			{
				Role:        dsl.RoleTool,
				ToolResults: []ToolResult{{CallID: "toolu_1", Name: "lookup", Content: "found", IsError: false}},
			},
		},
	})

	assert.Equal(t, "base\n\nextra instructions", system)
	require.Len(t, msgs, 3)

	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "look it up", msgs[0].Content[0].Text)

	assert.Equal(t, "assistant", msgs[1].Role)
	require.Len(t, msgs[1].Content, 1)
	assert.Equal(t, "tool_use", msgs[1].Content[0].Type)
	assert.Equal(t, "toolu_1", msgs[1].Content[0].ID)
	assert.NotNil(t, msgs[1].Content[0].Input)

	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "tool_result", msgs[2].Content[0].Type)
	assert.Equal(t, "toolu_1", msgs[2].Content[0].ToolUseID)
	assert.Equal(t, "found", msgs[2].Content[0].Content)
}

func TestAnthropicImageBlocks(t *testing.T) {
	url := anthropicImage(dsl.ChatContent{Type: dsl.KindImage, Content: "https://example.com/cat.png"})
	require.NotNil(t, url)
	assert.Equal(t, "url", url.Type)
	assert.Equal(t, "https://example.com/cat.png", url.URL)

	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	raw := anthropicImage(dsl.ChatContent{Type: dsl.KindImage, Content: png})
	require.NotNil(t, raw)
	assert.Equal(t, "base64", raw.Type)
	assert.Equal(t, "image/png", raw.MediaType)
	assert.NotEmpty(t, raw.Data)

	assert.Nil(t, anthropicImage(dsl.ChatContent{Type: dsl.KindFile, Content: []byte("%PDF-1.4")}))
}
