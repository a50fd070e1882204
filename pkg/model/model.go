// Package model holds the provider-agnostic generation and embedding
// interfaces plus the adapters behind them. A Generator streams deltas the
// moment the provider emits them; callers that want a whole response collect
// the stream. Adapters exist for OpenAI-compatible endpoints (OpenAI,
// Ollama, vLLM), Anthropic, and Gemini.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/httpclient"
)

// ChunkKind discriminates the deltas a generation stream yields.
type ChunkKind string

const (
	// ChunkText is a fragment of the visible response.
	ChunkText ChunkKind = "text"
	// ChunkThinking is a fragment of the model's reasoning trace.
	ChunkThinking ChunkKind = "thinking"
	// ChunkToolCall is one fully assembled tool invocation request.
	ChunkToolCall ChunkKind = "tool_call"
	// ChunkDone closes the stream and carries final usage when known.
	ChunkDone ChunkKind = "done"
)

// ToolCall is a tool invocation the model asked for.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult feeds a tool's output back into the conversation.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolDef describes a callable tool to the model. Parameters is a JSON
// schema object.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is the provider's token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one delta of a generation stream. Exactly one payload field is
// populated, selected by Kind.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
}

// Stream yields generation deltas in provider order and terminates with a
// ChunkDone. Iteration may stop early; adapters release their transport
// when the consumer breaks.
type Stream = iter.Seq2[*Chunk, error]

// Message is one conversation turn. Plain chat turns carry Role and Blocks;
// an assistant turn that requested tools carries ToolCalls, and the turn
// answering it carries ToolResults.
type Message struct {
	Role        dsl.MessageRole
	Blocks      []dsl.ChatContent
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Chat wraps a domain chat message as a conversation turn.
func Chat(msg dsl.ChatMessage) Message {
	return Message{Role: msg.Role, Blocks: msg.Blocks}
}

// FromChat wraps a whole history.
func FromChat(history []dsl.ChatMessage) []Message {
	out := make([]Message, len(history))
	for i, msg := range history {
		out[i] = Chat(msg)
	}
	return out
}

// Text concatenates the turn's text blocks.
func (m Message) Text() string {
	return dsl.ChatMessage{Role: m.Role, Blocks: m.Blocks}.Text()
}

// Request is a provider-agnostic generation request. Params carries the
// model's inference parameters; adapters translate the keys they must and
// pass the rest through to the provider verbatim.
type Request struct {
	Messages []Message
	System   string
	Tools    []ToolDef
	Params   map[string]any
}

// Generator produces completions for conversation requests.
type Generator interface {
	// Name returns the declared model id.
	Name() string

	// Complete starts a generation and returns the delta stream. The
	// request is not sent until the stream is first iterated; transport
	// and provider failures surface as stream errors.
	Complete(ctx context.Context, req *Request) (Stream, error)

	// Close releases the provider client.
	Close() error
}

// Embedder turns texts into vectors.
type Embedder interface {
	// Name returns the declared model id.
	Name() string

	// Embed vectorizes texts in order. dims requests a specific output
	// width; zero leaves the width to the provider.
	Embed(ctx context.Context, texts []string, dims int) ([][]float32, error)

	// Close releases the provider client.
	Close() error
}

// Result is a fully collected generation.
type Result struct {
	Text      string
	Thinking  string
	ToolCalls []ToolCall
	Usage     Usage
}

// Message renders the result as an assistant chat message. Thinking, when
// present, precedes the text block.
func (r *Result) Message() dsl.ChatMessage {
	var blocks []dsl.ChatContent
	if r.Thinking != "" {
		blocks = append(blocks, dsl.ChatContent{Type: dsl.KindThinking, Content: r.Thinking})
	}
	blocks = append(blocks, dsl.ChatContent{Type: dsl.KindText, Content: r.Text})
	return dsl.ChatMessage{Role: dsl.RoleAssistant, Blocks: blocks}
}

// Collect drains a stream into a Result. The first stream error aborts the
// collection.
func Collect(stream Stream) (*Result, error) {
	res := &Result{}
	var text, thinking strings.Builder
	for chunk, err := range stream {
		if err != nil {
			return nil, err
		}
		switch chunk.Kind {
		case ChunkText:
			text.WriteString(chunk.Text)
		case ChunkThinking:
			thinking.WriteString(chunk.Text)
		case ChunkToolCall:
			if chunk.ToolCall != nil {
				res.ToolCalls = append(res.ToolCalls, *chunk.ToolCall)
			}
		case ChunkDone:
			if chunk.Usage != nil {
				res.Usage = *chunk.Usage
			}
		}
	}
	res.Text = text.String()
	res.Thinking = thinking.String()
	return res, nil
}

// apiError classifies a non-2xx provider response. Throttling and server
// trouble come back transient so the step retry policy applies; everything
// else fails the message that triggered the call.
func apiError(provider string, status int, body []byte) error {
	msg := errorMessage(body)
	if status == 408 || status == 429 || status >= 500 {
		return errdefs.Transientf("model: %s request failed with status %d: %s", provider, status, msg)
	}
	return errdefs.Failuref("model: %s request failed with status %d: %s", provider, status, msg)
}

// transportError classifies a failure that happened before or while reading
// the response.
func transportError(provider string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errdefs.Cancelledf("model: %s request cancelled", provider)
	case errors.Is(err, context.DeadlineExceeded):
		return errdefs.Transientf("model: %s request timed out", provider)
	}
	var retryErr *httpclient.RetryableError
	if errors.As(err, &retryErr) {
		return errdefs.Wrapf(errdefs.CodeTransient, err, "model: %s retries exhausted", provider).
			WithReason(errdefs.ReasonRetryExhausted)
	}
	return errdefs.Transientf("model: %s request failed: %v", provider, err)
}

// errorMessage pulls the human-readable message out of a provider error
// body. Both OpenAI and Anthropic nest it under "error"; unknown shapes
// fall back to the raw body, truncated.
func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error.Message != "" {
			if envelope.Error.Type != "" {
				return fmt.Sprintf("%s (%s)", envelope.Error.Message, envelope.Error.Type)
			}
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	const maxBody = 512
	s := strings.TrimSpace(string(body))
	if len(s) > maxBody {
		s = s[:maxBody] + "..."
	}
	if s == "" {
		s = "(empty response body)"
	}
	return s
}

// paramInt reads an integer inference parameter however YAML or JSON typed
// it.
func paramInt(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func paramFloat(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
