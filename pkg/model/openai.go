package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/httpclient"
)

// openAI speaks the chat-completions dialect. It covers OpenAI itself plus
// every server that clones the endpoint (Ollama, vLLM).
type openAI struct {
	restClient
	name  string
	model string
}

func newOpenAI(def *dsl.Model, opts Options, fallbackHost string) *openAI {
	return &openAI{
		restClient: newRESTClient(def, opts, fallbackHost, bearerAuth(opts.APIKey), httpclient.ParseOpenAIHeaders),
		name:       def.ID,
		model:      def.ProviderModelID,
	}
}

func (p *openAI) Name() string { return p.name }
func (p *openAI) Close() error { return nil }

func (p *openAI) Complete(ctx context.Context, req *Request) (Stream, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("model: encode request: %w", err)
	}
	return func(yield func(*Chunk, error) bool) {
		resp, err := p.post(ctx, "/chat/completions", payload)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()
		p.scan(resp.Body, yield)
	}, nil
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string           `json:"type"`
	Function openAIToolSchema `json:"function"`
}

type openAIToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIStreamFrame struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage"`
	Error   *openAIWireError     `json:"error"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content          string                `json:"content"`
	Reasoning        string                `json:"reasoning"`
	ReasoningContent string                `json:"reasoning_content"`
	ToolCalls        []openAIToolCallDelta `json:"tool_calls"`
}

// thinking returns the reasoning delta under whichever key the server
// used; OpenAI-compatible servers disagree on the field name.
func (d openAIDelta) thinking() string {
	if d.Reasoning != "" {
		return d.Reasoning
	}
	return d.ReasoningContent
}

type openAIToolCallDelta struct {
	Index    *int           `json:"index"`
	ID       string         `json:"id"`
	Function openAIFunction `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIWireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// buildBody assembles the request map. Inference params pass through
// verbatim except for keys the adapter owns.
func (p *openAI) buildBody(req *Request) (map[string]any, error) {
	msgs, err := p.wireMessages(req)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"model":          p.model,
		"messages":       msgs,
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if len(req.Tools) > 0 {
		tools := make([]openAITool, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = openAITool{Type: "function", Function: openAIToolSchema(t)}
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	for k, v := range req.Params {
		if _, reserved := body[k]; reserved {
			continue
		}
		body[k] = v
	}
	// Reasoning models take max_completion_tokens and reject sampling
	// overrides.
	if isReasoningModel(p.model) {
		if v, ok := body["max_tokens"]; ok {
			delete(body, "max_tokens")
			body["max_completion_tokens"] = v
		}
		delete(body, "temperature")
		delete(body, "top_p")
	}
	return body, nil
}

func (p *openAI) wireMessages(req *Request) ([]openAIMessage, error) {
	msgs := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		if len(m.ToolResults) > 0 {
			for _, r := range m.ToolResults {
				msgs = append(msgs, openAIMessage{Role: "tool", Content: r.Content, ToolCallID: r.CallID})
			}
			continue
		}
		wire := openAIMessage{Role: openAIRole(m.Role), Content: openAIContent(m.Blocks)}
		if len(m.ToolCalls) > 0 {
			wire.ToolCalls = make([]openAIToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("model: encode tool call arguments: %w", err)
				}
				wire.ToolCalls[i] = openAIToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openAIFunction{Name: tc.Name, Arguments: string(args)},
				}
			}
		}
		msgs = append(msgs, wire)
	}
	return msgs, nil
}

func openAIRole(role dsl.MessageRole) string {
	switch role {
	case dsl.RoleAssistant, dsl.RoleModel, dsl.RoleChatbot:
		return "assistant"
	case dsl.RoleSystem, dsl.RoleDeveloper:
		return "system"
	case dsl.RoleTool, dsl.RoleFunction:
		return "tool"
	default:
		return "user"
	}
}

// openAIContent renders blocks for the wire: a bare string for the common
// single-text case, content parts otherwise. Kinds with no
// chat-completions encoding are dropped.
func openAIContent(blocks []dsl.ChatContent) any {
	if len(blocks) == 1 && blocks[0].Type == dsl.KindText {
		if s, ok := blocks[0].Content.(string); ok {
			return s
		}
	}
	parts := []openAIContentPart{}
	for _, b := range blocks {
		switch b.Type {
		case dsl.KindText:
			if s, ok := b.Content.(string); ok {
				parts = append(parts, openAIContentPart{Type: "text", Text: s})
			}
		case dsl.KindImage, dsl.KindFile:
			if url := imageURL(b); url != "" {
				parts = append(parts, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: url}})
			}
		}
	}
	return parts
}

func imageURL(b dsl.ChatContent) string {
	switch v := b.Content.(type) {
	case string:
		return v
	case []byte:
		mime := b.MimeType
		if mime == "" {
			mime = http.DetectContentType(v)
		}
		if !strings.HasPrefix(mime, "image/") {
			return ""
		}
		return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(v)
	}
	return ""
}

var (
	ssePrefix = []byte("data: ")
	sseDone   = []byte("[DONE]")
)

func (p *openAI) scan(body io.Reader, yield func(*Chunk, error) bool) {
	reader := bufio.NewReader(body)
	calls := newCallAssembler()
	var usage *Usage
	finished := false

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			yield(nil, transportError(p.provider, err))
			return
		}
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, ssePrefix) {
			continue
		}
		line = bytes.TrimPrefix(line, ssePrefix)
		if bytes.Equal(line, sseDone) {
			break
		}

		var frame openAIStreamFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		if frame.Error != nil {
			yield(nil, errdefs.Failuref("model: %s stream error: %s", p.provider, frame.Error.Message))
			return
		}
		if frame.Usage != nil {
			usage = &Usage{
				PromptTokens:     frame.Usage.PromptTokens,
				CompletionTokens: frame.Usage.CompletionTokens,
				TotalTokens:      frame.Usage.TotalTokens,
			}
		}
		if len(frame.Choices) == 0 {
			continue
		}
		choice := frame.Choices[0]

		if thinking := choice.Delta.thinking(); thinking != "" {
			if !yield(&Chunk{Kind: ChunkThinking, Text: thinking}, nil) {
				return
			}
		}
		if choice.Delta.Content != "" {
			if !yield(&Chunk{Kind: ChunkText, Text: choice.Delta.Content}, nil) {
				return
			}
		}
		for _, d := range choice.Delta.ToolCalls {
			calls.add(d)
		}
		// The usage frame trails the finish frame, so keep scanning after
		// emitting the assembled calls.
		if !finished && choice.FinishReason != "" {
			finished = true
			if !emitCalls(calls, yield) {
				return
			}
		}
	}

	if !finished && !emitCalls(calls, yield) {
		return
	}
	yield(&Chunk{Kind: ChunkDone, Usage: usage}, nil)
}

func emitCalls(calls *callAssembler, yield func(*Chunk, error) bool) bool {
	assembled, err := calls.take()
	if err != nil {
		yield(nil, err)
		return false
	}
	for i := range assembled {
		if !yield(&Chunk{Kind: ChunkToolCall, ToolCall: &assembled[i]}, nil) {
			return false
		}
	}
	return true
}

// callAssembler stitches tool call fragments back together. Deltas address
// calls by stream index; argument text accumulates until the finish frame.
type callAssembler struct {
	byIndex map[int]*partialCall
	order   []int
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newCallAssembler() *callAssembler {
	return &callAssembler{byIndex: map[int]*partialCall{}}
}

func (a *callAssembler) add(d openAIToolCallDelta) {
	var idx int
	switch {
	case d.Index != nil:
		idx = *d.Index
	case d.ID == "" && len(a.order) > 0:
		// Servers that omit the index send continuation fragments for the
		// most recent call.
		idx = a.order[len(a.order)-1]
	default:
		idx = len(a.order)
	}
	pc := a.byIndex[idx]
	if pc == nil {
		pc = &partialCall{}
		a.byIndex[idx] = pc
		a.order = append(a.order, idx)
	}
	if d.ID != "" {
		pc.id = d.ID
	}
	if d.Function.Name != "" {
		pc.name = d.Function.Name
	}
	pc.args.WriteString(d.Function.Arguments)
}

func (a *callAssembler) take() ([]ToolCall, error) {
	if len(a.order) == 0 {
		return nil, nil
	}
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		pc := a.byIndex[idx]
		args := map[string]any{}
		if raw := pc.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, errdefs.Failuref("model: tool call '%s' arguments are not valid JSON: %v", pc.name, err)
			}
		}
		out = append(out, ToolCall{ID: pc.id, Name: pc.name, Args: args})
	}
	a.byIndex = map[int]*partialCall{}
	a.order = nil
	return out, nil
}

// isReasoningModel reports whether the model routes token limits through
// max_completion_tokens (OpenAI o-series and gpt-5 families).
func isReasoningModel(name string) bool {
	lower := strings.ToLower(name)
	switch lower {
	case "o1", "o3", "o4", "gpt-5":
		return true
	}
	for _, prefix := range []string{"o1-", "o3-", "o4-", "gpt-5-"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// openAIEmbedder drives the embeddings endpoint of the same dialect.
// sendDims forwards the requested width; only OpenAI's v3 embedding models
// accept it.
type openAIEmbedder struct {
	restClient
	name     string
	model    string
	sendDims bool
}

func newOpenAIEmbedder(def *dsl.EmbeddingModel, opts Options, fallbackHost string, sendDims bool) *openAIEmbedder {
	return &openAIEmbedder{
		restClient: newRESTClient(def.Spec(), opts, fallbackHost, bearerAuth(opts.APIKey), httpclient.ParseOpenAIHeaders),
		name:       def.ID,
		model:      def.ProviderModelID,
		sendDims:   sendDims,
	}
}

func (e *openAIEmbedder) Name() string { return e.name }
func (e *openAIEmbedder) Close() error { return nil }

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string, dims int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body := map[string]any{"model": e.model, "input": texts}
	if e.sendDims && dims > 0 {
		body["dimensions"] = dims
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("model: encode request: %w", err)
	}

	resp, err := e.post(ctx, "/embeddings", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(e.provider, err)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errdefs.Failuref("model: %s returned malformed embeddings: %v", e.provider, err)
	}
	if len(out.Data) != len(texts) {
		return nil, errdefs.Failuref("model: %s returned %d embeddings for %d inputs", e.provider, len(out.Data), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, errdefs.Failuref("model: %s returned embedding index %d out of range", e.provider, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

var (
	_ Generator = (*openAI)(nil)
	_ Embedder  = (*openAIEmbedder)(nil)
)
