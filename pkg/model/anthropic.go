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

const (
	anthropicVersion          = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

type anthropic struct {
	restClient
	name  string
	model string
}

func newAnthropic(def *dsl.Model, opts Options) *anthropic {
	return &anthropic{
		restClient: newRESTClient(def, opts, defaultAnthropicHost, anthropicAuth(opts.APIKey), httpclient.ParseAnthropicHeaders),
		name:       def.ID,
		model:      def.ProviderModelID,
	}
}

func anthropicAuth(key string) func(*http.Request) {
	return func(r *http.Request) {
		if key != "" {
			r.Header.Set("x-api-key", key)
		}
		r.Header.Set("anthropic-version", anthropicVersion)
	}
}

func (p *anthropic) Name() string { return p.name }
func (p *anthropic) Close() error { return nil }

func (p *anthropic) Complete(ctx context.Context, req *Request) (Stream, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("model: encode request: %w", err)
	}
	return func(yield func(*Chunk, error) bool) {
		resp, err := p.post(ctx, "/v1/messages", payload)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()
		p.scan(resp.Body, yield)
	}, nil
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// buildBody assembles the request map. The API requires max_tokens, so a
// default is supplied when the params leave it out; everything else passes
// through verbatim except keys the adapter owns.
func (p *anthropic) buildBody(req *Request) (map[string]any, error) {
	msgs, system := p.wireMessages(req)
	if len(msgs) == 0 {
		return nil, errdefs.Failuref("model: request to '%s' has no content", p.name)
	}
	body := map[string]any{
		"model":    p.model,
		"messages": msgs,
		"stream":   true,
	}
	if _, ok := req.Params["max_tokens"]; !ok {
		body["max_tokens"] = defaultAnthropicMaxTokens
	}
	if system != "" {
		body["system"] = system
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropicTool, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters}
		}
		body["tools"] = tools
	}
	for k, v := range req.Params {
		if _, reserved := body[k]; reserved {
			continue
		}
		body[k] = v
	}
	return body, nil
}

// wireMessages renders the turns. System-role turns fold into the system
// prompt; tool results become user turns carrying tool_result blocks.
func (p *anthropic) wireMessages(req *Request) ([]anthropicMessage, string) {
	var system strings.Builder
	system.WriteString(req.System)

	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if len(m.ToolResults) > 0 {
			blocks := make([]anthropicBlock, len(m.ToolResults))
			for i, r := range m.ToolResults {
				blocks[i] = anthropicBlock{
					Type:      "tool_result",
					ToolUseID: r.CallID,
					Content:   r.Content,
					IsError:   r.IsError,
				}
			}
			msgs = append(msgs, anthropicMessage{Role: "user", Content: blocks})
			continue
		}
		if m.Role == dsl.RoleSystem || m.Role == dsl.RoleDeveloper {
			if text := m.Text(); text != "" {
				if system.Len() > 0 {
					system.WriteString("\n\n")
				}
				system.WriteString(text)
			}
			continue
		}

		var blocks []anthropicBlock
		for _, b := range m.Blocks {
			switch b.Type {
			case dsl.KindText:
				if s, ok := b.Content.(string); ok && s != "" {
					blocks = append(blocks, anthropicBlock{Type: "text", Text: s})
				}
			case dsl.KindImage, dsl.KindFile:
				if src := anthropicImage(b); src != nil {
					blocks = append(blocks, anthropicBlock{Type: "image", Source: src})
				}
			}
		}
		for _, tc := range m.ToolCalls {
			input := tc.Args
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
		}
		if len(blocks) == 0 {
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: anthropicRole(m.Role), Content: blocks})
	}
	return msgs, system.String()
}

func anthropicRole(role dsl.MessageRole) string {
	switch role {
	case dsl.RoleAssistant, dsl.RoleModel, dsl.RoleChatbot:
		return "assistant"
	default:
		return "user"
	}
}

func anthropicImage(b dsl.ChatContent) *anthropicImageSource {
	switch v := b.Content.(type) {
	case string:
		return &anthropicImageSource{Type: "url", URL: v}
	case []byte:
		mime := b.MimeType
		if mime == "" {
			mime = http.DetectContentType(v)
		}
		if !strings.HasPrefix(mime, "image/") {
			return nil
		}
		return &anthropicImageSource{
			Type:      "base64",
			MediaType: mime,
			Data:      base64.StdEncoding.EncodeToString(v),
		}
	}
	return nil
}

type anthropicEvent struct {
	Type         string                `json:"type"`
	Index        int                   `json:"index"`
	Message      *anthropicMessageInfo `json:"message"`
	ContentBlock *anthropicBlockInfo   `json:"content_block"`
	Delta        *anthropicEventDelta  `json:"delta"`
	Usage        *anthropicUsage       `json:"usage"`
	Error        *anthropicAPIError    `json:"error"`
}

type anthropicMessageInfo struct {
	Usage *anthropicUsage `json:"usage"`
}

type anthropicBlockInfo struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type anthropicEventDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Thinking    string `json:"thinking"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *anthropic) scan(body io.Reader, yield func(*Chunk, error) bool) {
	reader := bufio.NewReader(body)
	// Open tool_use blocks by stream index; input JSON accumulates until
	// the block stops.
	open := map[int]*partialCall{}
	var usage Usage

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

		var ev anthropicEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				open[ev.Index] = &partialCall{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" && !yield(&Chunk{Kind: ChunkText, Text: ev.Delta.Text}, nil) {
					return
				}
			case "thinking_delta":
				if ev.Delta.Thinking != "" && !yield(&Chunk{Kind: ChunkThinking, Text: ev.Delta.Thinking}, nil) {
					return
				}
			case "input_json_delta":
				if pc := open[ev.Index]; pc != nil {
					pc.args.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			pc := open[ev.Index]
			if pc == nil {
				continue
			}
			delete(open, ev.Index)
			args := map[string]any{}
			if raw := pc.args.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					yield(nil, errdefs.Failuref("model: tool call '%s' arguments are not valid JSON: %v", pc.name, err))
					return
				}
			}
			if !yield(&Chunk{Kind: ChunkToolCall, ToolCall: &ToolCall{ID: pc.id, Name: pc.name, Args: args}}, nil) {
				return
			}

		case "message_delta":
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			yield(&Chunk{Kind: ChunkDone, Usage: &usage}, nil)
			return

		case "error":
			if ev.Error != nil {
				yield(nil, anthropicStreamError(p.provider, ev.Error))
				return
			}
		}
	}

	// The stream closed without a message_stop.
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	yield(&Chunk{Kind: ChunkDone, Usage: &usage}, nil)
}

// anthropicStreamError classifies a mid-stream error event. Overload is the
// transient case worth retrying.
func anthropicStreamError(provider string, apiErr *anthropicAPIError) error {
	if apiErr.Type == "overloaded_error" || apiErr.Type == "api_error" {
		return errdefs.Transientf("model: %s stream error: %s (%s)", provider, apiErr.Message, apiErr.Type)
	}
	return errdefs.Failuref("model: %s stream error: %s (%s)", provider, apiErr.Message, apiErr.Type)
}

var _ Generator = (*anthropic)(nil)
