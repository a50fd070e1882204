package model

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

type gemini struct {
	name   string
	model  string
	client *genai.Client
}

func newGemini(def *dsl.Model, opts Options) (*gemini, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: opts.APIKey})
	if err != nil {
		return nil, fmt.Errorf("model: create gemini client: %w", err)
	}
	return &gemini{name: def.ID, model: def.ProviderModelID, client: client}, nil
}

func (g *gemini) Name() string { return g.name }
func (g *gemini) Close() error { return nil }

func (g *gemini) Complete(ctx context.Context, req *Request) (Stream, error) {
	contents, err := g.wireContents(req)
	if err != nil {
		return nil, err
	}
	config := g.buildConfig(req)

	return func(yield func(*Chunk, error) bool) {
		var usage *Usage
		// Gemini repeats function call parts across chunks when an id is
		// absent; emit each call once.
		emitted := map[string]bool{}

		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
			if err != nil {
				yield(nil, transportError("gemini", err))
				return
			}
			if resp.UsageMetadata != nil {
				usage = &Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" {
					kind := ChunkText
					if part.Thought {
						kind = ChunkThinking
					}
					if !yield(&Chunk{Kind: kind, Text: part.Text}, nil) {
						return
					}
				}
				if part.FunctionCall != nil {
					tc := &ToolCall{
						ID:   part.FunctionCall.ID,
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					}
					if tc.Args == nil {
						tc.Args = map[string]any{}
					}
					if tc.ID == "" {
						tc.ID = stableCallID(tc.Name, tc.Args)
					}
					if emitted[tc.ID] {
						continue
					}
					emitted[tc.ID] = true
					if !yield(&Chunk{Kind: ChunkToolCall, ToolCall: tc}, nil) {
						return
					}
				}
			}
		}
		yield(&Chunk{Kind: ChunkDone, Usage: usage}, nil)
	}, nil
}

// stableCallID derives an id for a call the provider left unnamed, stable
// across repeated chunks carrying the same call.
func stableCallID(name string, args map[string]any) string {
	payload, _ := json.Marshal(map[string]any{"name": name, "args": args})
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("call-%x", sum[:8])
}

func (g *gemini) wireContents(req *Request) ([]*genai.Content, error) {
	var contents []*genai.Content
	for _, m := range req.Messages {
		if len(m.ToolResults) > 0 {
			parts := make([]*genai.Part, len(m.ToolResults))
			for i, r := range m.ToolResults {
				parts[i] = &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       r.CallID,
						Name:     r.Name,
						Response: map[string]any{"result": r.Content},
					},
				}
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})
			continue
		}

		var parts []*genai.Part
		for _, b := range m.Blocks {
			switch b.Type {
			case dsl.KindText:
				if s, ok := b.Content.(string); ok && s != "" {
					parts = append(parts, &genai.Part{Text: s})
				}
			case dsl.KindImage, dsl.KindFile, dsl.KindAudio, dsl.KindVideo:
				switch v := b.Content.(type) {
				case []byte:
					mime := b.MimeType
					if mime == "" {
						mime = http.DetectContentType(v)
					}
					parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: v}})
				case string:
					parts = append(parts, &genai.Part{FileData: &genai.FileData{MIMEType: b.MimeType, FileURI: v}})
				}
			}
		}
		for _, tc := range m.ToolCalls {
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Args},
			})
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: geminiRole(m.Role), Parts: parts})
	}
	if len(contents) == 0 {
		return nil, errdefs.Failuref("model: request to '%s' has no content", g.name)
	}
	return contents, nil
}

func geminiRole(role dsl.MessageRole) string {
	switch role {
	case dsl.RoleAssistant, dsl.RoleModel, dsl.RoleChatbot:
		return "model"
	default:
		return "user"
	}
}

func (g *gemini) buildConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if v, ok := paramFloat(req.Params, "temperature"); ok {
		config.Temperature = genai.Ptr(float32(v))
	}
	if v, ok := paramFloat(req.Params, "top_p"); ok {
		config.TopP = genai.Ptr(float32(v))
	}
	if v, ok := paramInt(req.Params, "max_tokens"); ok {
		config.MaxOutputTokens = int32(v)
	}
	if v, ok := paramInt(req.Params, "thinking_budget"); ok {
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(int32(v)),
		}
	}
	if len(req.Tools) > 0 {
		tools := make([]*genai.Tool, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = &genai.Tool{
				FunctionDeclarations: []*genai.FunctionDeclaration{{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  genaiSchema(t.Parameters),
				}},
			}
		}
		config.Tools = tools
	}
	return config
}

// genaiSchema converts a JSON schema object into the SDK's typed schema.
func genaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = genaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = genaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

type geminiEmbedder struct {
	name   string
	model  string
	client *genai.Client
}

func newGeminiEmbedder(def *dsl.EmbeddingModel, opts Options) (*geminiEmbedder, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: opts.APIKey})
	if err != nil {
		return nil, fmt.Errorf("model: create gemini client: %w", err)
	}
	return &geminiEmbedder{name: def.ID, model: def.ProviderModelID, client: client}, nil
}

func (e *geminiEmbedder) Name() string { return e.name }
func (e *geminiEmbedder) Close() error { return nil }

func (e *geminiEmbedder) Embed(ctx context.Context, texts []string, dims int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: t}}}
	}
	var config *genai.EmbedContentConfig
	if dims > 0 {
		config = &genai.EmbedContentConfig{OutputDimensionality: genai.Ptr(int32(dims))}
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, config)
	if err != nil {
		return nil, transportError("gemini", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, errdefs.Failuref("model: gemini returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}

var (
	_ Generator = (*gemini)(nil)
	_ Embedder  = (*geminiEmbedder)(nil)
)
