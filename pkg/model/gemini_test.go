package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

func TestGeminiWireContents(t *testing.T) {
	g := &gemini{name: "g", model: "gemini-2.0-flash"}

	contents, err := g.wireContents(&Request{
		Messages: []Message{
			Chat(dsl.NewTextMessage(dsl.RoleUser, "look it up")),
			{
				Role:      dsl.RoleAssistant,
				ToolCalls: []ToolCall{{ID: "call-1", Name: "lookup", Args: map[string]any{"q": "go"}}},
			},
			{
				Role:        dsl.RoleTool,
				ToolResults: []ToolResult{{CallID: "call-1", Name: "lookup", Content: "found"}},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, contents, 3)

	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "look it up", contents[0].Parts[0].Text)

	assert.Equal(t, "model", contents[1].Role)
	require.NotNil(t, contents[1].Parts[0].FunctionCall)
	assert.Equal(t, "lookup", contents[1].Parts[0].FunctionCall.Name)

	assert.Equal(t, "user", contents[2].Role)
	fr := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "call-1", fr.ID)
	assert.Equal(t, map[string]any{"result": "found"}, fr.Response)
}

func TestGeminiWireContentsRejectsEmptyRequest(t *testing.T) {
	g := &gemini{name: "g", model: "gemini-2.0-flash"}
	_, err := g.wireContents(&Request{})
	require.Error(t, err)
	assert.True(t, errdefs.IsMessageFailure(err))
}

func TestGeminiBuildConfig(t *testing.T) {
	g := &gemini{name: "g", model: "gemini-2.0-flash"}

	config := g.buildConfig(&Request{
		System: "Answer briefly.",
		Tools: []ToolDef{{
			Name:        "lookup",
			Description: "Search the index.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"q"},
				"properties": map[string]any{
					"q": map[string]any{"type": "string", "description": "query"},
				},
			},
		}},
		Params: map[string]any{
			"temperature":     0.2,
			"max_tokens":      512,
			"thinking_budget": 1024,
		},
	})

	require.NotNil(t, config.SystemInstruction)
	assert.Equal(t, "Answer briefly.", config.SystemInstruction.Parts[0].Text)

	require.NotNil(t, config.Temperature)
	assert.Equal(t, float32(0.2), *config.Temperature)
	assert.Equal(t, int32(512), config.MaxOutputTokens)

	require.NotNil(t, config.ThinkingConfig)
	assert.True(t, config.ThinkingConfig.IncludeThoughts)
	require.NotNil(t, config.ThinkingConfig.ThinkingBudget)
	assert.Equal(t, int32(1024), *config.ThinkingConfig.ThinkingBudget)

	require.Len(t, config.Tools, 1)
	decl := config.Tools[0].FunctionDeclarations[0]
	assert.Equal(t, "lookup", decl.Name)
	require.NotNil(t, decl.Parameters)
	assert.Equal(t, genai.Type("OBJECT"), decl.Parameters.Type)
	assert.Equal(t, []string{"q"}, decl.Parameters.Required)
	assert.Equal(t, genai.Type("STRING"), decl.Parameters.Properties["q"].Type)
}

func TestGenaiSchema(t *testing.T) {
	s := genaiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "enum": []any{"a", "b"}},
			},
		},
		"required": []string{"tags"},
	})

	require.NotNil(t, s)
	assert.Equal(t, genai.Type("OBJECT"), s.Type)
	assert.Equal(t, []string{"tags"}, s.Required)

	tags := s.Properties["tags"]
	require.NotNil(t, tags)
	assert.Equal(t, genai.Type("ARRAY"), tags.Type)
	require.NotNil(t, tags.Items)
	assert.Equal(t, []string{"a", "b"}, tags.Items.Enum)

	assert.Nil(t, genaiSchema(nil))
}

func TestStableCallID(t *testing.T) {
	a := stableCallID("lookup", map[string]any{"q": "go"})
	b := stableCallID("lookup", map[string]any{"q": "go"})
	c := stableCallID("lookup", map[string]any{"q": "rust"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "call-")
}

func TestGeminiRole(t *testing.T) {
	assert.Equal(t, "model", geminiRole(dsl.RoleAssistant))
	assert.Equal(t, "model", geminiRole(dsl.RoleModel))
	assert.Equal(t, "user", geminiRole(dsl.RoleUser))
	assert.Equal(t, "user", geminiRole(dsl.RoleTool))
}
