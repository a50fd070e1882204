package dsl

import "strings"

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
	RoleFunction  MessageRole = "function"
	RoleDeveloper MessageRole = "developer"
	RoleModel     MessageRole = "model"
	RoleChatbot   MessageRole = "chatbot"
)

var messageRoles = map[MessageRole]bool{
	RoleUser:      true,
	RoleAssistant: true,
	RoleSystem:    true,
	RoleTool:      true,
	RoleFunction:  true,
	RoleDeveloper: true,
	RoleModel:     true,
	RoleChatbot:   true,
}

// Valid reports whether the role is one of the recognized values.
func (r MessageRole) Valid() bool { return messageRoles[r] }

// ChatContent is one block of a chat message. Type names the primitive kind
// of the payload; Content holds the value shaped accordingly (a string for
// text and thinking, bytes or a URI for media, a structured map for
// citations).
type ChatContent struct {
	Type     Kind   `yaml:"type" json:"type"`
	Content  any    `yaml:"content,omitempty" json:"content,omitempty"`
	MimeType string `yaml:"mime_type,omitempty" json:"mime_type,omitempty"`
}

// ChatMessage is the conversational unit exchanged with models and stored in
// memory.
type ChatMessage struct {
	Role   MessageRole   `yaml:"role" json:"role"`
	Blocks []ChatContent `yaml:"blocks" json:"blocks"`
}

// NewTextMessage builds a single-block text message.
func NewTextMessage(role MessageRole, text string) ChatMessage {
	return ChatMessage{
		Role:   role,
		Blocks: []ChatContent{{Type: KindText, Content: text}},
	}
}

// Text concatenates the message's text blocks.
func (m ChatMessage) Text() string {
	var b strings.Builder
	for _, block := range m.Blocks {
		if block.Type != KindText {
			continue
		}
		if s, ok := block.Content.(string); ok {
			b.WriteString(s)
		}
	}
	return b.String()
}

// Embedding is a vector produced by an embedding model.
type Embedding struct {
	Vector     []float32      `yaml:"vector" json:"vector"`
	SourceText string         `yaml:"source_text,omitempty" json:"source_text,omitempty"`
	Metadata   map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// RAGDocument is a unit of source material before chunking.
type RAGDocument struct {
	ID       string         `yaml:"id" json:"id"`
	Source   string         `yaml:"source,omitempty" json:"source,omitempty"`
	Content  string         `yaml:"content" json:"content"`
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// RAGChunk is one piece of a split document. Vector stays empty until an
// embedder fills it.
type RAGChunk struct {
	ID         string         `yaml:"id" json:"id"`
	DocumentID string         `yaml:"document_id" json:"document_id"`
	Index      int            `yaml:"index" json:"index"`
	Content    string         `yaml:"content" json:"content"`
	Vector     []float32      `yaml:"vector,omitempty" json:"vector,omitempty"`
	Metadata   map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// RAGSearchResult is one scored hit from an index query.
type RAGSearchResult struct {
	ID         string         `yaml:"id" json:"id"`
	DocumentID string         `yaml:"document_id,omitempty" json:"document_id,omitempty"`
	Content    string         `yaml:"content" json:"content"`
	Score      float64        `yaml:"score" json:"score"`
	Metadata   map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// AggregateStats summarizes a consumed stream.
type AggregateStats struct {
	NumSuccessful int `yaml:"num_successful" json:"num_successful"`
	NumFailed     int `yaml:"num_failed" json:"num_failed"`
	NumTotal      int `yaml:"num_total" json:"num_total"`
}

// builtinTypes exposes the domain types to documents as ordinary object
// types, so variables and custom types can reference them by id.
var builtinTypes = []*TypeDef{
	{
		ID: "ChatContent",
		Fields: []*FieldDef{
			{Name: "type", Type: MustTypeRef("text")},
			{Name: "content", Type: anyRef().Optional()},
			{Name: "mime_type", Type: MustTypeRef("text?")},
		},
	},
	{
		ID: "ChatMessage",
		Fields: []*FieldDef{
			{Name: "role", Type: MustTypeRef("text")},
			{Name: "blocks", Type: MustTypeRef("list[ChatContent]")},
		},
	},
	{
		ID: "Embedding",
		Fields: []*FieldDef{
			{Name: "vector", Type: MustTypeRef("list[float]")},
			{Name: "source_text", Type: MustTypeRef("text?")},
			{Name: "metadata", Type: anyRef().Optional()},
		},
	},
	{
		ID: "RAGDocument",
		Fields: []*FieldDef{
			{Name: "id", Type: MustTypeRef("text")},
			{Name: "source", Type: MustTypeRef("text?")},
			{Name: "content", Type: MustTypeRef("text")},
			{Name: "metadata", Type: anyRef().Optional()},
		},
	},
	{
		ID: "RAGChunk",
		Fields: []*FieldDef{
			{Name: "id", Type: MustTypeRef("text")},
			{Name: "document_id", Type: MustTypeRef("text")},
			{Name: "index", Type: MustTypeRef("int")},
			{Name: "content", Type: MustTypeRef("text")},
			{Name: "vector", Type: MustTypeRef("list[float]?")},
			{Name: "metadata", Type: anyRef().Optional()},
		},
	},
	{
		ID: "RAGSearchResult",
		Fields: []*FieldDef{
			{Name: "id", Type: MustTypeRef("text")},
			{Name: "document_id", Type: MustTypeRef("text?")},
			{Name: "content", Type: MustTypeRef("text")},
			{Name: "score", Type: MustTypeRef("float")},
			{Name: "metadata", Type: anyRef().Optional()},
		},
	},
	{
		ID: "AggregateStats",
		Fields: []*FieldDef{
			{Name: "num_successful", Type: MustTypeRef("int")},
			{Name: "num_failed", Type: MustTypeRef("int")},
			{Name: "num_total", Type: MustTypeRef("int")},
		},
	},
}

func isBuiltinType(id string) bool {
	for _, def := range builtinTypes {
		if def.ID == id {
			return true
		}
	}
	return false
}

// builtinGoValues lets ValidateValue accept the native Go structs for the
// domain types without flattening them to maps first.
var builtinGoValues = map[string]func(any) bool{
	"ChatMessage": func(v any) bool {
		switch v.(type) {
		case ChatMessage, *ChatMessage:
			return true
		}
		return false
	},
	"ChatContent": func(v any) bool {
		switch v.(type) {
		case ChatContent, *ChatContent:
			return true
		}
		return false
	},
	"Embedding": func(v any) bool {
		switch v.(type) {
		case Embedding, *Embedding:
			return true
		}
		return false
	},
	"RAGDocument": func(v any) bool {
		switch v.(type) {
		case RAGDocument, *RAGDocument:
			return true
		}
		return false
	},
	"RAGChunk": func(v any) bool {
		switch v.(type) {
		case RAGChunk, *RAGChunk:
			return true
		}
		return false
	},
	"RAGSearchResult": func(v any) bool {
		switch v.(type) {
		case RAGSearchResult, *RAGSearchResult:
			return true
		}
		return false
	},
	"AggregateStats": func(v any) bool {
		switch v.(type) {
		case AggregateStats, *AggregateStats:
			return true
		}
		return false
	},
}
