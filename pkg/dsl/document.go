// Package dsl defines the typed document model: the entities a qtype YAML
// document declares, the type references that connect them, and the parser
// that turns a loaded tree into an Application with every default filled and
// every field validated. References between entities stay unresolved here;
// the linker resolves them.
package dsl

import (
	"fmt"
	"time"

	"github.com/qtype-ai/qtype/pkg/errdefs"
)

// Entity is the contract every declared document entity satisfies. The set
// of implementations is closed; the parser owns construction.
type Entity interface {
	EntityID() string
	Pos() errdefs.Position
	SetDefaults()
	Validate() error

	setPos(errdefs.Position)
}

// Application is the root entity of a document. It bundles everything a
// runnable program needs: type and variable declarations, models, memories,
// authorization providers, tools, indexes, one optional telemetry sink, and
// the flows that do the work. References pull in further documents, usually
// through !include.
type Application struct {
	ID          string
	Description string
	References  []*Application
	Types       []*TypeDef
	Variables   []*Variable
	Memories    []*Memory
	Models      []ModelDef
	Auths       []AuthDef
	Tools       []ToolDef
	Indexes     []IndexDef
	Telemetry   *TelemetrySink
	Flows       []*Flow

	entityPos
}

func (a *Application) EntityID() string { return a.ID }

func (a *Application) SetDefaults() {}

func (a *Application) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("application is missing an id")
	}
	return nil
}

// Flow returns a flow declared directly on the application.
func (a *Application) Flow(id string) (*Flow, bool) {
	for _, f := range a.Flows {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// Variable is a named, typed slot carrying one value along a flow.
type Variable struct {
	ID       string  `yaml:"id" json:"id"`
	Type     TypeRef `yaml:"type" json:"type"`
	Optional bool    `yaml:"optional,omitempty" json:"optional,omitempty"`
	UIHint   string  `yaml:"ui_hint,omitempty" json:"ui_hint,omitempty"`

	entityPos
}

func (v *Variable) EntityID() string { return v.ID }

func (v *Variable) SetDefaults() {
	if v.Optional && !v.Type.IsOptional() {
		v.Type = v.Type.Optional()
	}
}

func (v *Variable) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("variable is missing an id")
	}
	if v.Type.IsZero() {
		return fmt.Errorf("variable '%s' is missing a type", v.ID)
	}
	return nil
}

// Memory configuration defaults.
const (
	DefaultMemoryTokenLimit     = 100000
	DefaultChatHistoryRatio     = 0.7
	DefaultMemoryTokenFlushSize = 3000
)

// Memory declares a per-session chat history store with token-based
// eviction.
type Memory struct {
	ID                    string  `yaml:"id" json:"id"`
	TokenLimit            int     `yaml:"token_limit,omitempty" json:"token_limit,omitempty"`
	ChatHistoryTokenRatio float64 `yaml:"chat_history_token_ratio,omitempty" json:"chat_history_token_ratio,omitempty"`
	TokenFlushSize        int     `yaml:"token_flush_size,omitempty" json:"token_flush_size,omitempty"`

	entityPos
}

func (m *Memory) EntityID() string { return m.ID }

func (m *Memory) SetDefaults() {
	if m.TokenLimit == 0 {
		m.TokenLimit = DefaultMemoryTokenLimit
	}
	if m.ChatHistoryTokenRatio == 0 {
		m.ChatHistoryTokenRatio = DefaultChatHistoryRatio
	}
	if m.TokenFlushSize == 0 {
		m.TokenFlushSize = DefaultMemoryTokenFlushSize
	}
}

func (m *Memory) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("memory is missing an id")
	}
	if m.TokenLimit <= 0 {
		return fmt.Errorf("memory '%s': token_limit must be positive", m.ID)
	}
	if m.ChatHistoryTokenRatio <= 0 || m.ChatHistoryTokenRatio > 1 {
		return fmt.Errorf("memory '%s': chat_history_token_ratio must be in (0, 1]", m.ID)
	}
	if m.TokenFlushSize <= 0 {
		return fmt.Errorf("memory '%s': token_flush_size must be positive", m.ID)
	}
	if m.TokenFlushSize > m.TokenLimit {
		return fmt.Errorf("memory '%s': token_flush_size exceeds token_limit", m.ID)
	}
	return nil
}

// TelemetrySink points span and event export at an OTLP endpoint. An
// application declares at most one.
type TelemetrySink struct {
	ID          string            `yaml:"id" json:"id"`
	Endpoint    string            `yaml:"endpoint" json:"endpoint"`
	Protocol    string            `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	ServiceName string            `yaml:"service_name,omitempty" json:"service_name,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Auth        Ref               `yaml:"auth,omitempty" json:"auth,omitempty"`

	entityPos
}

func (t *TelemetrySink) EntityID() string { return t.ID }

func (t *TelemetrySink) SetDefaults() {
	if t.Protocol == "" {
		t.Protocol = "http"
	}
}

func (t *TelemetrySink) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("telemetry sink is missing an id")
	}
	if t.Endpoint == "" {
		return fmt.Errorf("telemetry sink '%s' is missing an endpoint", t.ID)
	}
	if t.Protocol != "http" && t.Protocol != "grpc" {
		return fmt.Errorf("telemetry sink '%s': protocol must be http or grpc", t.ID)
	}
	return nil
}

// Retry policy defaults for transient provider errors.
const (
	DefaultRetryMaxAttempts  = 3
	DefaultRetryInitialDelay = 100 * time.Millisecond
	DefaultRetryMultiplier   = 2.0
	DefaultRetryMaxDelay     = 10 * time.Second
)

// RetryConfig tunes the exponential backoff applied to transient errors on
// model and tool calls. A nil RetryConfig means the defaults.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
	Multiplier   float64       `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
	MaxDelay     time.Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

func (r *RetryConfig) SetDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultRetryMaxAttempts
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = DefaultRetryInitialDelay
	}
	if r.Multiplier == 0 {
		r.Multiplier = DefaultRetryMultiplier
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = DefaultRetryMaxDelay
	}
}

func (r *RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("retry delays cannot be negative")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1")
	}
	return nil
}
