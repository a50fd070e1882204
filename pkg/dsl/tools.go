package dsl

import (
	"fmt"
	"strings"
)

// ToolDef is an externally invocable function exposed to flows and agents.
type ToolDef interface {
	Entity
	Type() string

	// Meta returns the fields shared by every tool variant.
	Meta() *ToolMeta
}

// ToolMeta carries the identity and parameter schema common to all tool
// variants. Inputs and Outputs declare the tool's parameters, not flow
// variables; InvokeTool binds them.
type ToolMeta struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name,omitempty" json:"name,omitempty"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      []*Variable `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs     []*Variable `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	entityPos
}

func (t *ToolMeta) EntityID() string { return t.ID }
func (t *ToolMeta) Meta() *ToolMeta  { return t }

func (t *ToolMeta) SetDefaults() {
	if t.Name == "" {
		t.Name = t.ID
	}
	for _, v := range t.Inputs {
		v.SetDefaults()
	}
	for _, v := range t.Outputs {
		v.SetDefaults()
	}
}

func (t *ToolMeta) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tool is missing an id")
	}
	for _, v := range t.Inputs {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("tool '%s' input: %w", t.ID, err)
		}
	}
	for _, v := range t.Outputs {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("tool '%s' output: %w", t.ID, err)
		}
	}
	return nil
}

// Parameter finds a declared input parameter by id.
func (t *ToolMeta) Parameter(id string) (*Variable, bool) {
	for _, v := range t.Inputs {
		if v.ID == id {
			return v, true
		}
	}
	return nil, false
}

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true,
}

// APITool invokes an HTTP endpoint. Parameters travel as a JSON body, or as
// query parameters for GET and HEAD.
type APITool struct {
	ToolMeta

	Endpoint string            `yaml:"endpoint" json:"endpoint"`
	Method   string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Auth     Ref               `yaml:"auth,omitempty" json:"auth,omitempty"`
	Retry    *RetryConfig      `yaml:"retry,omitempty" json:"retry,omitempty"`
}

func (t *APITool) Type() string { return "APITool" }

func (t *APITool) SetDefaults() {
	t.ToolMeta.SetDefaults()
	if t.Method == "" {
		t.Method = "POST"
	}
	t.Method = strings.ToUpper(t.Method)
	if t.Retry != nil {
		t.Retry.SetDefaults()
	}
}

func (t *APITool) Validate() error {
	if err := t.ToolMeta.Validate(); err != nil {
		return err
	}
	if t.Endpoint == "" {
		return fmt.Errorf("tool '%s' is missing an endpoint", t.ID)
	}
	if !httpMethods[t.Method] {
		return fmt.Errorf("tool '%s': unsupported method '%s'", t.ID, t.Method)
	}
	if t.Retry != nil {
		if err := t.Retry.Validate(); err != nil {
			return fmt.Errorf("tool '%s': %w", t.ID, err)
		}
	}
	return nil
}

// FunctionTool dispatches to a native function registered in the runtime's
// function registry under module_path and function_name.
type FunctionTool struct {
	ToolMeta

	ModulePath   string `yaml:"module_path" json:"module_path"`
	FunctionName string `yaml:"function_name" json:"function_name"`
}

func (t *FunctionTool) Type() string { return "FunctionTool" }

func (t *FunctionTool) Validate() error {
	if err := t.ToolMeta.Validate(); err != nil {
		return err
	}
	if t.ModulePath == "" {
		return fmt.Errorf("tool '%s' is missing a module_path", t.ID)
	}
	if t.FunctionName == "" {
		return fmt.Errorf("tool '%s' is missing a function_name", t.ID)
	}
	return nil
}

// MCPTool invokes a tool served by an MCP server, reached either over HTTP
// (server_url) or by spawning a local process (command).
type MCPTool struct {
	ToolMeta

	ServerURL string   `yaml:"server_url,omitempty" json:"server_url,omitempty"`
	Command   string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string `yaml:"args,omitempty" json:"args,omitempty"`
	ToolName  string   `yaml:"tool_name,omitempty" json:"tool_name,omitempty"`
	Auth      Ref      `yaml:"auth,omitempty" json:"auth,omitempty"`
}

func (t *MCPTool) Type() string { return "MCPTool" }

func (t *MCPTool) SetDefaults() {
	t.ToolMeta.SetDefaults()
	if t.ToolName == "" {
		t.ToolName = t.Name
	}
}

func (t *MCPTool) Validate() error {
	if err := t.ToolMeta.Validate(); err != nil {
		return err
	}
	if (t.ServerURL == "") == (t.Command == "") {
		return fmt.Errorf("tool '%s' needs exactly one of server_url or command", t.ID)
	}
	return nil
}

// PluginTool loads a tool implementation from an external plugin binary.
type PluginTool struct {
	ToolMeta

	Path     string `yaml:"path" json:"path"`
	Checksum string `yaml:"checksum,omitempty" json:"checksum,omitempty"`
}

func (t *PluginTool) Type() string { return "PluginTool" }

func (t *PluginTool) Validate() error {
	if err := t.ToolMeta.Validate(); err != nil {
		return err
	}
	if t.Path == "" {
		return fmt.Errorf("tool '%s' is missing a plugin path", t.ID)
	}
	return nil
}
