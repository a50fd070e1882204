// Package tool builds invocable tools from their declarations. Four variants
// exist: HTTP endpoints, native functions, MCP servers, and plugin binaries.
// Each hides its transport behind the same Tool interface, so the step layer
// never cares which kind sits behind a name.
package tool

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/httpclient"
)

// Tool is one invocable tool. Schema describes the declared input parameters
// as a JSON-schema object, the shape model adapters expect for function
// calling. Invoke runs a single call and classifies its own errors. Close
// releases whatever the transport holds open.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Invoke(ctx context.Context, args map[string]any) (any, error)
	Close() error
}

// Authorizer injects credentials into an outgoing request. The auth package
// provides one implementation per auth variant.
type Authorizer interface {
	Apply(ctx context.Context, req *http.Request) error
}

// Options carries the collaborators a tool variant may need. Auth is only
// consulted by transports that speak HTTP. Types resolves custom type ids
// mentioned in parameter declarations.
type Options struct {
	Auth      Authorizer
	Functions *Functions
	Types     dsl.TypeTable
	Timeout   time.Duration
}

const defaultTimeout = 30 * time.Second

// New builds a Tool for the given declaration.
func New(def dsl.ToolDef, opts Options) (Tool, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	switch d := def.(type) {
	case *dsl.APITool:
		return newAPI(d, opts)
	case *dsl.FunctionTool:
		return newFunction(d, opts)
	case *dsl.MCPTool:
		return newMCP(d, opts)
	case *dsl.PluginTool:
		return newPlugin(d, opts)
	default:
		return nil, errdefs.Fatalf("tool: unknown tool variant %T for '%s'", def, def.EntityID())
	}
}

// base carries the identity and schema shared by every variant.
type base struct {
	name   string
	desc   string
	schema map[string]any
}

func newBase(meta *dsl.ToolMeta, types dsl.TypeTable) base {
	return base{name: meta.Name, desc: meta.Description, schema: paramSchema(meta, types)}
}

func (b base) Name() string           { return b.name }
func (b base) Description() string    { return b.desc }
func (b base) Schema() map[string]any { return b.schema }

// paramSchema renders the declared inputs as a JSON-schema object. Optional
// parameters stay out of "required".
func paramSchema(meta *dsl.ToolMeta, types dsl.TypeTable) map[string]any {
	properties := make(map[string]any, len(meta.Inputs))
	required := make([]string, 0, len(meta.Inputs))
	for _, in := range meta.Inputs {
		properties[in.ID] = typeSchema(in.Type, types, nil)
		if !in.Optional && !in.Type.IsOptional() {
			required = append(required, in.ID)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func typeSchema(t dsl.TypeRef, types dsl.TypeTable, seen map[string]bool) map[string]any {
	switch {
	case t.IsList():
		elem := map[string]any{}
		if t.Elem() != nil {
			elem = typeSchema(*t.Elem(), types, seen)
		}
		return map[string]any{"type": "array", "items": elem}
	case t.IsCustom():
		return customSchema(t.CustomID(), types, seen)
	}
	switch t.Kind() {
	case dsl.KindInt:
		return map[string]any{"type": "integer"}
	case dsl.KindFloat:
		return map[string]any{"type": "number"}
	case dsl.KindBoolean:
		return map[string]any{"type": "boolean"}
	case dsl.KindBytes:
		return map[string]any{"type": "string", "contentEncoding": "base64"}
	case dsl.KindDate:
		return map[string]any{"type": "string", "format": "date"}
	case dsl.KindTime:
		return map[string]any{"type": "string", "format": "time"}
	case dsl.KindDatetime:
		return map[string]any{"type": "string", "format": "date-time"}
	case dsl.KindAny:
		return map[string]any{}
	default:
		return map[string]any{"type": "string"}
	}
}

// customSchema expands a named type into an object or array schema. Seen ids
// short-circuit to an open schema so recursive types terminate.
func customSchema(id string, types dsl.TypeTable, seen map[string]bool) map[string]any {
	if seen[id] {
		return map[string]any{}
	}
	def, ok := types.Lookup(id)
	if !ok {
		return map[string]any{}
	}
	if seen == nil {
		seen = make(map[string]bool)
	}
	seen[id] = true
	if def.Element != nil {
		return map[string]any{"type": "array", "items": typeSchema(*def.Element, types, seen)}
	}
	properties := make(map[string]any, len(def.Fields))
	required := make([]string, 0, len(def.Fields))
	for _, f := range def.Fields {
		properties[f.Name] = typeSchema(f.Type, types, seen)
		if !f.Type.IsOptional() {
			required = append(required, f.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if def.Description != "" {
		schema["description"] = def.Description
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// invokeError classifies an error raised while running a tool. Already
// classified errors pass through; everything else becomes a failure of this
// call attributed to the named tool.
func invokeError(name string, err error) error {
	var e *errdefs.Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return errdefs.Cancelledf("tool: '%s' cancelled", name)
	case errors.Is(err, context.DeadlineExceeded):
		return errdefs.Transientf("tool: '%s' timed out", name)
	}
	return errdefs.Wrapf(errdefs.CodeMessageFailure, err, "tool: '%s' failed", name)
}

// apiStatusError classifies a non-2xx response from a tool endpoint.
// Throttling and server-side trouble are transient; everything else failed
// this call for good.
func apiStatusError(name string, status int, body []byte) error {
	msg := errorBody(body)
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return errdefs.Transientf("tool: '%s' returned HTTP %d: %s", name, status, msg)
	}
	return errdefs.Failuref("tool: '%s' returned HTTP %d: %s", name, status, msg)
}

func errorBody(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "(empty response body)"
	}
	if len(trimmed) > 512 {
		trimmed = trimmed[:512] + "..."
	}
	return trimmed
}

// transportFailure classifies an error from the HTTP transport itself.
func transportFailure(name string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errdefs.Cancelledf("tool: '%s' cancelled", name)
	case errors.Is(err, context.DeadlineExceeded):
		return errdefs.Transientf("tool: '%s' timed out", name)
	}
	var retryErr *httpclient.RetryableError
	if errors.As(err, &retryErr) {
		return errdefs.Wrapf(errdefs.CodeTransient, err, "tool: '%s' retries exhausted", name).
			WithReason(errdefs.ReasonRetryExhausted)
	}
	return errdefs.Transientf("tool: '%s' request failed: %v", name, err)
}
