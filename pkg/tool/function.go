package tool

import (
	"context"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/registry"
)

// Function is a native Go implementation backing a function tool. Arguments
// arrive already decoded; the result must be JSON-encodable.
type Function func(ctx context.Context, args map[string]any) (any, error)

// Functions maps module_path and function_name pairs to implementations.
// Declarations resolve against it at construction time, so a missing
// registration surfaces before any flow runs.
type Functions struct {
	reg *registry.BaseRegistry[Function]
}

func NewFunctions() *Functions {
	return &Functions{reg: registry.NewBaseRegistry[Function]()}
}

// Register binds an implementation. Registering the same pair twice is an
// error.
func (f *Functions) Register(modulePath, functionName string, fn Function) error {
	return f.reg.Register(functionKey(modulePath, functionName), fn)
}

// Names returns the registered keys in sorted order.
func (f *Functions) Names() []string {
	return f.reg.Names()
}

func (f *Functions) resolve(modulePath, functionName string) (Function, bool) {
	return f.reg.Get(functionKey(modulePath, functionName))
}

func functionKey(modulePath, functionName string) string {
	return modulePath + "." + functionName
}

type functionTool struct {
	base
	fn Function
}

func newFunction(def *dsl.FunctionTool, opts Options) (*functionTool, error) {
	if opts.Functions == nil {
		return nil, errdefs.Fatalf("tool: '%s' needs a function registry", def.ID)
	}
	fn, ok := opts.Functions.resolve(def.ModulePath, def.FunctionName)
	if !ok {
		return nil, errdefs.Fatalf("tool: no function registered for '%s.%s'", def.ModulePath, def.FunctionName)
	}
	return &functionTool{base: newBase(def.Meta(), opts.Types), fn: fn}, nil
}

func (t *functionTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	result, err := t.fn(ctx, args)
	if err != nil {
		return nil, invokeError(t.name, err)
	}
	return result, nil
}

func (t *functionTool) Close() error { return nil }
