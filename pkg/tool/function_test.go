package tool

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

func functionDef(t *testing.T, module, name string) *dsl.FunctionTool {
	t.Helper()
	def := &dsl.FunctionTool{
		ToolMeta:     dsl.ToolMeta{ID: name},
		ModulePath:   module,
		FunctionName: name,
	}
	def.SetDefaults()
	require.NoError(t, def.Validate())
	return def
}

func TestFunctionsRegistry(t *testing.T) {
	funcs := NewFunctions()
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }

	require.NoError(t, funcs.Register("acme.text", "upper", noop))
	require.NoError(t, funcs.Register("acme.text", "lower", noop))
	assert.Error(t, funcs.Register("acme.text", "upper", noop))

	assert.Equal(t, []string{"acme.text.lower", "acme.text.upper"}, funcs.Names())
}

func TestFunctionToolInvokes(t *testing.T) {
	funcs := NewFunctions()
	require.NoError(t, funcs.Register("acme.text", "upper", func(ctx context.Context, args map[string]any) (any, error) {
		s, _ := args["value"].(string)
		return strings.ToUpper(s), nil
	}))

	tool, err := New(functionDef(t, "acme.text", "upper"), Options{Functions: funcs})
	require.NoError(t, err)

	result, err := tool.Invoke(context.Background(), map[string]any{"value": "quiet"})
	require.NoError(t, err)
	assert.Equal(t, "QUIET", result)
	assert.NoError(t, tool.Close())
}

func TestFunctionToolMissingRegistration(t *testing.T) {
	_, err := New(functionDef(t, "acme.text", "upper"), Options{Functions: NewFunctions()})
	require.Error(t, err)
	assert.True(t, errdefs.IsFatal(err))
	assert.Contains(t, err.Error(), "no function registered for 'acme.text.upper'")
}

func TestFunctionToolNeedsRegistry(t *testing.T) {
	_, err := New(functionDef(t, "acme.text", "upper"), Options{})
	require.Error(t, err)
	assert.True(t, errdefs.IsFatal(err))
}

func TestFunctionToolClassifiesErrors(t *testing.T) {
	funcs := NewFunctions()
	require.NoError(t, funcs.Register("acme.text", "flaky", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errdefs.Transientf("warming up")
	}))
	require.NoError(t, funcs.Register("acme.text", "broken", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("division by zero")
	}))

	flaky, err := New(functionDef(t, "acme.text", "flaky"), Options{Functions: funcs})
	require.NoError(t, err)
	_, err = flaky.Invoke(context.Background(), nil)
	assert.True(t, errdefs.IsTransient(err))

	broken, err := New(functionDef(t, "acme.text", "broken"), Options{Functions: funcs})
	require.NoError(t, err)
	_, err = broken.Invoke(context.Background(), nil)
	assert.True(t, errdefs.IsMessageFailure(err))
	assert.Contains(t, err.Error(), "tool: 'broken' failed")
	assert.Contains(t, err.Error(), "division by zero")
}

func TestFunctionToolHonorsContext(t *testing.T) {
	funcs := NewFunctions()
	require.NoError(t, funcs.Register("acme.text", "watchful", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, ctx.Err()
	}))

	tool, err := New(functionDef(t, "acme.text", "watchful"), Options{Functions: funcs})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tool.Invoke(ctx, nil)
	assert.True(t, errdefs.IsCancelled(err))
}
