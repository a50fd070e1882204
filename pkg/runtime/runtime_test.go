package runtime

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/interpreter"
	"github.com/qtype-ai/qtype/pkg/secret"
)

const appDoc = `id: echo-suite

flows:
  - id: greet
    inputs: [name]
    outputs: [greeting]
    variables:
      - id: name
        type: text
      - id: greeting
        type: text
    steps:
      - id: render
        type: PromptTemplate
        template: "Hello, {name}!"
        inputs: [name]
        outputs: [greeting]
`

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAndRun(t *testing.T) {
	rt, err := Load(context.Background(), writeDoc(t, appDoc), Options{})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "echo-suite", rt.App().ID())
	assert.Empty(t, rt.Warnings())

	res, err := rt.Run(context.Background(), "greet",
		map[string]any{"name": "Ada"}, interpreter.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada!", res.Outputs["greeting"])
}

func TestLoadReportsStageErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), Options{})
		require.Error(t, err)
		assert.Equal(t, errdefs.CodeLoader, errdefs.CodeOf(err))
	})

	t.Run("parse error", func(t *testing.T) {
		doc := "id: broken\nflows:\n  - id: f\n    steps:\n      - id: s\n        type: NoSuchStep\n"
		_, err := Load(context.Background(), writeDoc(t, doc), Options{})
		require.Error(t, err)
		assert.Equal(t, errdefs.CodeParser, errdefs.CodeOf(err))
	})

	t.Run("link error", func(t *testing.T) {
		doc := `id: broken
flows:
  - id: f
    variables:
      - id: q
        type: text
    steps:
      - id: s
        type: LLMInference
        inputs: [q]
        model: missing_model
`
		_, err := Load(context.Background(), writeDoc(t, doc), Options{})
		require.Error(t, err)
		assert.Equal(t, errdefs.CodeLink, errdefs.CodeOf(err))
	})
}

func TestValidateReturnsWarnings(t *testing.T) {
	app, warns, err := Validate(context.Background(), writeDoc(t, appDoc), Options{})
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Empty(t, warns)
	_, ok := app.Flow("greet")
	assert.True(t, ok)
}

func TestAPIKeyResolution(t *testing.T) {
	c := &clientCache{resolver: secret.EnvResolver{}}

	t.Run("declared auth entity", func(t *testing.T) {
		ref := dsl.RefTo("key")
		ref.Resolve("key", &dsl.APIKeyAuth{ID: "key", APIKey: secret.FromLiteral("sk-test")})
		got, err := c.apiKey(context.Background(), ref, "openai")
		require.NoError(t, err)
		assert.Equal(t, "sk-test", got)
	})

	t.Run("unsupported auth type", func(t *testing.T) {
		ref := dsl.RefTo("sso")
		ref.Resolve("sso", &dsl.OAuth2Auth{ID: "sso"})
		_, err := c.apiKey(context.Background(), ref, "openai")
		require.Error(t, err)
		assert.True(t, errdefs.IsFatal(err))
		assert.ErrorContains(t, err, "sso")
	})

	t.Run("provider env fallback", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "g-123")
		got, err := c.apiKey(context.Background(), dsl.Ref{}, "gemini")
		require.NoError(t, err)
		assert.Equal(t, "g-123", got)
	})
}

func TestClientCacheEvictsIdleEntries(t *testing.T) {
	closed := map[string]bool{}
	b := newBucket[*fakeClient](10*time.Millisecond, testLogger())

	first, err := b.get(context.Background(), "a", func(context.Context) (*fakeClient, error) {
		return &fakeClient{name: "a", closed: closed}, nil
	})
	require.NoError(t, err)

	again, err := b.get(context.Background(), "a", func(context.Context) (*fakeClient, error) {
		t.Fatal("cache miss for a warm entry")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Same(t, first, again)

	time.Sleep(20 * time.Millisecond)
	_, err = b.get(context.Background(), "b", func(context.Context) (*fakeClient, error) {
		return &fakeClient{name: "b", closed: closed}, nil
	})
	require.NoError(t, err)
	assert.True(t, closed["a"], "idle entry not evicted")

	b.closeAll()
	assert.True(t, closed["b"])
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeClient struct {
	name   string
	closed map[string]bool
}

func (f *fakeClient) Close() error {
	f.closed[f.name] = true
	return nil
}
