package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/runtime"
)

const testApp = `id: greeter

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

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testApp), 0644))

	rt, err := runtime.Load(context.Background(), path, runtime.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	ts := httptest.NewServer(New(rt, Options{}).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "greeter", body["app"])
}

func TestListFlows(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/flows")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[struct {
		Flows []flowInfo `json:"flows"`
	}](t, resp)
	require.Len(t, body.Flows, 1)
	assert.Equal(t, "greet", body.Flows[0].ID)
	assert.Equal(t, []string{"name"}, body.Flows[0].Inputs)
	assert.Equal(t, []string{"greeting"}, body.Flows[0].Outputs)
}

func TestRunFlow(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/flows/greet", runRequest{
		Inputs: map[string]any{"name": "Ada"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[runResponse](t, resp)
	assert.Equal(t, "Hello, Ada!", body.Outputs["greeting"])
	assert.NotEmpty(t, body.RunID)
	assert.NotEmpty(t, body.SessionID)
	assert.Empty(t, body.Errors)
}

func TestRunFlowRejections(t *testing.T) {
	ts := newTestServer(t)

	t.Run("unknown flow", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/flows/nope", runRequest{})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/flows/greet", "application/json",
			strings.NewReader("{not json"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("missing required input", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/flows/greet", runRequest{Inputs: map[string]any{}})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		body := decodeBody[map[string]string](t, resp)
		assert.Contains(t, body["error"], "required")
	})
}

func TestStreamFlow(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/flows/greet/stream", runRequest{
		Inputs: map[string]any{"name": "Ada"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var names []string
	var resultData string
	scanner := bufio.NewScanner(resp.Body)
	current := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
			names = append(names, current)
		case strings.HasPrefix(line, "data: ") && current == "result":
			resultData = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, scanner.Err())

	assert.Contains(t, names, "start-step")
	assert.Contains(t, names, "finish")
	assert.Equal(t, "result", names[len(names)-1])

	var result runResponse
	require.NoError(t, json.Unmarshal([]byte(resultData), &result))
	assert.Equal(t, "Hello, Ada!", result.Outputs["greeting"])
}

func TestStreamUnknownFlow(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/flows/nope/stream", runRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
