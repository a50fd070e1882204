package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/httpclient"
)

// apiTool invokes a declared HTTP endpoint. Arguments travel as a JSON body,
// or as query parameters for GET and HEAD. The transport only retries when
// the declaration asks for it; retry across whole invocations belongs to the
// step layer.
type apiTool struct {
	base
	def    *dsl.APITool
	auth   Authorizer
	client *httpclient.Client
}

func newAPI(def *dsl.APITool, opts Options) (*apiTool, error) {
	maxRetries := 0
	baseDelay := time.Duration(0)
	if def.Retry != nil {
		maxRetries = def.Retry.MaxAttempts - 1
		baseDelay = def.Retry.InitialDelay
	}
	client := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: opts.Timeout}),
		httpclient.WithMaxRetries(maxRetries),
		httpclient.WithBaseDelay(baseDelay),
	)
	return &apiTool{
		base:   newBase(def.Meta(), opts.Types),
		def:    def,
		auth:   opts.Auth,
		client: client,
	}, nil
}

func (t *apiTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	req, err := t.request(ctx, args)
	if err != nil {
		return nil, err
	}
	if t.auth != nil {
		if err := t.auth.Apply(ctx, req); err != nil {
			return nil, invokeError(t.name, err)
		}
	}
	resp, err := t.client.Do(req)
	if resp != nil && resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, apiStatusError(t.name, resp.StatusCode, body)
	}
	if err != nil {
		return nil, transportFailure(t.name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportFailure(t.name, err)
	}
	return decodeResult(body), nil
}

func (t *apiTool) Close() error { return nil }

func (t *apiTool) request(ctx context.Context, args map[string]any) (*http.Request, error) {
	var req *http.Request
	var err error
	switch t.def.Method {
	case http.MethodGet, http.MethodHead:
		req, err = http.NewRequestWithContext(ctx, t.def.Method, t.def.Endpoint, nil)
		if err == nil && len(args) > 0 {
			q := req.URL.Query()
			for k, v := range args {
				q.Set(k, queryValue(v))
			}
			req.URL.RawQuery = q.Encode()
		}
	default:
		payload, merr := json.Marshal(args)
		if merr != nil {
			return nil, errdefs.Failuref("tool: '%s' cannot encode arguments: %v", t.name, merr)
		}
		req, err = http.NewRequestWithContext(ctx, t.def.Method, t.def.Endpoint, bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, errdefs.Failuref("tool: '%s' cannot build request: %v", t.name, err)
	}
	for k, v := range t.def.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// queryValue renders an argument for a query string. Scalars print directly;
// anything structured goes through JSON.
func queryValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool, int, int64, float64:
		return fmt.Sprint(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// decodeResult decodes a response body. JSON comes back structured; anything
// else comes back as a string.
func decodeResult(body []byte) any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		return v
	}
	return string(body)
}
