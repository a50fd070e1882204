package tool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/httpclient"
)

const mcpProtocolVersion = "2024-11-05"

// mcpTool invokes one named tool on an MCP server. A server_url declaration
// speaks JSON-RPC over HTTP; a command declaration spawns the server as a
// subprocess and speaks stdio. Connections are lazy: nothing is spawned or
// dialed until the first invocation.
type mcpTool struct {
	base
	def     *dsl.MCPTool
	auth    Authorizer
	timeout time.Duration

	mu    sync.Mutex
	stdio *client.Client
	http  *mcpHTTP
}

func newMCP(def *dsl.MCPTool, opts Options) (*mcpTool, error) {
	return &mcpTool{
		base:    newBase(def.Meta(), opts.Types),
		def:     def,
		auth:    opts.Auth,
		timeout: opts.Timeout,
	}, nil
}

func (t *mcpTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	if t.def.ServerURL != "" {
		return t.invokeHTTP(ctx, args)
	}
	return t.invokeStdio(ctx, args)
}

func (t *mcpTool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.http = nil
	if t.stdio == nil {
		return nil
	}
	err := t.stdio.Close()
	t.stdio = nil
	return err
}

// mcpOutcome flattens the text blocks of a call result. One block comes back
// as a string, several as a slice. An isError result rides in the message as
// a failure of this call.
func mcpOutcome(name string, texts []string, isError bool) (any, error) {
	if isError {
		msg := "call failed"
		if len(texts) > 0 {
			msg = strings.Join(texts, "\n")
		}
		return nil, errdefs.Failuref("tool: '%s': %s", name, msg)
	}
	switch len(texts) {
	case 0:
		return nil, nil
	case 1:
		return texts[0], nil
	default:
		return texts, nil
	}
}

// mcpError classifies an error from the MCP client machinery. Protocol and
// connection trouble is transient; the caller may well succeed on a retry
// against a fresh connection.
func mcpError(name string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errdefs.Cancelledf("tool: '%s' cancelled", name)
	case errors.Is(err, context.DeadlineExceeded):
		return errdefs.Transientf("tool: '%s' timed out", name)
	}
	return errdefs.Transientf("tool: '%s' MCP call failed: %v", name, err)
}

// --- stdio transport ---

func (t *mcpTool) invokeStdio(ctx context.Context, args map[string]any) (any, error) {
	cli, err := t.stdioClient(ctx)
	if err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = t.def.ToolName
	req.Params.Arguments = args
	resp, err := cli.CallTool(ctx, req)
	if err != nil {
		return nil, mcpError(t.name, err)
	}
	var texts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	return mcpOutcome(t.name, texts, resp.IsError)
}

// stdioClient spawns the server process and runs the MCP handshake once.
func (t *mcpTool) stdioClient(ctx context.Context) (*client.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stdio != nil {
		return t.stdio, nil
	}
	cli, err := client.NewStdioMCPClient(t.def.Command, nil, t.def.Args...)
	if err != nil {
		return nil, errdefs.Transientf("tool: '%s' cannot start MCP server: %v", t.name, err)
	}
	if err := cli.Start(ctx); err != nil {
		cli.Close()
		return nil, errdefs.Transientf("tool: '%s' cannot start MCP server: %v", t.name, err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: "qtype", Version: "0.1.0"}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		cli.Close()
		return nil, errdefs.Transientf("tool: '%s' MCP handshake failed: %v", t.name, err)
	}
	list, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		cli.Close()
		return nil, mcpError(t.name, err)
	}
	found := false
	for _, info := range list.Tools {
		if info.Name == t.def.ToolName {
			found = true
			break
		}
	}
	if !found {
		cli.Close()
		return nil, errdefs.Failuref("tool: MCP server '%s' does not expose '%s'", t.def.Command, t.def.ToolName)
	}
	t.stdio = cli
	return cli, nil
}

// --- HTTP transport ---

type mcpListResult struct {
	Tools []struct {
		Name string `json:"name"`
	} `json:"tools"`
}

type mcpCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	IsError bool `json:"isError,omitempty"`
}

func (t *mcpTool) invokeHTTP(ctx context.Context, args map[string]any) (any, error) {
	m, err := t.httpTransport(ctx)
	if err != nil {
		return nil, err
	}
	var result mcpCallResult
	params := map[string]any{"name": t.def.ToolName, "arguments": args}
	if err := m.call(ctx, t.name, "tools/call", params, &result); err != nil {
		return nil, err
	}
	var texts []string
	for _, content := range result.Content {
		if content.Type == "text" {
			texts = append(texts, content.Text)
		}
	}
	return mcpOutcome(t.name, texts, result.IsError)
}

// httpTransport dials the server and runs the MCP handshake once.
func (t *mcpTool) httpTransport(ctx context.Context) (*mcpHTTP, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.http != nil {
		return t.http, nil
	}
	m := &mcpHTTP{
		url:  t.def.ServerURL,
		auth: t.auth,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: t.timeout}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}
	params := map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "qtype", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	}
	if err := m.call(ctx, t.name, "initialize", params, nil); err != nil {
		return nil, err
	}
	var list mcpListResult
	if err := m.call(ctx, t.name, "tools/list", map[string]any{}, &list); err != nil {
		return nil, err
	}
	found := false
	for _, info := range list.Tools {
		if info.Name == t.def.ToolName {
			found = true
			break
		}
	}
	if !found {
		return nil, errdefs.Failuref("tool: MCP server at %s does not expose '%s'", t.def.ServerURL, t.def.ToolName)
	}
	t.http = m
	return m, nil
}

// mcpHTTP speaks JSON-RPC over streamable HTTP. Replies arrive either as
// plain JSON or as an SSE stream carrying the response as a data event. The
// server's mcp-session-id gets replayed on every subsequent request.
type mcpHTTP struct {
	url    string
	auth   Authorizer
	client *httpclient.Client
	nextID atomic.Int64

	mu      sync.Mutex
	session string
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (m *mcpHTTP) call(ctx context.Context, name, method string, params, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      m.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errdefs.Failuref("tool: '%s' cannot encode request: %v", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return errdefs.Failuref("tool: '%s' cannot build request: %v", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	m.mu.Lock()
	if m.session != "" {
		req.Header.Set("mcp-session-id", m.session)
	}
	m.mu.Unlock()
	if m.auth != nil {
		if err := m.auth.Apply(ctx, req); err != nil {
			return invokeError(name, err)
		}
	}
	resp, err := m.client.Do(req)
	if resp != nil && resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return apiStatusError(name, resp.StatusCode, body)
	}
	if err != nil {
		return transportFailure(name, err)
	}
	defer resp.Body.Close()
	if session := resp.Header.Get("mcp-session-id"); session != "" {
		m.mu.Lock()
		m.session = session
		m.mu.Unlock()
	}
	var raw []byte
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		raw, err = sseResponse(resp.Body)
	} else {
		raw, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		return transportFailure(name, err)
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return errdefs.Transientf("tool: '%s' returned a malformed response: %v", name, err)
	}
	if rpcResp.Error != nil {
		return errdefs.Failuref("tool: '%s' rpc error %d: %s", name, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return errdefs.Transientf("tool: '%s' returned a malformed result: %v", name, err)
		}
	}
	return nil
}

// sseResponse scans an SSE body for the first event that parses as a
// JSON-RPC response, skipping notifications the server may emit first.
func sseResponse(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	flush := func() []byte {
		if len(lines) == 0 {
			return nil
		}
		data := []byte(strings.Join(lines, "\n"))
		lines = lines[:0]
		return data
	}
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			lines = append(lines, strings.TrimSpace(after))
			continue
		}
		if line != "" {
			continue
		}
		if data := flush(); data != nil && isRPCResponse(data) {
			return data, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if data := flush(); data != nil && isRPCResponse(data) {
		return data, nil
	}
	return nil, errors.New("event stream ended without a response")
}

// isRPCResponse reports whether data looks like a response rather than a
// notification.
func isRPCResponse(data []byte) bool {
	var probe struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return len(probe.Result) > 0 || len(probe.Error) > 0
}
