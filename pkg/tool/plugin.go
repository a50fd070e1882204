package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/rpc"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

// Handshake pins the wire contract between the host and tool plugins. A
// binary built against a different cookie is rejected before any call.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "QTYPE_PLUGIN",
	MagicCookieValue: "qtype_tool_v1",
}

// Service is the interface a plugin binary implements. Args and results
// cross the process boundary as JSON, so results must be JSON-encodable.
type Service interface {
	Invoke(name string, args map[string]any) (any, error)
}

// ServePlugin runs a Service as a plugin binary. Plugin main functions call
// this and nothing else.
func ServePlugin(impl Service) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]plugin.Plugin{"tool": &servicePlugin{impl: impl}},
	})
}

// InvokeRequest and InvokeReply are the rpc wire types. Arguments and
// results travel as JSON so plugins never juggle gob registration for
// nested values.
type InvokeRequest struct {
	Name string
	Args []byte
}

type InvokeReply struct {
	Result []byte
}

// servicePlugin adapts Service to go-plugin's net/rpc protocol.
type servicePlugin struct {
	impl Service
}

func (p *servicePlugin) Server(*plugin.MuxBroker) (any, error) {
	return &pluginServer{impl: p.impl}, nil
}

func (p *servicePlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &pluginClient{rpc: c}, nil
}

// pluginServer hosts the implementation inside the plugin process.
type pluginServer struct {
	impl Service
}

func (s *pluginServer) Invoke(req InvokeRequest, reply *InvokeReply) error {
	var args map[string]any
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fmt.Errorf("decode args: %w", err)
		}
	}
	result, err := s.impl.Invoke(req.Name, args)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	reply.Result = encoded
	return nil
}

// pluginClient is the host-side stub.
type pluginClient struct {
	rpc *rpc.Client
}

func (c *pluginClient) Invoke(name string, args map[string]any) (any, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	var reply InvokeReply
	if err := c.rpc.Call("Plugin.Invoke", InvokeRequest{Name: name, Args: encoded}, &reply); err != nil {
		return nil, err
	}
	var result any
	if len(reply.Result) > 0 {
		if err := json.Unmarshal(reply.Result, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return result, nil
}

// pluginTool launches a plugin binary on first use and invokes it over rpc.
// When a checksum is declared the binary is verified before launch.
type pluginTool struct {
	base
	def *dsl.PluginTool

	mu      sync.Mutex
	client  *plugin.Client
	service Service
}

func newPlugin(def *dsl.PluginTool, opts Options) (*pluginTool, error) {
	return &pluginTool{base: newBase(def.Meta(), opts.Types), def: def}, nil
}

func (t *pluginTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	service, err := t.connect()
	if err != nil {
		return nil, err
	}
	type outcome struct {
		result any
		err    error
	}
	// net/rpc calls cannot be cancelled; an abandoned call keeps running
	// until Close kills the process.
	done := make(chan outcome, 1)
	go func() {
		result, err := service.Invoke(t.name, args)
		done <- outcome{result, err}
	}()
	select {
	case <-ctx.Done():
		return nil, invokeError(t.name, ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, invokeError(t.name, out.err)
		}
		return out.result, nil
	}
}

func (t *pluginTool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Kill()
		t.client = nil
		t.service = nil
	}
	return nil
}

func (t *pluginTool) connect() (Service, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.service != nil {
		return t.service, nil
	}
	cfg := &plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          map[string]plugin.Plugin{"tool": &servicePlugin{}},
		Cmd:              exec.Command(t.def.Path),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "qtype-plugin",
			Level: hclog.Warn,
		}),
	}
	if t.def.Checksum != "" {
		sum, err := hex.DecodeString(t.def.Checksum)
		if err != nil {
			return nil, errdefs.Fatalf("tool: '%s' has a malformed checksum: %v", t.name, err)
		}
		cfg.SecureConfig = &plugin.SecureConfig{Checksum: sum, Hash: sha256.New()}
	}
	client := plugin.NewClient(cfg)
	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, errdefs.Fatalf("tool: '%s' plugin failed to start: %v", t.name, err)
	}
	raw, err := rpcClient.Dispense("tool")
	if err != nil {
		client.Kill()
		return nil, errdefs.Fatalf("tool: '%s' plugin dispense failed: %v", t.name, err)
	}
	service, ok := raw.(Service)
	if !ok {
		client.Kill()
		return nil, errdefs.Fatalf("tool: '%s' plugin serves the wrong interface", t.name)
	}
	t.client = client
	t.service = service
	return service, nil
}
