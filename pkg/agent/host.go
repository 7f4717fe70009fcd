package agent

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	goplugin "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
)

// Handshake is the go-plugin handshake config the runtime subprocess
// must echo back before the connection is trusted.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "AGENTD_RUNTIME",
	MagicCookieValue: "agentd",
}

// PluginMap is the go-plugin type map for this bridge; "runtime" is the
// only plugin kind this daemon dispenses.
var PluginMap = map[string]goplugin.Plugin{
	"runtime": &GRPCRuntimePlugin{},
}

// Host launches and supervises one external agent runtime subprocess.
type Host struct {
	mu      sync.Mutex
	client  *goplugin.Client
	runtime Runtime
	api     API
}

// NewHost constructs a Host exposing api to whatever runtime it loads.
func NewHost(api API) *Host {
	return &Host{api: api}
}

// Load launches the runtime binary at path and initializes it.
func (h *Host) Load(ctx context.Context, path string, args ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runtime != nil {
		return fmt.Errorf("agent: runtime already loaded")
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap,
		Cmd:             exec.Command(path, args...),
		AllowedProtocols: []goplugin.Protocol{
			goplugin.ProtocolGRPC,
		},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("agent: connecting to runtime: %w", err)
	}

	raw, err := rpcClient.Dispense("runtime")
	if err != nil {
		client.Kill()
		return fmt.Errorf("agent: dispensing runtime: %w", err)
	}

	rt, ok := raw.(Runtime)
	if !ok {
		client.Kill()
		return fmt.Errorf("agent: dispensed value is not a Runtime")
	}

	if err := rt.Init(ctx, h.api); err != nil {
		client.Kill()
		return fmt.Errorf("agent: initializing runtime: %w", err)
	}

	h.client = client
	h.runtime = rt
	return nil
}

// Runtime returns the loaded runtime, or nil if none is loaded.
func (h *Host) Runtime() Runtime {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runtime
}

// Unload shuts down the runtime and kills its subprocess.
func (h *Host) Unload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.runtime == nil {
		return nil
	}

	err := h.runtime.Shutdown(ctx)
	h.client.Kill()
	h.runtime = nil
	h.client = nil
	return err
}

// GRPCRuntimePlugin adapts Runtime to go-plugin's GRPCPlugin interface.
// Like the teacher's GRPCPlugin, the actual service registration is left
// for the generated protobuf stubs the runtime's own build supplies;
// this bridge only owns the handshake/process lifecycle.
type GRPCRuntimePlugin struct {
	goplugin.Plugin
	Impl Runtime
}

// GRPCServer is the broker's server-side hook; it registers no service
// and returns nil.
func (p *GRPCRuntimePlugin) GRPCServer(broker *goplugin.GRPCBroker, s *grpc.Server) error {
	return nil
}

// GRPCClient is the client-side hook; it builds no stub and returns
// (nil, nil), so Host.Load rejects the dispensed value as not a Runtime.
func (p *GRPCRuntimePlugin) GRPCClient(ctx context.Context, broker *goplugin.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return nil, nil
}
