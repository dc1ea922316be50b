// Package host provides the concrete implementation of [plugin.Host].
//
// It connects to plugin servers via stdio or streamable-HTTP transports using
// the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk) and keeps
// a concurrent-safe in-memory tool registry. In-process tools register via
// [Host.RegisterBuiltin] and bypass protocol overhead entirely.
//
// Typical usage:
//
//	h := host.New()
//
//	// Register an external plugin server.
//	err := h.RegisterServer(ctx, plugin.ServerConfig{
//	    Name:      "home",
//	    Transport: plugin.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-home-server",
//	})
//
//	// Or register a built-in Go function.
//	h.RegisterBuiltin(host.BuiltinTool{
//	    Tool:    plugin.Tool{Name: "current_time", ...},
//	    Handler: currentTime,
//	})
//
//	result, err := h.ExecuteTool(ctx, "current_time", "{}")
//
//	h.Close()
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/xswarm-ai/xswarm/internal/observe"
	"github.com/xswarm-ai/xswarm/internal/plugin"
)

// builtinServerName is the pseudo server name used for in-process tools.
const builtinServerName = "builtin"

// toolEntry holds all metadata for a single registered tool.
type toolEntry struct {
	tool plugin.Tool

	// builtinFn is non-nil for in-process tools registered via RegisterBuiltin.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// serverConn holds a live connection to an external plugin server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

// Host is the concrete implementation of [plugin.Host].
//
// The zero value is NOT usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry  // key: tool name
	servers map[string]serverConn // key: server name

	// client is reused across all server connections. The official SDK
	// allows a single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	met *observe.Metrics

	// matcher resolves misspoken tool names when an exact lookup fails.
	matcher *plugin.Matcher
}

// Compile-time check: Host must implement plugin.Host.
var _ plugin.Host = (*Host)(nil)

// Option is a functional option for configuring a Host.
type Option func(*Host)

// WithMetrics sets the metrics instance. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Host) { h.met = m }
}

// WithMatcher overrides the fuzzy matcher used to resolve misspoken tool
// names. The default is [plugin.NewMatcher] with default thresholds.
func WithMatcher(m *plugin.Matcher) Option {
	return func(h *Host) { h.matcher = m }
}

// New creates and returns a ready-to-use Host.
func New(opts ...Option) *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "xswarm-plugin-host", Version: "1.0.0"},
		nil,
	)
	h := &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client:  client,
	}
	for _, o := range opts {
		o(h)
	}
	if h.met == nil {
		h.met = observe.DefaultMetrics()
	}
	if h.matcher == nil {
		h.matcher = plugin.NewMatcher()
	}
	return h
}

// RegisterServer connects to the plugin server described by cfg and imports
// its tool catalogue. If a server with the same Name is already registered,
// the old connection is closed and replaced.
//
// For [plugin.TransportStdio]: cfg.Command is split on spaces into executable
// and args; cfg.Env is passed as additional environment variables.
//
// For [plugin.TransportStreamableHTTP]: cfg.URL is the endpoint address.
func (h *Host) RegisterServer(ctx context.Context, cfg plugin.ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("plugin host: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("plugin host: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case plugin.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("plugin host: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case plugin.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("plugin host: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("plugin host: failed to connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("plugin host: failed to list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range h.tools {
			if t.tool.Server == cfg.Name {
				delete(h.tools, name)
			}
		}
	}

	h.servers[cfg.Name] = serverConn{session: session}

	for _, sdkTool := range discovered {
		h.tools[sdkTool.Name] = toolEntry{
			tool: plugin.Tool{
				Name:        sdkTool.Name,
				Description: sdkTool.Description,
				Parameters:  schemaToMap(sdkTool.InputSchema),
				Server:      cfg.Name,
			},
		}
	}

	return nil
}

// Tools returns the combined tool catalogue, sorted by name.
func (h *Host) Tools() []plugin.Tool {
	h.mu.RLock()
	out := make([]plugin.Tool, 0, len(h.tools))
	for _, e := range h.tools {
		out = append(out, e.tool)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecuteTool calls the named tool with JSON-encoded args and returns the
// result. A non-nil *ToolResult is returned even when [plugin.ToolResult.IsError]
// is true; a Go error signals transport or protocol failure.
//
// Tool names emitted by a speech model are transcriptions of what was said,
// so an exact lookup can miss ("set a timer" for "set_timer"). When it does,
// the name is resolved through the fuzzy [plugin.Matcher] before giving up.
func (h *Host) ExecuteTool(ctx context.Context, name string, args string) (*plugin.ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()

	if !ok {
		matched, confidence, found := h.matcher.Match(name, h.Tools())
		if !found {
			return nil, fmt.Errorf("plugin host: tool %q not found", name)
		}
		slog.Debug("fuzzy-matched tool name",
			"requested", name, "matched", matched, "confidence", confidence)
		h.mu.RLock()
		entry, ok = h.tools[matched]
		h.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("plugin host: tool %q not found", name)
		}
	}

	start := time.Now()

	var result *plugin.ToolResult
	var execErr error

	if entry.builtinFn != nil {
		result, execErr = h.executeBuiltin(ctx, entry, args)
	} else {
		result, execErr = h.executeRemote(ctx, entry, args)
	}

	took := time.Since(start)
	status := "ok"
	if execErr != nil || (result != nil && result.IsError) {
		status = "error"
	}
	h.met.RecordPluginCall(ctx, name, status)
	h.met.PluginDuration.Record(ctx, took.Seconds())

	if execErr != nil {
		return nil, execErr
	}
	result.DurationMs = took.Milliseconds()
	return result, nil
}

// executeBuiltin calls the in-process handler for a builtin tool.
func (h *Host) executeBuiltin(ctx context.Context, entry toolEntry, args string) (*plugin.ToolResult, error) {
	output, err := entry.builtinFn(ctx, args)
	if err != nil {
		return &plugin.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &plugin.ToolResult{Content: output}, nil
}

// executeRemote routes the call to the appropriate server session.
func (h *Host) executeRemote(ctx context.Context, entry toolEntry, args string) (*plugin.ToolResult, error) {
	h.mu.RLock()
	conn, ok := h.servers[entry.tool.Server]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("plugin host: server %q not found for tool %q", entry.tool.Server, entry.tool.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("plugin host: invalid args JSON for tool %q: %w", entry.tool.Name, err)
		}
	}

	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.tool.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("plugin host: call to tool %q failed: %w", entry.tool.Name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	return &plugin.ToolResult{
		Content: sb.String(),
		IsError: callResult.IsError,
	}, nil
}

// Close shuts down all server connections and releases associated resources.
// After Close returns the Host must not be used again.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("plugin host: error closing server %q: %w", name, err)
		}
		delete(h.servers, name)
	}

	h.tools = make(map[string]toolEntry)

	return firstErr
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
