package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xswarm-ai/xswarm/internal/config"
	"github.com/xswarm-ai/xswarm/internal/persona"
	"github.com/xswarm-ai/xswarm/internal/plugin"
	pluginhost "github.com/xswarm-ai/xswarm/internal/plugin/host"
	pluginmock "github.com/xswarm-ai/xswarm/internal/plugin/mock"
	memmock "github.com/xswarm-ai/xswarm/pkg/memory/mock"
	embmock "github.com/xswarm-ai/xswarm/pkg/provider/embeddings/mock"
)

// minimalConfig is the smallest config New accepts: a model URL and nothing
// optional.
func minimalConfig() *config.Config {
	return &config.Config{
		Model: config.ModelConfig{URL: "ws://127.0.0.1:8998/api/session"},
	}
}

// writePersonaDir creates a persona directory with one navigator persona.
func writePersonaDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := "name: navigator\nsystem_prompt: You are the navigator.\nvoice: ember\n"
	if err := os.WriteFile(filepath.Join(dir, "navigator.yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("write persona: %v", err)
	}
	return dir
}

func TestNew_MinimalConfig(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), minimalConfig(), nil, WithPluginHost(&pluginmock.Host{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if a.telephony != nil {
		t.Error("telephony server created without a listen addr")
	}
	if a.admin != nil {
		t.Error("admin server created without a listen addr")
	}
}

func TestNew_LoadsPersonas(t *testing.T) {
	t.Parallel()

	cfg := minimalConfig()
	cfg.Personas = config.PersonasConfig{Dir: writePersonaDir(t), Default: "navigator"}

	a, err := New(context.Background(), cfg, nil, WithPluginHost(&pluginmock.Host{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	p, err := a.resolvePersona("")
	if err != nil {
		t.Fatalf("resolvePersona: %v", err)
	}
	if p == nil || p.Name != "navigator" {
		t.Errorf("default persona = %+v; want navigator", p)
	}
}

func TestNew_UnknownDefaultPersona(t *testing.T) {
	t.Parallel()

	cfg := minimalConfig()
	cfg.Personas = config.PersonasConfig{Dir: writePersonaDir(t), Default: "ghost"}

	if _, err := New(context.Background(), cfg, nil, WithPluginHost(&pluginmock.Host{})); err == nil {
		t.Fatal("unknown default persona should fail New")
	}
}

func TestNew_RegistersBuiltins(t *testing.T) {
	t.Parallel()

	host := pluginhost.New()

	providers := &Providers{
		Embeddings: &embmock.Provider{DimensionsValue: 3},
	}
	a, err := New(context.Background(), minimalConfig(), providers,
		WithPluginHost(host),
		WithMemoryStore(&memmock.Store{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	names := make(map[string]bool)
	for _, tool := range host.Tools() {
		names[tool.Name] = true
	}
	for _, want := range []string{"current_time", "remember_fact", "recall_facts"} {
		if !names[want] {
			t.Errorf("builtin %q not registered; have %v", want, names)
		}
	}
}

func TestNew_MemoryToolsNeedEmbeddings(t *testing.T) {
	t.Parallel()

	host := pluginhost.New()

	// Store but no embeddings provider: only the clock tool appears.
	a, err := New(context.Background(), minimalConfig(), nil,
		WithPluginHost(host),
		WithMemoryStore(&memmock.Store{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	tools := host.Tools()
	if len(tools) != 1 || tools[0].Name != "current_time" {
		t.Errorf("tools = %v; want only current_time", tools)
	}
}

func TestNew_PluginServerFailureIsFatal(t *testing.T) {
	t.Parallel()

	cfg := minimalConfig()
	cfg.Plugins.Servers = []config.PluginServerConfig{
		{Name: "home", Transport: plugin.TransportStdio, Command: "/bin/home"},
	}
	host := &pluginmock.Host{RegisterServerErr: errors.New("spawn failed")}

	if _, err := New(context.Background(), cfg, nil, WithPluginHost(host)); err == nil {
		t.Fatal("plugin server registration failure should fail New")
	}
}

func TestNew_PassesServerConfigToHost(t *testing.T) {
	t.Parallel()

	cfg := minimalConfig()
	cfg.Plugins.Servers = []config.PluginServerConfig{
		{Name: "calendar", Transport: plugin.TransportStreamableHTTP, URL: "https://example.com/mcp"},
	}
	host := &pluginmock.Host{}

	a, err := New(context.Background(), cfg, nil, WithPluginHost(host))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	calls := host.Calls()
	if len(calls) != 1 || calls[0].Method != "RegisterServer" {
		t.Fatalf("host calls = %v; want one RegisterServer", calls)
	}
	sc := calls[0].Args[0].(plugin.ServerConfig)
	if sc.Name != "calendar" || sc.URL != "https://example.com/mcp" {
		t.Errorf("server config = %+v", sc)
	}
}

func TestToolHandler_ExecutesThroughHost(t *testing.T) {
	t.Parallel()

	host := &pluginmock.Host{ExecuteToolResult: &plugin.ToolResult{Content: `{"time":"14:05"}`}}
	a, err := New(context.Background(), minimalConfig(), nil, WithPluginHost(host))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	handler := a.toolHandler(nil)
	content, err := handler(context.Background(), "current_time", "{}")
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if content != `{"time":"14:05"}` {
		t.Errorf("content = %q; want host result", content)
	}
	if got := host.CallCount("ExecuteTool"); got != 1 {
		t.Errorf("ExecuteTool called %d times; want 1", got)
	}
}

func TestToolHandler_PersonaAllowListBlocksUnlistedTool(t *testing.T) {
	t.Parallel()

	host := &pluginmock.Host{}
	a, err := New(context.Background(), minimalConfig(), nil, WithPluginHost(host))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	p := &persona.Persona{Name: "navigator", Plugins: []string{"current_time"}}
	handler := a.toolHandler(p)

	if _, err := handler(context.Background(), "open_garage", "{}"); err == nil {
		t.Fatal("unlisted tool should be rejected")
	}
	if got := host.CallCount("ExecuteTool"); got != 0 {
		t.Errorf("ExecuteTool called %d times for a rejected tool; want 0", got)
	}
}

func TestToolHandler_ResolvesSpokenNameAgainstAllowList(t *testing.T) {
	t.Parallel()

	// The model heard "set a timer"; the registered and allowed tool is
	// set_timer. The handler must resolve the spoken form before checking
	// the allow-list.
	host := &pluginmock.Host{
		ToolsResult:       []plugin.Tool{{Name: "set_timer"}, {Name: "current_time"}},
		ExecuteToolResult: &plugin.ToolResult{Content: "timer set"},
	}
	a, err := New(context.Background(), minimalConfig(), nil, WithPluginHost(host))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	p := &persona.Persona{Name: "navigator", Plugins: []string{"set_timer"}}
	handler := a.toolHandler(p)

	content, err := handler(context.Background(), "set a timer", `{"minutes":5}`)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if content != "timer set" {
		t.Errorf("content = %q; want timer set", content)
	}

	var executed string
	for _, c := range host.Calls() {
		if c.Method == "ExecuteTool" {
			executed = c.Args[0].(string)
		}
	}
	if executed != "set_timer" {
		t.Errorf("host executed %q; want resolved name set_timer", executed)
	}
}

func TestToolHandler_ToolErrorBecomesError(t *testing.T) {
	t.Parallel()

	host := &pluginmock.Host{
		ExecuteToolResult: &plugin.ToolResult{Content: "upstream service unavailable", IsError: true},
	}
	a, err := New(context.Background(), minimalConfig(), nil, WithPluginHost(host))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	handler := a.toolHandler(nil)
	if _, err := handler(context.Background(), "current_time", "{}"); err == nil || err.Error() != "upstream service unavailable" {
		t.Errorf("err = %v; want the tool's error content", err)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := minimalConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"

	a, err := New(context.Background(), cfg, nil, WithPluginHost(&pluginmock.Host{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v; want nil on clean cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestShutdown_ClosesSubsystemsOnce(t *testing.T) {
	t.Parallel()

	host := &pluginmock.Host{}
	a, err := New(context.Background(), minimalConfig(), nil, WithPluginHost(host))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	if got := host.CallCount("Close"); got != 1 {
		t.Errorf("host Close called %d times; want 1", got)
	}
}
