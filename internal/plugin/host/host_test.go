package host

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/xswarm-ai/xswarm/internal/plugin"
)

// echoTool returns a BuiltinTool that echoes its args back as the result.
func echoTool(name string) BuiltinTool {
	return BuiltinTool{
		Tool: plugin.Tool{Name: name, Description: "echoes args"},
		Handler: func(_ context.Context, args string) (string, error) {
			return args, nil
		},
	}
}

// failTool returns a BuiltinTool that always returns an error.
func failTool(name string) BuiltinTool {
	return BuiltinTool{
		Tool: plugin.Tool{Name: name},
		Handler: func(_ context.Context, _ string) (string, error) {
			return "", fmt.Errorf("always fails")
		},
	}
}

func toolNamed(tools []plugin.Tool, name string) *plugin.Tool {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i]
		}
	}
	return nil
}

func TestRegisterBuiltin(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	if err := h.RegisterBuiltin(echoTool("greet")); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	got := h.Tools()
	entry := toolNamed(got, "greet")
	if entry == nil {
		t.Fatalf("tool %q not found in Tools", "greet")
	}
	if entry.Server != "builtin" {
		t.Errorf("server = %q; want builtin", entry.Server)
	}
}

func TestRegisterBuiltinEmptyName(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	err := h.RegisterBuiltin(BuiltinTool{
		Handler: func(_ context.Context, _ string) (string, error) { return "", nil },
	})
	if err == nil {
		t.Error("expected error for empty name, got nil")
	}
}

func TestRegisterBuiltinNilHandler(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	if err := h.RegisterBuiltin(BuiltinTool{Tool: plugin.Tool{Name: "no-handler"}}); err == nil {
		t.Error("expected error for nil handler, got nil")
	}
}

func TestExecuteTool_Builtin(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	if err := h.RegisterBuiltin(echoTool("echo")); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	res, err := h.ExecuteTool(context.Background(), "echo", `{"v":1}`)
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if res.IsError {
		t.Errorf("IsError = true; want false")
	}
	if res.Content != `{"v":1}` {
		t.Errorf("content = %q; want args echoed back", res.Content)
	}
	if res.DurationMs < 0 {
		t.Errorf("duration = %d; want >= 0", res.DurationMs)
	}
}

func TestExecuteTool_BuiltinError(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	if err := h.RegisterBuiltin(failTool("broken")); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	res, err := h.ExecuteTool(context.Background(), "broken", "{}")
	if err != nil {
		t.Fatalf("ExecuteTool returned transport error for application failure: %v", err)
	}
	if !res.IsError {
		t.Error("IsError = false; want true")
	}
	if !strings.Contains(res.Content, "always fails") {
		t.Errorf("content = %q; want error message", res.Content)
	}
}

func TestExecuteTool_FuzzyNameResolution(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	if err := h.RegisterBuiltin(echoTool("set_timer")); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	// A speech model transcribes tool names; "set a timer" must still reach
	// set_timer.
	res, err := h.ExecuteTool(context.Background(), "set a timer", `{"minutes":5}`)
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if res.Content != `{"minutes":5}` {
		t.Errorf("content = %q; want args echoed back", res.Content)
	}
}

func TestExecuteTool_UnknownTool(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	if _, err := h.ExecuteTool(context.Background(), "missing", "{}"); err == nil {
		t.Error("expected error for unknown tool, got nil")
	}
}

func TestTools_SortedByName(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := h.RegisterBuiltin(echoTool(name)); err != nil {
			t.Fatalf("RegisterBuiltin(%q): %v", name, err)
		}
	}

	got := h.Tools()
	if len(got) != 3 {
		t.Fatalf("len(Tools) = %d; want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Name > got[i].Name {
			t.Fatalf("tools not sorted: %q before %q", got[i-1].Name, got[i].Name)
		}
	}
}

func TestRegisterServer_InvalidConfigs(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()
	ctx := context.Background()

	cases := []struct {
		name string
		cfg  plugin.ServerConfig
	}{
		{"empty name", plugin.ServerConfig{Transport: plugin.TransportStdio, Command: "/bin/true"}},
		{"bad transport", plugin.ServerConfig{Name: "x", Transport: "carrier-pigeon"}},
		{"stdio without command", plugin.ServerConfig{Name: "x", Transport: plugin.TransportStdio}},
		{"http without url", plugin.ServerConfig{Name: "x", Transport: plugin.TransportStreamableHTTP}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := h.RegisterServer(ctx, tc.cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestClose_ClearsCatalogue(t *testing.T) {
	t.Parallel()
	h := New()

	if err := h.RegisterBuiltin(echoTool("gone")); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := h.Tools(); len(got) != 0 {
		t.Errorf("Tools after Close = %d entries; want 0", len(got))
	}
}

func TestExecuteTool_Concurrent(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	if err := h.RegisterBuiltin(echoTool("echo")); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 16 {
				if _, err := h.ExecuteTool(context.Background(), "echo", "{}"); err != nil {
					t.Errorf("ExecuteTool: %v", err)
					return
				}
			}
		})
	}
	wg.Wait()
}
