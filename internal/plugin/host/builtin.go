package host

import (
	"context"
	"fmt"

	"github.com/xswarm-ai/xswarm/internal/plugin"
)

// BuiltinTool represents a tool implemented as a Go function running
// in-process.
//
// Built-in tools bypass protocol overhead: ExecuteTool calls the Handler
// directly without any network or subprocess round-trip. They are otherwise
// identical to external tools and appear in the same catalogue.
type BuiltinTool struct {
	// Tool is the tool's public descriptor. The Server field is overwritten
	// with "builtin" on registration.
	Tool plugin.Tool

	// Handler is the function invoked when ExecuteTool is called for this
	// tool. args is a JSON object string (e.g. "{}" or `{"key":"value"}`).
	// Returning a non-nil error marks the result as an error.
	Handler func(ctx context.Context, args string) (string, error)
}

// RegisterBuiltin registers a built-in tool that is called in-process.
// If a tool with the same name is already registered it is replaced.
//
// RegisterBuiltin is safe for concurrent use.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Tool.Name == "" {
		return fmt.Errorf("plugin host: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("plugin host: builtin tool %q must have a non-nil handler", tool.Tool.Name)
	}

	tool.Tool.Server = builtinServerName

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Tool.Name] = toolEntry{
		tool:      tool.Tool,
		builtinFn: tool.Handler,
	}
	return nil
}
