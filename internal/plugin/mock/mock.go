// Package mock provides an in-memory test double for the [plugin.Host]
// interface.
//
// [Host] records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. It is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	h := &mock.Host{}
//	h.ToolsResult = []plugin.Tool{{Name: "set_timer"}}
//	h.ExecuteToolResult = &plugin.ToolResult{Content: `{"ok":true}`}
//
//	// inject h into the system under test …
//
//	if got := h.CallCount("ExecuteTool"); got != 1 {
//	    t.Errorf("expected 1 ExecuteTool call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/xswarm-ai/xswarm/internal/plugin"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Host is a configurable test double for [plugin.Host].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil / zero values.
type Host struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// RegisterServerErr is returned by [Host.RegisterServer] when non-nil.
	RegisterServerErr error

	// ToolsResult is returned by [Host.Tools]. When nil, Tools returns an
	// empty non-nil slice.
	ToolsResult []plugin.Tool

	// ExecuteToolResult is returned by [Host.ExecuteTool] when
	// ExecuteToolErr is nil. When both are nil, a zero-value *ToolResult is
	// returned.
	ExecuteToolResult *plugin.ToolResult

	// ExecuteToolErr is returned by [Host.ExecuteTool] when non-nil.
	ExecuteToolErr error

	// CloseErr is returned by [Host.Close] when non-nil.
	CloseErr error
}

// Ensure Host satisfies the interface at compile time.
var _ plugin.Host = (*Host)(nil)

// Calls returns a copy of all recorded method invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// RegisterServer implements [plugin.Host].
func (h *Host) RegisterServer(_ context.Context, cfg plugin.ServerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "RegisterServer", Args: []any{cfg}})
	return h.RegisterServerErr
}

// Tools implements [plugin.Host].
func (h *Host) Tools() []plugin.Tool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "Tools", Args: nil})
	if h.ToolsResult == nil {
		return []plugin.Tool{}
	}
	out := make([]plugin.Tool, len(h.ToolsResult))
	copy(out, h.ToolsResult)
	return out
}

// ExecuteTool implements [plugin.Host].
func (h *Host) ExecuteTool(_ context.Context, name string, args string) (*plugin.ToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "ExecuteTool", Args: []any{name, args}})
	if h.ExecuteToolErr != nil {
		return nil, h.ExecuteToolErr
	}
	if h.ExecuteToolResult == nil {
		return &plugin.ToolResult{}, nil
	}
	// Return a copy so the caller cannot mutate the configured result.
	cp := *h.ExecuteToolResult
	return &cp, nil
}

// Close implements [plugin.Host].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "Close", Args: nil})
	return h.CloseErr
}
