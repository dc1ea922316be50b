// Package plugin defines the interface for the xSwarm plugin host.
//
// Plugins extend the assistant with tools the model can invoke mid
// conversation. External plugins are Model Context Protocol (MCP) servers
// reached over stdio or streamable HTTP; builtins are plain Go functions
// registered in-process. The host maintains the combined tool catalogue,
// executes calls on behalf of the engine, and resolves spoken plugin
// invocations to tool names via phonetic matching (speech never arrives
// with exact underscored tool names).
//
// All Host methods must be safe for concurrent use.
package plugin

import "context"

// Transport selects the connection mechanism for a plugin server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single plugin server.
type ServerConfig struct {
	// Name is the human-readable identifier for this server.
	// Must be unique within a single [Host]. Used in log messages and errors.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string

	// URL is the endpoint address used when Transport is "streamable-http".
	// Ignored for stdio transport.
	URL string

	// Env holds additional environment variables injected into the server
	// process when Transport is "stdio". May be nil.
	Env map[string]string
}

// Tool is the public descriptor of a single callable tool.
type Tool struct {
	// Name is the tool's unique identifier (e.g. "set_timer").
	Name string

	// Description is the human-readable summary shown to the model.
	Description string

	// Parameters is the tool's JSON-schema parameter object.
	Parameters map[string]any

	// Server is the name of the plugin server providing this tool, or
	// "builtin" for in-process tools.
	Server string
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, typically JSON or human-readable
	// text ready to be spoken or injected into the model context.
	Content string

	// IsError indicates an application-level error (as opposed to a
	// transport failure returned via the Go error value). When true, Content
	// carries the error message.
	IsError bool

	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64
}

// Host manages plugin server connections and routes tool calls.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// RegisterServer connects to the plugin server described by cfg and
	// imports its tool catalogue. Registering a server name twice replaces
	// the earlier connection.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// Tools returns the combined tool catalogue, sorted by name.
	Tools() []Tool

	// ExecuteTool calls the named tool with JSON-encoded args and returns
	// the result. args must be a valid JSON object string; "{}" is valid
	// for parameter-less tools.
	//
	// A non-nil *ToolResult is returned even when [ToolResult.IsError] is
	// true. A Go error is returned only on transport or protocol failure.
	ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// Close shuts down all server connections. The Host must not be used
	// after Close returns.
	Close() error
}
