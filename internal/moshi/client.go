// Package moshi implements the client for a local moshi-style model server.
//
// It establishes a bidirectional WebSocket connection to the server and
// exchanges JSON events. Audio crosses the wire as base64-encoded PCM16 at
// 24 kHz; mimi codec tokens travel as plain JSON arrays. One connection
// carries the codec channel (encode/decode submissions and results,
// satisfying [codec.Tokenizer]), the inference channel (one step per frame
// period, satisfying [engine.Stepper]), and the tool channel: the server
// emits tool.call when the model wants a tool executed, and the client
// answers with tool.result once the [ToolHandler] returns.
//
// This package is internal because the wire protocol is private to the
// xSwarm deployment and not intended for import by external code.
package moshi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/xswarm-ai/xswarm/internal/engine"
	"github.com/xswarm-ai/xswarm/pkg/audio"
	"github.com/xswarm-ai/xswarm/pkg/codec"
)

// Compile-time assertions that Client satisfies both model-facing contracts.
var _ codec.Tokenizer = (*Client)(nil)
var _ engine.Stepper = (*Client)(nil)

const (
	// defaultReadyTimeout bounds the wait for the server's session.ready
	// handshake after dialing.
	defaultReadyTimeout = 10 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithInstructions sets the persona system prompt sent in session.start.
func WithInstructions(instructions string) Option {
	return func(c *Client) { c.instructions = instructions }
}

// WithVoice selects the model voice embedding sent in session.start.
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// WithReadyTimeout overrides the session.ready handshake timeout.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readyTimeout = d
		}
	}
}

// ToolHandler executes one tool call requested by the model. name is the
// tool name as the model spoke it, args the JSON-encoded arguments. The
// returned content travels back to the model in tool.result; a non-nil
// error marks the result as failed with the error text as content.
type ToolHandler func(ctx context.Context, name, args string) (string, error)

// WithToolHandler installs the handler invoked for tool.call events. Without
// one, every tool call is answered with a failed tool.result.
func WithToolHandler(h ToolHandler) Option {
	return func(c *Client) { c.toolHandler = h }
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionStartMessage struct {
	Type         string `json:"type"`
	Instructions string `json:"instructions,omitempty"`
	Voice        string `json:"voice,omitempty"`
}

type encodeSubmitMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16, 24 kHz mono
}

type decodeSubmitMessage struct {
	Type   string    `json:"type"`
	Tokens [][]int32 `json:"tokens"`
}

type stepMessage struct {
	Type   string    `json:"type"`
	Tokens [][]int32 `json:"tokens"`
}

type toolResultMessage struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// session.ready
	Codebooks int `json:"codebooks,omitempty"`

	// encode.result / step.result
	Tokens [][]int32 `json:"tokens,omitempty"`

	// decode.result
	Audio string `json:"audio,omitempty"`

	// step.result
	Text string `json:"text,omitempty"`

	// tool.call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is a connection to a moshi-style model server. Create with [Dial].
//
// The codec methods follow submit/poll semantics with at most one operation
// in flight per direction; the step method blocks until the server returns
// the inference result. All methods are safe for concurrent use, but encode,
// decode and step each assume a single caller.
type Client struct {
	conn         *websocket.Conn
	instructions string
	voice        string
	readyTimeout time.Duration
	toolHandler  ToolHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	codebooks int
	errVal    error
	closed    bool

	// Pending results filled by the receive loop. nil when no result is
	// waiting; the submit flags track whether an operation is in flight.
	encodePending bool
	encodeResult  codec.Tokens
	decodePending bool
	decodeResult  audio.Frame

	stepCh chan serverEvent

	closeOnce sync.Once
}

// Dial connects to the model server at url (a ws:// or wss:// endpoint),
// sends session.start and waits for the session.ready handshake that carries
// the codebook count. The returned Client is ready for codec and step
// traffic.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		readyTimeout: defaultReadyTimeout,
		stepCh:       make(chan serverEvent, 1),
	}
	for _, o := range opts {
		o(c)
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("moshi: dial: %w", err)
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.writeJSON(sessionStartMessage{
		Type:         "session.start",
		Instructions: c.instructions,
		Voice:        c.voice,
	}); err != nil {
		c.cancel()
		conn.Close(websocket.StatusInternalError, "session start failed")
		return nil, fmt.Errorf("moshi: session start: %w", err)
	}

	if err := c.awaitReady(ctx); err != nil {
		c.cancel()
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}

	go c.receiveLoop()

	return c, nil
}

// awaitReady reads events until session.ready arrives, bounded by the ready
// timeout and the dial context.
func (c *Client) awaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("moshi: handshake read: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.ready":
			if evt.Codebooks <= 0 {
				return fmt.Errorf("moshi: session.ready with invalid codebooks %d", evt.Codebooks)
			}
			c.mu.Lock()
			c.codebooks = evt.Codebooks
			c.mu.Unlock()
			return nil
		case "error":
			return fmt.Errorf("moshi: handshake rejected: %s", errorMessage(evt.Error))
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("moshi: marshal: %w", err)
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and routes results to the
// pending codec slots and the step channel. When it exits it cancels the
// client context so blocked Step callers observe the failure.
func (c *Client) receiveLoop() {
	defer c.cancel()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setErr(fmt.Errorf("moshi: connection lost: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if !c.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent dispatches one event. It returns false when the event is
// fatal and the receive loop must stop.
func (c *Client) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "encode.result":
		c.mu.Lock()
		c.encodeResult = codec.Tokens(evt.Tokens)
		c.mu.Unlock()

	case "decode.result":
		pcm, err := base64.StdEncoding.DecodeString(evt.Audio)
		if err != nil {
			c.setErr(fmt.Errorf("moshi: decode.result audio: %w", err))
			return false
		}
		c.mu.Lock()
		c.decodeResult = audio.Frame(audio.Int16ToFloat32(pcm))
		c.mu.Unlock()

	case "step.result":
		select {
		case c.stepCh <- *evt:
		case <-c.ctx.Done():
		}

	case "tool.call":
		// Tool execution can take seconds; it must not stall the receive
		// loop, which is still pacing codec and step traffic.
		go c.runToolCall(evt.CallID, evt.Name, evt.Arguments)

	case "error":
		// Any server-side error on the codec or inference channels is fatal
		// to the session: the token streams are stateful and cannot resync.
		c.setErr(fmt.Errorf("moshi: server error: %s", errorMessage(evt.Error)))
		return false
	}
	return true
}

// runToolCall executes one tool.call through the configured handler and
// writes the tool.result back. A write failure here is left to the receive
// loop, which will observe the dead connection on its next read.
func (c *Client) runToolCall(callID, name, args string) {
	result := toolResultMessage{Type: "tool.result", CallID: callID}

	if c.toolHandler == nil {
		result.Content = fmt.Sprintf("tool %q is not available in this session", name)
		result.IsError = true
	} else if content, err := c.toolHandler(c.ctx, name, args); err != nil {
		result.Content = err.Error()
		result.IsError = true
	} else {
		result.Content = content
	}

	if err := c.writeJSON(result); err != nil {
		c.setErr(fmt.Errorf("moshi: tool result write: %w", err))
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// takeErr returns the stored fatal error, if any.
func (c *Client) takeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

func errorMessage(detail *serverErrorDetail) string {
	if detail == nil || detail.Message == "" {
		return "unknown error"
	}
	return detail.Message
}

// ── codec.Tokenizer ────────────────────────────────────────────────────────────

// Encode submits one 24 kHz frame for encoding. At most one encode may be in
// flight; the result is retrieved with [Client.Encoded].
func (c *Client) Encode(frame audio.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("moshi: client closed")
	}
	if err := c.errVal; err != nil {
		c.mu.Unlock()
		return err
	}
	if c.encodePending {
		c.mu.Unlock()
		return fmt.Errorf("moshi: encode already in flight")
	}
	c.encodePending = true
	c.mu.Unlock()

	err := c.writeJSON(encodeSubmitMessage{
		Type:  "encode.submit",
		Audio: base64.StdEncoding.EncodeToString(audio.Float32ToInt16(frame)),
	})
	if err != nil {
		c.mu.Lock()
		c.encodePending = false
		c.mu.Unlock()
		return fmt.Errorf("moshi: encode submit: %w", err)
	}
	return nil
}

// Encoded polls for the result of the in-flight encode. It never blocks:
// ok is false while the server is still working.
func (c *Client) Encoded() (codec.Tokens, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.encodeResult != nil {
		tokens := c.encodeResult
		c.encodeResult = nil
		c.encodePending = false
		return tokens, true, nil
	}
	if c.errVal != nil {
		c.encodePending = false
		return nil, false, c.errVal
	}
	return nil, false, nil
}

// Decode submits one token batch for synthesis. At most one decode may be in
// flight; the result is retrieved with [Client.Decoded].
func (c *Client) Decode(tokens codec.Tokens) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("moshi: client closed")
	}
	if err := c.errVal; err != nil {
		c.mu.Unlock()
		return err
	}
	if c.decodePending {
		c.mu.Unlock()
		return fmt.Errorf("moshi: decode already in flight")
	}
	c.decodePending = true
	c.mu.Unlock()

	err := c.writeJSON(decodeSubmitMessage{
		Type:   "decode.submit",
		Tokens: tokens,
	})
	if err != nil {
		c.mu.Lock()
		c.decodePending = false
		c.mu.Unlock()
		return fmt.Errorf("moshi: decode submit: %w", err)
	}
	return nil
}

// Decoded polls for the result of the in-flight decode. It never blocks:
// ok is false while the server is still working.
func (c *Client) Decoded() (audio.Frame, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.decodeResult != nil {
		frame := c.decodeResult
		c.decodeResult = nil
		c.decodePending = false
		return frame, true, nil
	}
	if c.errVal != nil {
		c.decodePending = false
		return nil, false, c.errVal
	}
	return nil, false, nil
}

// Codebooks returns the codebook count announced in session.ready.
func (c *Client) Codebooks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codebooks
}

// ── engine.Stepper ─────────────────────────────────────────────────────────────

// Step runs one inference step on the encoded input tokens and blocks until
// the server returns the response tokens and text delta.
func (c *Client) Step(ctx context.Context, in codec.Tokens) (engine.StepResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return engine.StepResult{}, fmt.Errorf("moshi: client closed")
	}
	if err := c.errVal; err != nil {
		c.mu.Unlock()
		return engine.StepResult{}, err
	}
	c.mu.Unlock()

	if err := c.writeJSON(stepMessage{Type: "step", Tokens: in}); err != nil {
		return engine.StepResult{}, fmt.Errorf("moshi: step submit: %w", err)
	}

	select {
	case evt := <-c.stepCh:
		return engine.StepResult{
			Audio: codec.Tokens(evt.Tokens),
			Text:  evt.Text,
		}, nil
	case <-ctx.Done():
		return engine.StepResult{}, fmt.Errorf("moshi: step: %w", ctx.Err())
	case <-c.ctx.Done():
		if err := c.takeErr(); err != nil {
			return engine.StepResult{}, err
		}
		return engine.StepResult{}, fmt.Errorf("moshi: client closed")
	}
}

// Close terminates the session and releases all resources. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
