// Package telephony bridges phone calls onto the voice engine. A telephony
// gateway (SIP/PSTN termination is someone else's problem) opens one
// websocket per call at /call and streams 48 kHz mono Opus packets in 20 ms
// chunks. The bridge transcodes to the model's 24 kHz float32 frames, runs a
// conversation session for the call, and streams the assistant's voice back
// as Opus.
//
// Wire protocol, per call:
//
//	server → gateway   text   {"type":"call.ready","call_id":"…"}
//	gateway → server   binary one Opus packet per message
//	server → gateway   binary one Opus packet per message
//	gateway → server   text   {"type":"call.end"}       (or just close)
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/xswarm-ai/xswarm/internal/observe"
	"github.com/xswarm-ai/xswarm/pkg/audio"
)

// Session is one live conversation bound to a call. [duplex.Loop] satisfies
// this; tests substitute fakes.
type Session interface {
	// Run drives the session until ctx is cancelled or a fatal error occurs.
	Run(ctx context.Context) error

	// Out is the playback channel, closed when Run returns.
	Out() <-chan audio.Frame
}

// SessionFactory builds a session for an incoming call. persona is the
// gateway's requested persona name ("" means the configured default); in
// carries the caller's microphone frames.
//
// The factory typically dials the model server, builds a codec pipeline,
// warms it up, and returns a duplex loop — so it may be slow; it runs before
// call.ready is sent.
type SessionFactory func(ctx context.Context, persona string, in <-chan audio.Frame) (Session, error)

// Server accepts gateway calls over websocket.
type Server struct {
	addr    string
	factory SessionFactory
	met     *observe.Metrics

	srv *http.Server

	mu    sync.Mutex
	calls int
}

// Option is a functional option for [NewServer].
type Option func(*Server)

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.met = m }
}

// NewServer creates a call server listening on addr.
func NewServer(addr string, factory SessionFactory, opts ...Option) *Server {
	s := &Server{addr: addr, factory: factory}
	for _, opt := range opts {
		opt(s)
	}
	if s.met == nil {
		s.met = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/call", s.handleCall)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the call endpoint mux, used by tests to mount the server
// behind httptest.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ActiveCalls returns the number of calls currently bridged.
func (s *Server) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Run serves until ctx is cancelled, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("telephony: listen %s: %w", s.addr, err)
	}
	slog.Info("telephony server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("telephony: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("telephony: serve: %w", err)
	}
}

// handleCall upgrades the connection and runs the bridge for one call.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("call upgrade failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "call ended")

	ctx := r.Context()
	persona := r.URL.Query().Get("persona")

	in := make(chan audio.Frame, inputBuf)
	session, err := s.factory(ctx, persona, in)
	if err != nil {
		slog.Error("call session setup failed", "persona", persona, "err", err)
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	b, err := newBridge(conn, session, in)
	if err != nil {
		slog.Error("call bridge setup failed", "err", err)
		conn.Close(websocket.StatusInternalError, "bridge unavailable")
		return
	}

	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.met.SessionStarted(ctx)
	defer func() {
		s.mu.Lock()
		s.calls--
		s.mu.Unlock()
		s.met.SessionEnded(ctx)
	}()

	slog.Info("call started", "call", b.callID, "persona", persona)
	err = b.run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		slog.Info("call ended", "call", b.callID)
		conn.Close(websocket.StatusNormalClosure, "call ended")
	default:
		slog.Error("call failed", "call", b.callID, "err", err)
	}
}
