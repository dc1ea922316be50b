package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xswarm-ai/xswarm/pkg/audio"
)

// inputBuf is the buffer depth of the microphone-side frame channel. The
// engine loop falls back to silence when it finds the channel empty, so a
// shallow buffer is enough; it only has to absorb websocket read jitter.
const inputBuf = 8

// callEvent is the JSON envelope of control messages on the call socket.
// Audio travels as binary Opus packets; everything else is text.
type callEvent struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// bridge shuttles audio between one gateway websocket and one conversation
// session. It owns the transcoder state for the call.
type bridge struct {
	conn    *websocket.Conn
	session Session
	trans   *transcoder
	callID  uuid.UUID

	in chan audio.Frame
}

// newBridge wires a call bridge around an accepted connection. in must be the
// same channel the session was built to read microphone frames from.
func newBridge(conn *websocket.Conn, session Session, in chan audio.Frame) (*bridge, error) {
	trans, err := newTranscoder()
	if err != nil {
		return nil, err
	}
	return &bridge{
		conn:    conn,
		session: session,
		trans:   trans,
		callID:  uuid.New(),
		in:      in,
	}, nil
}

// run pumps the call until the gateway hangs up, ctx is cancelled, or the
// session fails. The session's Run and both socket directions share one
// errgroup; the first error tears the call down.
func (b *bridge) run(ctx context.Context) error {
	if err := b.writeEvent(ctx, callEvent{Type: "call.ready", CallID: b.callID.String()}); err != nil {
		return fmt.Errorf("telephony: call ready: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.session.Run(ctx) })
	g.Go(func() error { return b.readLoop(ctx) })
	g.Go(func() error { return b.writeLoop(ctx) })
	return g.Wait()
}

// readLoop receives gateway messages: binary Opus packets become microphone
// frames, a call.end text event ends the call cleanly.
func (b *bridge) readLoop(ctx context.Context) error {
	defer close(b.in)

	var assembler frameAssembler
	for {
		typ, data, err := b.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return context.Canceled
			}
			return fmt.Errorf("telephony: read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			samples, err := b.trans.decodePacket(data)
			if err != nil {
				return err
			}
			for _, frame := range assembler.push(samples) {
				select {
				case b.in <- frame:
				default:
					slog.Warn("call input buffer full, dropping frame", "call", b.callID)
				}
			}

		case websocket.MessageText:
			var ev callEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("telephony: decode event: %w", err)
			}
			if ev.Type == "call.end" {
				slog.Info("gateway ended call", "call", b.callID)
				return context.Canceled
			}
		}
	}
}

// writeLoop transcodes session playback frames into Opus packets for the
// gateway. It finishes when the session closes its playback channel.
func (b *bridge) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-b.session.Out():
			if !ok {
				return context.Canceled
			}
			packets, err := b.trans.encodeFrame(frame)
			if err != nil {
				return err
			}
			for _, packet := range packets {
				if err := b.conn.Write(ctx, websocket.MessageBinary, packet); err != nil {
					return fmt.Errorf("telephony: write: %w", err)
				}
			}
		}
	}
}

func (b *bridge) writeEvent(ctx context.Context, ev callEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.conn.Write(ctx, websocket.MessageText, data)
}
