package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"layeh.com/gopus"

	"github.com/xswarm-ai/xswarm/internal/observe"
	"github.com/xswarm-ai/xswarm/pkg/audio"
)

// fakeSession echoes microphone frames back to the playback channel.
type fakeSession struct {
	in  <-chan audio.Frame
	out chan audio.Frame

	mu       sync.Mutex
	received []audio.Frame
}

func newFakeSession(in <-chan audio.Frame) *fakeSession {
	return &fakeSession{in: in, out: make(chan audio.Frame, 8)}
}

func (s *fakeSession) Run(ctx context.Context) error {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-s.in:
			if !ok {
				<-ctx.Done()
				return nil
			}
			s.mu.Lock()
			s.received = append(s.received, frame)
			s.mu.Unlock()
			select {
			case s.out <- frame:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *fakeSession) Out() <-chan audio.Frame { return s.out }

func (s *fakeSession) receivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// startCallServer mounts a Server behind httptest and dials its call
// endpoint. The returned fakeSession is the one the factory handed out.
func startCallServer(t *testing.T, persona string) (*websocket.Conn, *fakeSession) {
	t.Helper()

	sessionCh := make(chan *fakeSession, 1)
	factory := func(_ context.Context, _ string, in <-chan audio.Frame) (Session, error) {
		s := newFakeSession(in)
		sessionCh <- s
		return s, nil
	}

	srv := NewServer("127.0.0.1:0", factory)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/call"
	if persona != "" {
		url += "?persona=" + persona
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	return conn, <-sessionCh
}

// readReady consumes the call.ready event and returns its call ID.
func readReady(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("first message type = %v; want text", typ)
	}
	var ev callEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if ev.Type != "call.ready" || ev.CallID == "" {
		t.Fatalf("ready event = %+v", ev)
	}
	return ev.CallID
}

// silencePackets encodes n packets of Opus silence in gateway format.
func silencePackets(t *testing.T, n int) [][]byte {
	t.Helper()
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		t.Fatalf("create encoder: %v", err)
	}
	packets := make([][]byte, n)
	pcm := make([]int16, opusFrameSize)
	for i := range packets {
		packet, err := enc.Encode(pcm, opusFrameSize, maxPacketBytes)
		if err != nil {
			t.Fatalf("encode silence: %v", err)
		}
		packets[i] = packet
	}
	return packets
}

func TestFrameAssembler(t *testing.T) {
	t.Parallel()

	var a frameAssembler
	chunk := make([]float32, audio.FrameSamples/4)

	for i := 0; i < 3; i++ {
		if frames := a.push(chunk); frames != nil {
			t.Fatalf("push %d returned %d frames; want none yet", i, len(frames))
		}
	}
	frames := a.push(chunk)
	if len(frames) != 1 {
		t.Fatalf("fourth push returned %d frames; want 1", len(frames))
	}
	if err := frames[0].Validate(); err != nil {
		t.Errorf("assembled frame invalid: %v", err)
	}

	// A big push yields multiple frames and keeps the remainder.
	big := make([]float32, audio.FrameSamples*2+100)
	if frames := a.push(big); len(frames) != 2 {
		t.Errorf("big push returned %d frames; want 2", len(frames))
	}
	if frames := a.push(make([]float32, audio.FrameSamples-100)); len(frames) != 1 {
		t.Errorf("remainder not carried over: got %d frames; want 1", len(frames))
	}
}

func TestTranscoder_FrameToPacketsAndBack(t *testing.T) {
	t.Parallel()

	tr, err := newTranscoder()
	if err != nil {
		t.Fatalf("newTranscoder: %v", err)
	}

	packets, err := tr.encodeFrame(audio.Silent())
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if len(packets) != packetsPerFrame {
		t.Fatalf("encodeFrame produced %d packets; want %d", len(packets), packetsPerFrame)
	}

	var total int
	for _, packet := range packets {
		samples, err := tr.decodePacket(packet)
		if err != nil {
			t.Fatalf("decodePacket: %v", err)
		}
		total += len(samples)
	}
	if total != audio.FrameSamples {
		t.Errorf("round trip yielded %d samples; want %d", total, audio.FrameSamples)
	}
}

func TestCall_AudioRoundTrip(t *testing.T) {
	t.Parallel()

	conn, session := startCallServer(t, "")
	readReady(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// One model frame's worth of gateway audio.
	for _, packet := range silencePackets(t, packetsPerFrame) {
		if err := conn.Write(ctx, websocket.MessageBinary, packet); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}

	// The echo session returns the frame, which comes back as Opus packets.
	for i := 0; i < packetsPerFrame; i++ {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read packet %d: %v", i, err)
		}
		if typ != websocket.MessageBinary {
			t.Fatalf("message %d type = %v; want binary", i, typ)
		}
		if len(data) == 0 {
			t.Errorf("packet %d is empty", i)
		}
	}

	if got := session.receivedCount(); got != 1 {
		t.Errorf("session received %d frames; want 1", got)
	}
}

func TestCall_EndEventClosesCall(t *testing.T) {
	t.Parallel()

	conn, _ := startCallServer(t, "")
	readReady(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	end, _ := json.Marshal(callEvent{Type: "call.end"})
	if err := conn.Write(ctx, websocket.MessageText, end); err != nil {
		t.Fatalf("write call.end: %v", err)
	}

	// The server closes the socket; subsequent reads fail with normal closure.
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			t.Errorf("close status = %v; want normal closure", websocket.CloseStatus(err))
		}
		return
	}
}

func TestCall_PersonaQueryReachesFactory(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got string
	)
	factory := func(_ context.Context, persona string, in <-chan audio.Frame) (Session, error) {
		mu.Lock()
		got = persona
		mu.Unlock()
		return newFakeSession(in), nil
	}

	srv := NewServer("127.0.0.1:0", factory)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/call?persona=butler", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	readReady(t, conn)

	mu.Lock()
	defer mu.Unlock()
	if got != "butler" {
		t.Errorf("factory persona = %q; want butler", got)
	}
}

// activeSessions collects the reader and sums the live-session gauge.
// The second return reports whether the instrument was recorded at all.
func activeSessions(t *testing.T, reader *sdkmetric.ManualReader) (int64, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "xswarm.active_sessions" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total, true
		}
	}
	return 0, false
}

func TestCall_TracksActiveSessionGauge(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	factory := func(_ context.Context, _ string, in <-chan audio.Frame) (Session, error) {
		return newFakeSession(in), nil
	}
	srv := NewServer("127.0.0.1:0", factory, WithMetrics(met))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/call", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	readReady(t, conn)

	if got, ok := activeSessions(t, reader); !ok || got != 1 {
		t.Errorf("mid-call active sessions = %d (recorded=%v); want 1", got, ok)
	}

	end, _ := json.Marshal(callEvent{Type: "call.end"})
	if err := conn.Write(ctx, websocket.MessageText, end); err != nil {
		t.Fatalf("write call.end: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := activeSessions(t, reader); ok && got == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := activeSessions(t, reader)
	t.Errorf("active sessions after call end = %d; want 0", got)
}

func TestCall_FactoryFailureRejectsCall(t *testing.T) {
	t.Parallel()

	factory := func(context.Context, string, <-chan audio.Frame) (Session, error) {
		return nil, errors.New("model server down")
	}
	srv := NewServer("127.0.0.1:0", factory)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/call", nil)
	if err != nil {
		// Some servers reject during the handshake; that is also a pass.
		return
	}
	defer conn.CloseNow()

	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected the call to be rejected")
	}
}
