// Package duplex runs the real-time conversation loop: one model inference
// step per 80 ms frame period, with codec work overlapped through the
// pipeline's non-blocking façade.
//
// Each tick the loop submits the current microphone frame for encoding, then
// immediately continues — polling for the previous frame's tokens, running
// the inference step on them, and submitting any response tokens for
// decoding. The serial encode → infer → decode chain becomes a pipeline of
// depth two: while the model computes on frame n, the codec worker is already
// encoding frame n+1 and decoding the response to frame n-1.
//
// The model must be stepped continuously to stay in real time, so ticks with
// no microphone input feed synthetic silence instead of stalling.
//
// This package is internal because it encapsulates application-private voice
// pipeline logic and is not intended for import by external code.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xswarm-ai/xswarm/internal/engine"
	"github.com/xswarm-ai/xswarm/internal/observe"
	"github.com/xswarm-ai/xswarm/pkg/audio"
	"github.com/xswarm-ai/xswarm/pkg/codec"
	"github.com/xswarm-ai/xswarm/pkg/memory"
)

const (
	// defaultOutputBuf is the buffer depth of the playback channel. At 80 ms
	// per frame this absorbs roughly two seconds of consumer lag before
	// frames are dropped.
	defaultOutputBuf = 24

	// defaultTranscriptBuf is the buffer depth of the transcript channel.
	defaultTranscriptBuf = 64
)

// Option is a functional option for configuring a [Loop].
type Option func(*Loop)

// WithFrameInterval overrides the tick interval. The default is the codec's
// 80 ms frame duration; tests use a smaller value to keep suites fast.
func WithFrameInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.frameInterval = d
		}
	}
}

// WithMetrics sets the metrics instance. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loop) {
		l.met = m
	}
}

// WithPersona sets the persona name attached to assistant transcript entries.
func WithPersona(name string) Option {
	return func(l *Loop) {
		l.persona = name
	}
}

// WithOutputBuffer sets the playback channel buffer depth.
func WithOutputBuffer(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.outputBuf = n
		}
	}
}

// Loop drives one conversation session. Create with [New], start with
// [Loop.Run]; the playback and transcript channels close when Run returns.
type Loop struct {
	pipe    *codec.Pipeline
	stepper engine.Stepper
	in      <-chan audio.Frame
	met     *observe.Metrics

	sessionID     uuid.UUID
	persona       string
	frameInterval time.Duration
	outputBuf     int

	out         chan audio.Frame
	transcripts chan memory.TranscriptEntry

	// encodeSubmits and decodeSubmits hold submission timestamps awaiting
	// their results. FIFO order is the request/result correlation of the
	// codec pipeline, so popping the front timestamp on each result yields
	// the per-frame codec latency.
	encodeSubmits []time.Time
	decodeSubmits []time.Time

	textBuf strings.Builder
}

// New creates a Loop reading microphone frames from in. The Loop assumes
// exclusive use of pipe and stepper for its lifetime.
func New(pipe *codec.Pipeline, stepper engine.Stepper, in <-chan audio.Frame, opts ...Option) *Loop {
	l := &Loop{
		pipe:          pipe,
		stepper:       stepper,
		in:            in,
		sessionID:     uuid.New(),
		frameInterval: audio.FrameDuration,
		outputBuf:     defaultOutputBuf,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.met == nil {
		l.met = observe.DefaultMetrics()
	}
	l.out = make(chan audio.Frame, l.outputBuf)
	l.transcripts = make(chan memory.TranscriptEntry, defaultTranscriptBuf)
	return l
}

// SessionID returns the session identifier attached to transcript entries.
func (l *Loop) SessionID() uuid.UUID { return l.sessionID }

// Out returns the playback channel. It is closed when [Loop.Run] returns.
// Consumers must drain it promptly; frames are dropped when the buffer is
// full rather than stalling the real-time loop.
func (l *Loop) Out() <-chan audio.Frame { return l.out }

// Transcripts returns the transcript channel. Closed when [Loop.Run] returns.
func (l *Loop) Transcripts() <-chan memory.TranscriptEntry { return l.transcripts }

// Run executes the loop until ctx is cancelled or a fatal pipeline/model
// error occurs. A clean cancellation returns nil. On a codec failure the
// current turn is ended gracefully — a frame of silence is emitted so the
// playback path fades out instead of cutting mid-sample — and the error is
// returned for the session layer to handle.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.out)
	defer close(l.transcripts)
	defer l.flushTranscript(ctx)

	ticker := time.NewTicker(l.frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := l.tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			l.emitSilence()
			return err
		}
	}
}

// tick performs one frame period of work.
func (l *Loop) tick(ctx context.Context) error {
	// 1. Feed the encoder. The model is full duplex: it must be stepped even
	// while the user is silent, so a missing mic frame becomes silence.
	frame := l.nextInput()
	if err := l.pipe.EncodeAsync(frame); err != nil {
		return fmt.Errorf("duplex: encode submit: %w", err)
	}
	l.encodeSubmits = append(l.encodeSubmits, time.Now())

	// 2. Collect the oldest finished encode, if any, and step the model on it.
	tokens, ok, err := l.pipe.TryEncoded()
	if err != nil {
		l.met.CodecErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "encode")))
		return fmt.Errorf("duplex: encode result: %w", err)
	}
	if ok {
		l.observeResult(ctx, "encode", &l.encodeSubmits)

		stepStart := time.Now()
		res, err := l.stepper.Step(ctx, tokens)
		stepTook := time.Since(stepStart)
		l.met.StepDuration.Record(ctx, stepTook.Seconds())
		if stepTook > l.frameInterval {
			l.met.StepOverruns.Add(ctx, 1)
			slog.Warn("inference step overran frame period",
				"took", stepTook,
				"budget", l.frameInterval,
			)
		}
		if err != nil {
			return fmt.Errorf("duplex: model step: %w", err)
		}

		if res.Text != "" {
			l.collectText(ctx, res.Text)
		}
		if res.Audio != nil {
			if err := l.pipe.DecodeAsync(res.Audio); err != nil {
				return fmt.Errorf("duplex: decode submit: %w", err)
			}
			l.decodeSubmits = append(l.decodeSubmits, time.Now())
		}
	}

	// 3. Drain all finished decodes into the playback channel.
	for {
		out, ok, err := l.pipe.TryDecoded()
		if err != nil {
			l.met.CodecErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "decode")))
			return fmt.Errorf("duplex: decode result: %w", err)
		}
		if !ok {
			break
		}
		l.observeResult(ctx, "decode", &l.decodeSubmits)
		select {
		case l.out <- out:
		default:
			slog.Warn("playback channel full, dropping frame", "session", l.sessionID)
		}
	}

	// 4. Queue-depth gauges.
	encReq, encRes, decReq, decRes := l.pipe.Depths()
	l.met.RecordQueueDepth(ctx, "encode_req", encReq)
	l.met.RecordQueueDepth(ctx, "encode_res", encRes)
	l.met.RecordQueueDepth(ctx, "decode_req", decReq)
	l.met.RecordQueueDepth(ctx, "decode_res", decRes)

	return nil
}

// nextInput returns the next microphone frame, or silence when none is
// pending. Frames of the wrong size are fitted here — the mic path is a
// boundary layer, so leniency is allowed; the pipeline itself stays strict.
func (l *Loop) nextInput() audio.Frame {
	select {
	case frame, ok := <-l.in:
		if !ok {
			return audio.Silent()
		}
		if len(frame) != audio.FrameSamples {
			return audio.FitFrame(frame)
		}
		return frame
	default:
		return audio.Silent()
	}
}

// observeResult pops the oldest submission timestamp for the direction and
// records the submission-to-retrieval latency and frame counter.
func (l *Loop) observeResult(ctx context.Context, direction string, submits *[]time.Time) {
	if len(*submits) == 0 {
		return
	}
	took := time.Since((*submits)[0]).Seconds()
	*submits = (*submits)[1:]

	switch direction {
	case "encode":
		l.met.EncodeDuration.Record(ctx, took)
	case "decode":
		l.met.DecodeDuration.Record(ctx, took)
	}
	l.met.RecordCodecFrame(ctx, direction)
}

// collectText accumulates model text deltas and flushes a transcript entry
// at utterance boundaries.
func (l *Loop) collectText(ctx context.Context, delta string) {
	l.textBuf.WriteString(delta)
	if endsUtterance(delta) {
		l.flushTranscript(ctx)
	}
}

// flushTranscript emits the accumulated assistant text as one transcript
// entry, if any.
func (l *Loop) flushTranscript(ctx context.Context) {
	text := strings.TrimSpace(l.textBuf.String())
	l.textBuf.Reset()
	if text == "" {
		return
	}

	entry := memory.TranscriptEntry{
		SessionID: l.sessionID,
		Speaker:   memory.SpeakerAssistant,
		Persona:   l.persona,
		Text:      text,
		Timestamp: time.Now(),
	}
	select {
	case l.transcripts <- entry:
		l.met.RecordUtterance(ctx, string(memory.SpeakerAssistant), l.persona)
	default:
		slog.Warn("transcript channel full, dropping entry", "session", l.sessionID)
	}
}

// emitSilence pushes one silent frame to the playback channel so a codec
// failure fades the turn out instead of crashing the audio path.
func (l *Loop) emitSilence() {
	select {
	case l.out <- audio.Silent():
	default:
	}
}

// endsUtterance reports whether delta ends on terminal punctuation.
func endsUtterance(delta string) bool {
	trimmed := strings.TrimRight(delta, " \n\t")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
