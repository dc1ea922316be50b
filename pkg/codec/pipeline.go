package codec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xswarm-ai/xswarm/pkg/audio"
)

// errStopped signals that the worker exited while a blocking Pop was waiting.
// It is internal; the façade translates it into the worker's failure error or
// ErrClosed before it reaches a caller.
var errStopped = errors.New("codec: worker stopped")

const (
	// defaultPollInterval is the worker's sleep between poll iterations.
	// A small fixed latency floor traded against spinning a core at 100%.
	// Two to three orders of magnitude below the 80 ms frame period.
	defaultPollInterval = 100 * time.Microsecond

	// defaultWarmupIterations is the number of encode→decode priming cycles
	// run by Warmup before real audio is accepted.
	defaultWarmupIterations = 4

	// defaultWarmupTimeout bounds the whole warm-up sequence. Warm-up is the
	// one place first-call initialisation cost (kernel compilation on the
	// compute backend) is paid, so the bound is generous — but finite, so a
	// wedged codec fails fast at startup instead of hanging forever.
	defaultWarmupTimeout = 30 * time.Second

	// defaultShutdownWait bounds how long Shutdown waits for the worker to
	// observe the stop signal. If the tokenizer blocks internally past this
	// bound the worker goroutine is abandoned.
	defaultShutdownWait = 2 * time.Second
)

// opState tracks one direction of the worker's single-in-flight protocol.
type opState int

const (
	opIdle     opState = iota // no submission outstanding
	opAwaiting                // submitted, waiting for the poll to complete
)

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithPollInterval overrides the worker's sleep between poll iterations.
// The default is 100 µs. Values at or above the 80 ms frame period defeat
// the pipeline's purpose; keep this at least an order of magnitude smaller.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithWarmupIterations overrides the number of priming cycles run by
// [Pipeline.Warmup]. The default is 4.
func WithWarmupIterations(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.warmupIters = n
		}
	}
}

// WithWarmupTimeout overrides the bound on the whole warm-up sequence.
// The default is 30 s.
func WithWarmupTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.warmupTimeout = d
		}
	}
}

// WithShutdownWait overrides how long [Pipeline.Shutdown] waits for the
// worker to exit. The default is 2 s.
func WithShutdownWait(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.shutdownWait = d
		}
	}
}

// Pipeline is the duplex codec pipeline. Create one per conversation with
// [New]; it owns the given [Tokenizer] for its lifetime.
//
// The fire-and-poll façade (EncodeAsync/TryEncoded, DecodeAsync/TryDecoded)
// never blocks and is intended for the real-time inference loop. The
// blocking wrappers (Encode, Decode) are for warm-up, tests, and other
// non-real-time callers; do not mix blocking and fire-and-poll calls on the
// same direction concurrently — both pop from the same result queue and
// FIFO order is the only request/result correlation.
type Pipeline struct {
	tok Tokenizer

	pollInterval  time.Duration
	warmupIters   int
	warmupTimeout time.Duration
	shutdownWait  time.Duration

	encodeReq  *fifo[audio.Frame]
	encodedRes *fifo[Tokens]
	decodeReq  *fifo[Tokens]
	decodedRes *fifo[audio.Frame]

	done    chan struct{} // closed by Shutdown; worker checks once per iteration
	stopped chan struct{} // closed by the worker on exit

	// failure holds the fatal tokenizer error that terminated the worker.
	// Codec-internal streaming state cannot be trusted after a partial
	// failure, so the first primitive error ends the worker for good.
	failure atomic.Pointer[error]

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Pipeline around tok and starts its worker goroutine.
// The pipeline assumes exclusive ownership of tok; no other goroutine may
// call tok's methods until after [Pipeline.Shutdown].
func New(tok Tokenizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		tok:           tok,
		pollInterval:  defaultPollInterval,
		warmupIters:   defaultWarmupIterations,
		warmupTimeout: defaultWarmupTimeout,
		shutdownWait:  defaultShutdownWait,
		encodeReq:     newFIFO[audio.Frame](),
		encodedRes:    newFIFO[Tokens](),
		decodeReq:     newFIFO[Tokens](),
		decodedRes:    newFIFO[audio.Frame](),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

// run is the codec worker loop. It is the sole caller of the tokenizer
// primitives and keeps at most one operation in flight per direction, which
// is what guarantees strict FIFO delivery into the result queues.
//
// Shutdown is cooperative: the stop signal is checked once per iteration and
// pending queue contents are abandoned, not drained.
func (p *Pipeline) run() {
	defer close(p.stopped)

	encode := opIdle
	decode := opIdle

	for {
		select {
		case <-p.done:
			return
		default:
		}

		if encode == opIdle {
			if frame, ok := p.encodeReq.TryPop(); ok {
				if err := p.tok.Encode(frame); err != nil {
					p.fail(fmt.Errorf("codec: encode submit: %w", err))
					return
				}
				encode = opAwaiting
			}
		}
		if encode == opAwaiting {
			tokens, ok, err := p.tok.Encoded()
			if err != nil {
				p.fail(fmt.Errorf("codec: encode poll: %w", err))
				return
			}
			if ok {
				p.encodedRes.Push(tokens)
				encode = opIdle
			}
		}

		if decode == opIdle {
			if tokens, ok := p.decodeReq.TryPop(); ok {
				if err := p.tok.Decode(tokens); err != nil {
					p.fail(fmt.Errorf("codec: decode submit: %w", err))
					return
				}
				decode = opAwaiting
			}
		}
		if decode == opAwaiting {
			frame, ok, err := p.tok.Decoded()
			if err != nil {
				p.fail(fmt.Errorf("codec: decode poll: %w", err))
				return
			}
			if ok {
				p.decodedRes.Push(frame)
				decode = opIdle
			}
		}

		time.Sleep(p.pollInterval)
	}
}

// fail records the fatal worker error. The façade surfaces it on every
// subsequent call; results already sitting in the output queues remain
// retrievable.
func (p *Pipeline) fail(err error) {
	p.failure.Store(&err)
	slog.Error("codec worker failed", "err", err)
}

// Err returns the fatal tokenizer error that terminated the worker, or nil.
func (p *Pipeline) Err() error {
	if e := p.failure.Load(); e != nil {
		return *e
	}
	return nil
}

// state reports whether the pipeline can accept new submissions.
func (p *Pipeline) state() error {
	if err := p.Err(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
		return nil
	}
}

// EncodeAsync enqueues frame for encoding and returns immediately. The frame
// must be exactly [audio.FrameSamples] samples; anything else is rejected
// here rather than padded, to surface caller bugs early. Retrieve the result
// with [Pipeline.TryEncoded]; results arrive in submission order.
func (p *Pipeline) EncodeAsync(frame audio.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if err := p.state(); err != nil {
		return err
	}
	p.encodeReq.Push(frame)
	return nil
}

// TryEncoded polls for the next encoded result without blocking. ok is false
// when no result is ready. After a worker failure, results that completed
// before the failure are still delivered first; once drained, the failure
// error is returned.
func (p *Pipeline) TryEncoded() (Tokens, bool, error) {
	if tokens, ok := p.encodedRes.TryPop(); ok {
		return tokens, true, nil
	}
	if err := p.Err(); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

// DecodeAsync enqueues tokens for decoding and returns immediately.
// Retrieve the result with [Pipeline.TryDecoded].
func (p *Pipeline) DecodeAsync(tokens Tokens) error {
	if err := tokens.Validate(); err != nil {
		return err
	}
	if err := p.state(); err != nil {
		return err
	}
	p.decodeReq.Push(tokens)
	return nil
}

// TryDecoded polls for the next decoded frame without blocking. Semantics
// mirror [Pipeline.TryEncoded].
func (p *Pipeline) TryDecoded() (audio.Frame, bool, error) {
	if frame, ok := p.decodedRes.TryPop(); ok {
		return frame, true, nil
	}
	if err := p.Err(); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

// Encode is the blocking convenience wrapper: it submits frame and waits for
// the corresponding result. Deadline expiry is reported as [ErrTimeout].
func (p *Pipeline) Encode(ctx context.Context, frame audio.Frame) (Tokens, error) {
	if err := p.EncodeAsync(frame); err != nil {
		return nil, err
	}
	tokens, err := p.encodedRes.Pop(ctx, p.stopped)
	if err != nil {
		return nil, p.popError(err)
	}
	return tokens, nil
}

// Decode is the blocking convenience wrapper for the decode direction.
func (p *Pipeline) Decode(ctx context.Context, tokens Tokens) (audio.Frame, error) {
	if err := p.DecodeAsync(tokens); err != nil {
		return nil, err
	}
	frame, err := p.decodedRes.Pop(ctx, p.stopped)
	if err != nil {
		return nil, p.popError(err)
	}
	return frame, nil
}

// popError translates a blocking-pop failure into the façade's error taxonomy.
func (p *Pipeline) popError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, errStopped):
		if werr := p.Err(); werr != nil {
			return werr
		}
		return ErrClosed
	default:
		return err
	}
}

// Warmup primes the codec by running full encode→decode cycles on synthetic
// silent frames, forcing one-time initialisation cost (just-in-time kernel
// compilation on the compute backend) to happen at startup instead of
// mid-conversation.
//
// The very first iteration skips the decode half. This asymmetry is carried
// over from the reference warm-up procedure; its necessity is unverified, so
// it is preserved as documented behaviour rather than tidied away.
//
// The whole sequence is bounded by the warm-up timeout; a codec that never
// produces a result fails startup here rather than hanging the first real
// conversation turn.
func (p *Pipeline) Warmup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.warmupTimeout)
	defer cancel()

	start := time.Now()
	for i := range p.warmupIters {
		tokens, err := p.Encode(ctx, audio.Silent())
		if err != nil {
			return fmt.Errorf("codec: warmup encode %d/%d: %w", i+1, p.warmupIters, err)
		}
		if i == 0 {
			continue
		}
		if _, err := p.Decode(ctx, tokens); err != nil {
			return fmt.Errorf("codec: warmup decode %d/%d: %w", i+1, p.warmupIters, err)
		}
	}

	slog.Info("codec warm-up complete",
		"iterations", p.warmupIters,
		"took", time.Since(start),
	)
	return nil
}

// Depths reports the current depth of the four queues, in order: encode
// requests, encode results, decode requests, decode results. Intended for
// queue-depth gauges in the observability layer.
func (p *Pipeline) Depths() (encodeReq, encodedRes, decodeReq, decodedRes int) {
	return p.encodeReq.Len(), p.encodedRes.Len(), p.decodeReq.Len(), p.decodedRes.Len()
}

// Shutdown stops the worker cooperatively and waits up to the configured
// bound for it to exit. In-flight operations and queued requests are
// abandoned, not flushed — shutting down mid-turn intentionally discards
// that turn's audio.
//
// If the tokenizer blocks internally past the bound the worker goroutine is
// abandoned and an error is returned; the goroutine (and whatever the
// tokenizer holds) leaks until the primitive call returns. Shutdown is
// idempotent: subsequent calls return the first call's result.
func (p *Pipeline) Shutdown() error {
	p.shutdownOnce.Do(func() {
		close(p.done)
		select {
		case <-p.stopped:
		case <-time.After(p.shutdownWait):
			slog.Warn("codec worker did not stop within bound, abandoning",
				"wait", p.shutdownWait,
			)
			p.shutdownErr = fmt.Errorf("codec: worker did not stop within %v", p.shutdownWait)
		}
	})
	return p.shutdownErr
}
