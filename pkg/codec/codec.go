// Package codec implements the real-time duplex audio codec pipeline that
// sits between the microphone/playback path and the speech model's inference
// loop.
//
// The pipeline decouples codec work (audio ↔ token conversion) from model
// compute: a single background worker owns the stateful [Tokenizer] and
// drains four unbounded FIFO queues — encode requests, encode results, decode
// requests, decode results. The inference loop submits work through the
// non-blocking façade ([Pipeline.EncodeAsync], [Pipeline.TryEncoded] and the
// decode equivalents) and overlaps its own compute with codec work, turning
// the serial encode → infer → decode chain into a pipeline of depth two.
//
// Ordering: within each direction results are delivered in strict submission
// order (the worker keeps at most one operation in flight per direction).
// There is no ordering guarantee across directions — encode and decode are
// independent and must not serialise against each other.
//
// The tokenizer's internal streaming state (codebook history across frames)
// is owned exclusively by the worker. Callers must never invoke Tokenizer
// primitives directly while a pipeline is running.
package codec

import (
	"errors"
	"fmt"

	"github.com/xswarm-ai/xswarm/pkg/audio"
)

// Sentinel errors returned by the pipeline façade.
var (
	// ErrClosed is returned by all façade operations after Shutdown.
	ErrClosed = errors.New("codec: pipeline is closed")

	// ErrTimeout is returned by the blocking convenience wrappers when the
	// deadline expires before a result arrives. It is deliberately distinct
	// from an empty non-blocking poll: a timeout means work was submitted and
	// never completed in time.
	ErrTimeout = errors.New("codec: timed out waiting for result")
)

// Tokens is one frame's worth of discrete audio codes produced by the
// tokenizer, shape (codebooks, steps). The codebook count is fixed by the
// model configuration (commonly 8); the step count is deterministic for a
// full 80 ms input frame.
//
// Ownership transfers with the value: a Tokens batch is produced by the
// worker, held by exactly one queue, and owned by whoever pops it.
type Tokens [][]int32

// Codebooks returns the number of parallel codebook streams.
func (t Tokens) Codebooks() int { return len(t) }

// Steps returns the number of time steps per codebook, or 0 for an empty batch.
func (t Tokens) Steps() int {
	if len(t) == 0 {
		return 0
	}
	return len(t[0])
}

// Validate returns an error if t is empty or not rectangular.
func (t Tokens) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("codec: token batch has no codebooks")
	}
	steps := len(t[0])
	if steps == 0 {
		return fmt.Errorf("codec: token batch has no time steps")
	}
	for i, cb := range t {
		if len(cb) != steps {
			return fmt.Errorf("codec: token batch is ragged: codebook %d has %d steps, want %d", i, len(cb), steps)
		}
	}
	return nil
}

// Tokenizer is the codec primitive contract: a stateful streaming audio
// tokenizer with a submit/poll split per direction.
//
// Exactly one submission may be outstanding per direction at a time; the
// pipeline worker enforces this. Submit calls must not block on the
// conversion itself — they hand the buffer to the codec's internal
// processing. Poll calls return the completed result once ready and must
// never block.
//
// A Tokenizer is NOT safe for concurrent use. The pipeline worker is its
// sole caller while a [Pipeline] is running.
type Tokenizer interface {
	// Encode submits one frame for encoding. The frame is exactly
	// [audio.FrameSamples] samples; the pipeline validates this before
	// submission.
	Encode(frame audio.Frame) error

	// Encoded polls for a completed encode. ok is false while the operation
	// is still in progress. A non-nil error means the tokenizer's internal
	// state is corrupt and no further calls may be made.
	Encoded() (tokens Tokens, ok bool, err error)

	// Decode submits one token batch for decoding.
	Decode(tokens Tokens) error

	// Decoded polls for a completed decode.
	Decoded() (frame audio.Frame, ok bool, err error)

	// Codebooks returns the fixed codebook count of the model configuration.
	Codebooks() int
}
