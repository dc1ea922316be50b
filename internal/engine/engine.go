// Package engine defines the inference-step contract between the duplex
// audio loop and the speech model runtime.
//
// The model is treated as an opaque black box with a fixed per-call contract:
// each [Stepper.Step] call consumes exactly one encoded token batch, advances
// the model's internal conversation state, and may produce one token batch of
// response audio plus a text delta. The loop in the duplex subpackage invokes
// Step once per 80 ms frame period to maintain real-time pacing; everything
// about sampling, attention state, and model architecture stays behind this
// interface.
//
// This package lives under internal/ because it encapsulates
// application-private pipeline logic and is not intended to be imported by
// external code.
package engine

import (
	"context"

	"github.com/xswarm-ai/xswarm/pkg/codec"
)

// StepResult is the output of one inference step.
type StepResult struct {
	// Audio holds the model's response audio tokens for this step, or nil
	// when the model produced no audio (listening, or mid-pause).
	Audio codec.Tokens

	// Text is the text delta the model emitted alongside the audio, if any.
	// Deltas concatenate across steps into the assistant's transcript.
	Text string
}

// Stepper is the inference step of the speech model. Implementations wrap a
// local model runtime or a model-server connection.
//
// Step must be invoked once per frame period with the encoded tokens of one
// input frame; the session is stateful and calls must not be reordered or
// issued concurrently. A Stepper is owned by exactly one duplex loop.
type Stepper interface {
	// Step consumes one encoded input batch and returns the model's output
	// for this frame period. An error is fatal to the conversation session.
	Step(ctx context.Context, in codec.Tokens) (StepResult, error)

	// Close releases the model session. Safe to call multiple times.
	Close() error
}
