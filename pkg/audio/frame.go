// Package audio defines the frame types and PCM conversion helpers shared by
// the xSwarm voice pipeline.
//
// The atomic unit of work is the [Frame]: exactly 80 ms of mono float32 PCM at
// the model's native 24 kHz sample rate, i.e. 1920 samples. The codec pipeline
// enforces this contract strictly — a buffer of any other length is a caller
// bug and is rejected, not silently padded. Callers that receive audio in
// foreign formats (telephony legs, file import) must go through the explicit
// [FitFrame] adapter or the resampling helpers in convert.go.
package audio

import (
	"fmt"
	"time"
)

// Audio contract of the speech model. These values are fixed by the model's
// audio tokenizer and are not configurable at runtime.
const (
	// SampleRate is the model's native sample rate in Hz.
	SampleRate = 24000

	// FrameDuration is the fixed duration of one frame.
	FrameDuration = 80 * time.Millisecond

	// FrameSamples is the number of float32 samples in one frame:
	// 24000 Hz × 0.080 s = 1920.
	FrameSamples = SampleRate * 80 / 1000
)

// Frame is one 80 ms frame of mono float32 PCM at [SampleRate].
// A valid Frame holds exactly [FrameSamples] samples.
type Frame []float32

// Silent returns a new all-zero Frame of the correct length. Used by the
// warm-up sequencer and as a graceful-degradation substitute when the codec
// fails mid-turn.
func Silent() Frame {
	return make(Frame, FrameSamples)
}

// Validate returns an error if f does not hold exactly [FrameSamples] samples.
func (f Frame) Validate() error {
	if len(f) != FrameSamples {
		return fmt.Errorf("audio: frame has %d samples, want exactly %d (%v at %d Hz)",
			len(f), FrameSamples, FrameDuration, SampleRate)
	}
	return nil
}

// Clone returns a copy of f. Frames handed to the codec pipeline transfer
// ownership; callers that want to keep reading a frame after submission
// should submit a clone.
func (f Frame) Clone() Frame {
	out := make(Frame, len(f))
	copy(out, f)
	return out
}

// FitFrame coerces samples to exactly [FrameSamples] samples by truncating a
// longer buffer or zero-padding a shorter one. This is the lenient adapter for
// boundary layers (telephony, file import) whose upstream chunking does not
// align with the model's frame size. The core pipeline itself never pads —
// use [Frame.Validate] there.
func FitFrame(samples []float32) Frame {
	switch {
	case len(samples) == FrameSamples:
		return Frame(samples)
	case len(samples) > FrameSamples:
		return Frame(samples[:FrameSamples])
	default:
		out := make(Frame, FrameSamples)
		copy(out, samples)
		return out
	}
}
