// Package mock provides a configurable in-memory [codec.Tokenizer] for tests.
//
// The mock honours the submit/poll contract: a submission becomes ready after
// a configurable number of polls, and a second submission in the same
// direction while one is outstanding is an error — so pipeline tests also
// verify the worker's single-in-flight protocol for free.
//
// Results are deterministic and traceable: encoding a frame produces a token
// batch whose every value is int32(frame[0]); decoding a batch produces a
// full-length frame whose every sample is float32(tokens[0][0]). Fill a
// frame's first sample with a sequence number and FIFO ordering becomes
// observable end to end.
package mock

import (
	"fmt"
	"sync"

	"github.com/xswarm-ai/xswarm/pkg/audio"
	"github.com/xswarm-ai/xswarm/pkg/codec"
)

// Compile-time check: Tokenizer must implement codec.Tokenizer.
var _ codec.Tokenizer = (*Tokenizer)(nil)

// Tokenizer is a mock codec.Tokenizer. The zero value is ready for use:
// 8 codebooks, 1 step per frame, results ready on the first poll.
type Tokenizer struct {
	// CodebookCount overrides the codebook count. Zero means 8.
	CodebookCount int

	// StepsPerFrame overrides the steps per token batch. Zero means 1.
	StepsPerFrame int

	// PollsUntilReady is the number of polls a submission stays pending
	// before the result is returned. Zero means ready on the first poll.
	PollsUntilReady int

	// Error injection. A non-nil value is returned by the corresponding
	// primitive on every call.
	EncodeErr     error
	EncodedErr    error
	DecodeErr     error
	DecodedErr    error

	mu sync.Mutex

	// EncodeCalls and DecodeCalls count successful submissions.
	EncodeCalls int
	DecodeCalls int

	pendingEncode      audio.Frame
	encodeOutstanding  bool
	encodePollsLeft    int
	pendingDecode      codec.Tokens
	decodeOutstanding  bool
	decodePollsLeft    int
}

func (m *Tokenizer) codebooks() int {
	if m.CodebookCount > 0 {
		return m.CodebookCount
	}
	return 8
}

func (m *Tokenizer) steps() int {
	if m.StepsPerFrame > 0 {
		return m.StepsPerFrame
	}
	return 1
}

// Codebooks implements codec.Tokenizer.
func (m *Tokenizer) Codebooks() int { return m.codebooks() }

// Encode implements codec.Tokenizer.
func (m *Tokenizer) Encode(frame audio.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.EncodeErr != nil {
		return m.EncodeErr
	}
	if m.encodeOutstanding {
		return fmt.Errorf("mock tokenizer: encode submitted while previous encode still pending")
	}
	m.pendingEncode = frame
	m.encodeOutstanding = true
	m.encodePollsLeft = m.PollsUntilReady
	m.EncodeCalls++
	return nil
}

// Encoded implements codec.Tokenizer.
func (m *Tokenizer) Encoded() (codec.Tokens, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.EncodedErr != nil {
		return nil, false, m.EncodedErr
	}
	if !m.encodeOutstanding {
		return nil, false, nil
	}
	if m.encodePollsLeft > 0 {
		m.encodePollsLeft--
		return nil, false, nil
	}

	marker := int32(0)
	if len(m.pendingEncode) > 0 {
		marker = int32(m.pendingEncode[0])
	}
	tokens := make(codec.Tokens, m.codebooks())
	for cb := range tokens {
		tokens[cb] = make([]int32, m.steps())
		for s := range tokens[cb] {
			tokens[cb][s] = marker
		}
	}
	m.encodeOutstanding = false
	m.pendingEncode = nil
	return tokens, true, nil
}

// Decode implements codec.Tokenizer.
func (m *Tokenizer) Decode(tokens codec.Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DecodeErr != nil {
		return m.DecodeErr
	}
	if m.decodeOutstanding {
		return fmt.Errorf("mock tokenizer: decode submitted while previous decode still pending")
	}
	m.pendingDecode = tokens
	m.decodeOutstanding = true
	m.decodePollsLeft = m.PollsUntilReady
	m.DecodeCalls++
	return nil
}

// Decoded implements codec.Tokenizer.
func (m *Tokenizer) Decoded() (audio.Frame, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DecodedErr != nil {
		return nil, false, m.DecodedErr
	}
	if !m.decodeOutstanding {
		return nil, false, nil
	}
	if m.decodePollsLeft > 0 {
		m.decodePollsLeft--
		return nil, false, nil
	}

	marker := float32(0)
	if len(m.pendingDecode) > 0 && len(m.pendingDecode[0]) > 0 {
		marker = float32(m.pendingDecode[0][0])
	}
	frame := make(audio.Frame, audio.FrameSamples)
	for i := range frame {
		frame[i] = marker
	}
	m.decodeOutstanding = false
	m.pendingDecode = nil
	return frame, true, nil
}
