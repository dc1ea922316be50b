// Package mock provides an in-memory [engine.Stepper] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/xswarm-ai/xswarm/internal/engine"
	"github.com/xswarm-ai/xswarm/pkg/codec"
)

// Compile-time check: Stepper must implement engine.Stepper.
var _ engine.Stepper = (*Stepper)(nil)

// Stepper is a mock engine.Stepper. The zero value echoes every input token
// batch back as response audio with no text.
type Stepper struct {
	// Results are returned in order by successive Step calls. When exhausted
	// (or empty), Step falls back to echoing the input batch as audio.
	Results []engine.StepResult

	// StepErr, when non-nil, is returned by every Step call.
	StepErr error

	mu sync.Mutex

	// StepCalls records the input batch of every Step call, in order.
	StepCalls []codec.Tokens

	// Closed reports whether Close has been called.
	Closed bool

	next int
}

// Step implements engine.Stepper.
func (m *Stepper) Step(_ context.Context, in codec.Tokens) (engine.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StepErr != nil {
		return engine.StepResult{}, m.StepErr
	}
	m.StepCalls = append(m.StepCalls, in)

	if m.next < len(m.Results) {
		res := m.Results[m.next]
		m.next++
		return res, nil
	}
	return engine.StepResult{Audio: in}, nil
}

// Close implements engine.Stepper.
func (m *Stepper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Calls returns a snapshot of the recorded Step inputs.
func (m *Stepper) Calls() []codec.Tokens {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]codec.Tokens, len(m.StepCalls))
	copy(out, m.StepCalls)
	return out
}
