// Package mock provides in-memory test doubles for the memory layer
// interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	index := &mock.SemanticIndex{}
//	index.SearchResult = []memory.SearchResult{{Fact: memory.Fact{Text: "likes tea"}}}
//
//	// inject index into the system under test …
//
//	if got := index.CallCount("Search"); got != 1 {
//	    t.Errorf("expected 1 Search call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/xswarm-ai/xswarm/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// ─────────────────────────────────────────────────────────────────────────────
// TranscriptStore mock
// ─────────────────────────────────────────────────────────────────────────────

// TranscriptStore is a configurable test double for [memory.TranscriptStore].
// All exported *Err fields default to nil (success); RecentResult defaults to
// nil (empty non-nil slice returned).
type TranscriptStore struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// AppendErr is returned by [TranscriptStore.Append] when non-nil.
	AppendErr error

	// RecentResult is returned by [TranscriptStore.Recent].
	// When nil, Recent returns an empty non-nil slice.
	RecentResult []memory.TranscriptEntry

	// RecentErr is returned by [TranscriptStore.Recent] when non-nil.
	RecentErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *TranscriptStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *TranscriptStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *TranscriptStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Append implements [memory.TranscriptStore].
func (m *TranscriptStore) Append(_ context.Context, entry memory.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Append", Args: []any{entry}})
	return m.AppendErr
}

// Recent implements [memory.TranscriptStore].
func (m *TranscriptStore) Recent(_ context.Context, sessionID uuid.UUID, n int) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Recent", Args: []any{sessionID, n}})
	if m.RecentResult == nil {
		return []memory.TranscriptEntry{}, m.RecentErr
	}
	out := make([]memory.TranscriptEntry, len(m.RecentResult))
	copy(out, m.RecentResult)
	return out, m.RecentErr
}

// Ensure TranscriptStore satisfies the interface at compile time.
var _ memory.TranscriptStore = (*TranscriptStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// SemanticIndex mock
// ─────────────────────────────────────────────────────────────────────────────

// SemanticIndex is a configurable test double for [memory.SemanticIndex].
type SemanticIndex struct {
	mu sync.Mutex

	calls []Call

	// RememberID is returned by [SemanticIndex.Remember] when non-zero;
	// otherwise the fact's own ID is echoed back (a fresh one is assigned
	// when the fact arrives with a zero ID, mirroring the real store).
	RememberID uuid.UUID

	// RememberErr is returned by [SemanticIndex.Remember] when non-nil.
	RememberErr error

	// SearchResult is returned by [SemanticIndex.Search].
	// When nil, Search returns an empty non-nil slice.
	SearchResult []memory.SearchResult

	// SearchErr is returned by [SemanticIndex.Search] when non-nil.
	SearchErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *SemanticIndex) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SemanticIndex) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *SemanticIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Remember implements [memory.SemanticIndex].
func (m *SemanticIndex) Remember(_ context.Context, fact memory.Fact) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Remember", Args: []any{fact}})
	if m.RememberErr != nil {
		return uuid.Nil, m.RememberErr
	}
	if m.RememberID != uuid.Nil {
		return m.RememberID, nil
	}
	if fact.ID != uuid.Nil {
		return fact.ID, nil
	}
	return uuid.New(), nil
}

// Search implements [memory.SemanticIndex].
func (m *SemanticIndex) Search(_ context.Context, embedding []float32, k int) ([]memory.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{embedding, k}})
	if m.SearchResult == nil {
		return []memory.SearchResult{}, m.SearchErr
	}
	out := make([]memory.SearchResult, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}

// Ensure SemanticIndex satisfies the interface at compile time.
var _ memory.SemanticIndex = (*SemanticIndex)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// Store mock
// ─────────────────────────────────────────────────────────────────────────────

// Store bundles the two layer mocks behind [memory.Store]. The zero value is
// ready to use; the embedded mocks are allocated lazily on first access.
type Store struct {
	mu sync.Mutex

	transcripts *TranscriptStore
	semantic    *SemanticIndex

	// CloseErr is returned by [Store.Close] when non-nil.
	CloseErr error
}

// Transcripts implements [memory.Store].
func (m *Store) Transcripts() memory.TranscriptStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transcripts == nil {
		m.transcripts = &TranscriptStore{}
	}
	return m.transcripts
}

// Semantic implements [memory.Store].
func (m *Store) Semantic() memory.SemanticIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.semantic == nil {
		m.semantic = &SemanticIndex{}
	}
	return m.semantic
}

// TranscriptMock returns the underlying [TranscriptStore] double for
// configuring results and asserting calls.
func (m *Store) TranscriptMock() *TranscriptStore {
	m.Transcripts()
	return m.transcripts
}

// SemanticMock returns the underlying [SemanticIndex] double for configuring
// results and asserting calls.
func (m *Store) SemanticMock() *SemanticIndex {
	m.Semantic()
	return m.semantic
}

// Close implements [memory.Store].
func (m *Store) Close() error {
	return m.CloseErr
}

// Ensure Store satisfies the interface at compile time.
var _ memory.Store = (*Store)(nil)
