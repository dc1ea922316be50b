// Package memory defines the conversation memory layer: the transcript log
// of every session and the semantic index used for long-term recall.
//
// Two storage layers are exposed as interfaces so the application can run
// with the Postgres/pgvector implementation in production and in-memory
// mocks in tests:
//
//   - [TranscriptStore] — append-only per-session transcript log.
//   - [SemanticIndex] — embedding-based similarity search over remembered
//     facts, used to inject relevant history into the assistant's context.
//
// All implementations must be safe for concurrent use.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	// SpeakerUser is the human on the microphone or phone line.
	SpeakerUser Speaker = "user"

	// SpeakerAssistant is the voice assistant itself.
	SpeakerAssistant Speaker = "assistant"
)

// TranscriptEntry is one utterance in a conversation session.
type TranscriptEntry struct {
	// SessionID groups entries belonging to one conversation (one terminal
	// session or one phone call).
	SessionID uuid.UUID

	// Speaker identifies the utterance source.
	Speaker Speaker

	// Persona is the active persona's name when Speaker is the assistant.
	Persona string

	// Text is the utterance text as emitted by the model's text stream.
	Text string

	// Timestamp is when the utterance completed.
	Timestamp time.Time
}

// Fact is a remembered piece of long-term knowledge with its embedding.
type Fact struct {
	// ID is the stable identifier assigned by the store.
	ID uuid.UUID

	// SessionID is the session the fact was learned in.
	SessionID uuid.UUID

	// Text is the fact content.
	Text string

	// Embedding is the dense vector for Text. Its length must match the
	// dimension the store was created with. A zero vector marks a fact whose
	// embedding failed at write time (graceful degradation — the fact is
	// still keyword-retrievable, just invisible to similarity search).
	Embedding []float32

	// CreatedAt is when the fact was stored.
	CreatedAt time.Time
}

// SearchResult pairs a recalled fact with its similarity to the query.
type SearchResult struct {
	Fact Fact

	// Similarity is cosine similarity in [-1, 1]; higher is closer.
	Similarity float64
}
