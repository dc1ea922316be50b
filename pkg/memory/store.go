package memory

import (
	"context"

	"github.com/google/uuid"
)

// TranscriptStore is the append-only conversation log.
type TranscriptStore interface {
	// Append records one transcript entry. Entries are immutable once written.
	Append(ctx context.Context, entry TranscriptEntry) error

	// Recent returns the latest n entries of the session, oldest first.
	Recent(ctx context.Context, sessionID uuid.UUID, n int) ([]TranscriptEntry, error)
}

// SemanticIndex stores facts with embeddings and retrieves them by vector
// similarity.
type SemanticIndex interface {
	// Remember stores a fact. The store assigns Fact.ID when it is zero.
	Remember(ctx context.Context, fact Fact) (uuid.UUID, error)

	// Search returns up to k facts most similar to the query embedding,
	// ordered by descending similarity. Facts stored with a zero embedding
	// are never returned.
	Search(ctx context.Context, embedding []float32, k int) ([]SearchResult, error)
}

// Store bundles both layers behind one handle.
type Store interface {
	Transcripts() TranscriptStore
	Semantic() SemanticIndex

	// Close releases the underlying connections.
	Close() error
}
