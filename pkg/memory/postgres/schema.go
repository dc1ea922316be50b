// Package postgres provides the PostgreSQL-backed implementation of the two
// memory layers: the per-session transcript log and the pgvector semantic
// index over remembered facts.
//
// Both layers share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Transcripts().Append(ctx, entry)
//	results, _ := store.Semantic().Search(ctx, queryEmbedding, 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  UUID         NOT NULL,
    speaker     TEXT         NOT NULL,
    persona     TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_session_id
    ON transcripts (session_id);

CREATE INDEX IF NOT EXISTS idx_transcripts_session_timestamp
    ON transcripts (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_transcripts_fts
    ON transcripts USING GIN (to_tsvector('english', text));
`

// ddlFacts returns the facts DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
// The embedding column is nullable: facts whose embedding failed at write
// time are stored with NULL so the HNSW index skips them entirely.
func ddlFacts(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS facts (
    id          UUID         PRIMARY KEY,
    session_id  UUID         NOT NULL,
    text        TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_facts_session_id
    ON facts (session_id);

CREATE INDEX IF NOT EXISTS idx_facts_embedding
    ON facts USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS)
// and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small, 768 for
// nomic-embed-text). Changing this value after the first migration requires a
// manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlTranscripts,
		ddlFacts(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
