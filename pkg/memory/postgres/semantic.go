package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/xswarm-ai/xswarm/pkg/memory"
)

// SemanticIndexImpl is the long-term fact store backed by a PostgreSQL facts
// table with a pgvector HNSW index for fast approximate nearest-neighbour
// search.
//
// Obtain one via [Store.Semantic] rather than constructing directly.
// All methods are safe for concurrent use.
type SemanticIndexImpl struct {
	pool *pgxpool.Pool
}

// Remember implements [memory.SemanticIndex]. It assigns a fresh ID when
// fact.ID is zero and stamps CreatedAt when unset.
//
// A zero embedding is stored as SQL NULL: the fact survives in the table but
// is never a candidate for [SemanticIndexImpl.Search].
func (s *SemanticIndexImpl) Remember(ctx context.Context, fact memory.Fact) (uuid.UUID, error) {
	if fact.ID == uuid.Nil {
		fact.ID = uuid.New()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now()
	}

	var embedding any
	if !isZeroEmbedding(fact.Embedding) {
		embedding = pgvector.NewVector(fact.Embedding)
	}

	const q = `
		INSERT INTO facts (id, session_id, text, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    session_id = EXCLUDED.session_id,
		    text       = EXCLUDED.text,
		    embedding  = EXCLUDED.embedding,
		    created_at = EXCLUDED.created_at`

	_, err := s.pool.Exec(ctx, q, fact.ID, fact.SessionID, fact.Text, embedding, fact.CreatedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("semantic index: remember: %w", err)
	}
	return fact.ID, nil
}

// Search implements [memory.SemanticIndex]. It returns up to k facts closest
// to the query embedding by cosine distance, most similar first. Facts stored
// with a NULL embedding are excluded by the WHERE clause.
func (s *SemanticIndexImpl) Search(ctx context.Context, embedding []float32, k int) ([]memory.SearchResult, error) {
	if k <= 0 {
		return []memory.SearchResult{}, nil
	}

	const q = `
		SELECT id, session_id, text, embedding, created_at,
		       embedding <=> $1 AS distance
		FROM   facts
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("semantic index: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.SearchResult, error) {
		var (
			sr       memory.SearchResult
			vec      pgvector.Vector
			distance float64
		)
		if err := row.Scan(
			&sr.Fact.ID,
			&sr.Fact.SessionID,
			&sr.Fact.Text,
			&vec,
			&sr.Fact.CreatedAt,
			&distance,
		); err != nil {
			return memory.SearchResult{}, err
		}
		sr.Fact.Embedding = vec.Slice()
		// pgvector's <=> operator yields cosine distance in [0, 2].
		sr.Similarity = 1 - distance
		return sr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("semantic index: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	return results, nil
}

// isZeroEmbedding reports whether v is empty or all zeros.
func isZeroEmbedding(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
