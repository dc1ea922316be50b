package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/xswarm-ai/xswarm/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.Store           = (*Store)(nil)
	_ memory.TranscriptStore = (*TranscriptStoreImpl)(nil)
	_ memory.SemanticIndex   = (*SemanticIndexImpl)(nil)
)

// Store is the PostgreSQL-backed [memory.Store]. It holds a single
// [pgxpool.Pool] shared by the transcript log and the semantic index.
//
// All operations are safe for concurrent use.
type Store struct {
	pool        *pgxpool.Pool
	transcripts *TranscriptStoreImpl
	semantic    *SemanticIndexImpl
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate] to ensure
// all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the configured
// embedding provider (e.g., 1536 for OpenAI text-embedding-3-small). Changing
// this value after the first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:        pool,
		transcripts: &TranscriptStoreImpl{pool: pool},
		semantic:    &SemanticIndexImpl{pool: pool},
	}, nil
}

// Transcripts implements [memory.Store].
func (s *Store) Transcripts() memory.TranscriptStore { return s.transcripts }

// Semantic implements [memory.Store].
func (s *Store) Semantic() memory.SemanticIndex { return s.semantic }

// Close implements [memory.Store]. It releases all connections held by the
// underlying pool. It always returns nil.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
