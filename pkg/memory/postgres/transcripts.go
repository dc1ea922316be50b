package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xswarm-ai/xswarm/pkg/memory"
)

// TranscriptStoreImpl is the append-only conversation log backed by the
// transcripts table.
//
// Obtain one via [Store.Transcripts] rather than constructing directly.
// All methods are safe for concurrent use.
type TranscriptStoreImpl struct {
	pool *pgxpool.Pool
}

// Append implements [memory.TranscriptStore].
func (s *TranscriptStoreImpl) Append(ctx context.Context, entry memory.TranscriptEntry) error {
	const q = `
		INSERT INTO transcripts (session_id, speaker, persona, text, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		entry.SessionID,
		string(entry.Speaker),
		entry.Persona,
		entry.Text,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("transcript store: append: %w", err)
	}
	return nil
}

// Recent implements [memory.TranscriptStore]. It returns the latest n entries
// of the session in chronological order (oldest first).
func (s *TranscriptStoreImpl) Recent(ctx context.Context, sessionID uuid.UUID, n int) ([]memory.TranscriptEntry, error) {
	if n <= 0 {
		return []memory.TranscriptEntry{}, nil
	}

	// Select the newest n rows, then flip them back into chronological order.
	const q = `
		SELECT session_id, speaker, persona, text, timestamp
		FROM   (SELECT id, session_id, speaker, persona, text, timestamp
		        FROM   transcripts
		        WHERE  session_id = $1
		        ORDER  BY timestamp DESC, id DESC
		        LIMIT  $2) latest
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("transcript store: recent: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.TranscriptEntry, error) {
		var (
			e       memory.TranscriptEntry
			speaker string
		)
		if err := row.Scan(&e.SessionID, &speaker, &e.Persona, &e.Text, &e.Timestamp); err != nil {
			return memory.TranscriptEntry{}, err
		}
		e.Speaker = memory.Speaker(speaker)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.TranscriptEntry{}
	}
	return entries, nil
}
