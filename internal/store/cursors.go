package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mechanigo/laextract/internal/resource"
	"github.com/mechanigo/laextract/internal/window"
)

// GetCursor returns the stored cursor for a (kind, table) pair, or nil if no
// initial extraction has completed yet.
func (s *Store) GetCursor(ctx context.Context, kind resource.Kind, table string) (*window.Cursor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT last_completed_window, updated_at
		FROM extraction_cursors
		WHERE resource_kind = $1 AND destination_table = $2`,
		string(kind), table,
	)

	cur := window.Cursor{Kind: kind, Table: table}
	err := row.Scan(&cur.LastCompleted, &cur.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor %s/%s: %w", kind, table, err)
	}
	return &cur, nil
}

// CommitCursor records the end of a fully successful run. The stored window
// only ever moves forward; a replayed older run cannot rewind it.
func (s *Store) CommitCursor(ctx context.Context, kind resource.Kind, table string, lastCompleted time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO extraction_cursors (resource_kind, destination_table, last_completed_window, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (resource_kind, destination_table) DO UPDATE SET
			last_completed_window = GREATEST(extraction_cursors.last_completed_window, EXCLUDED.last_completed_window),
			updated_at = now()`,
		string(kind), table, lastCompleted.UTC(),
	)
	if err != nil {
		return fmt.Errorf("commit cursor %s/%s: %w", kind, table, err)
	}
	return nil
}
