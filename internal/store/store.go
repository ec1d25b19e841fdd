package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Init creates the bookkeeping tables the service owns. Destination tables
// are created lazily per run since their names are caller-supplied.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS extraction_cursors (
			resource_kind         text NOT NULL,
			destination_table     text NOT NULL,
			last_completed_window timestamptz NOT NULL,
			updated_at            timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (resource_kind, destination_table)
		)`)
	if err != nil {
		return fmt.Errorf("create cursor table: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}
