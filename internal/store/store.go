package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres-backed node store.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS loom_nodes (
	id                   TEXT PRIMARY KEY,
	timestamp            TIMESTAMPTZ NOT NULL,
	deleted              BOOLEAN NOT NULL DEFAULT false,
	is_assistant         BOOLEAN NOT NULL DEFAULT false,
	highlight_word_count INTEGER NOT NULL DEFAULT 0,
	participant          TEXT,
	parent_id            TEXT,
	conversation_id      TEXT NOT NULL,
	character_id         TEXT NOT NULL,
	model                TEXT NOT NULL DEFAULT '',
	type                 TEXT NOT NULL DEFAULT 'chat',
	message              TEXT NOT NULL DEFAULT '',
	alt_ids              JSONB NOT NULL DEFAULT '[]'::jsonb,
	role                 TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS loom_nodes_parent_id_idx ON loom_nodes (parent_id);
CREATE INDEX IF NOT EXISTS loom_nodes_character_id_idx ON loom_nodes (character_id);
`

// EnsureSchema creates the nodes table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
