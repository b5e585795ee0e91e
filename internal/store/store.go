// Package store is the Postgres-backed message store.
//
// Schema:
//
//	chats    (id uuid primary key, user_id text not null,
//	          created_at timestamptz not null default now())
//	messages (id uuid primary key, chat_id uuid not null references chats(id),
//	          role text not null, content text not null,
//	          created_at timestamptz not null default now())
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

func (s *Store) Close() {
	s.pool.Close()
}
