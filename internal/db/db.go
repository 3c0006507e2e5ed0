// Package db provides PostgreSQL database access for the Herd server.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Pool returns the underlying connection pool for advanced operations.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Credentials returns a CredentialRepository.
func (db *DB) Credentials() *CredentialRepository {
	return &CredentialRepository{pool: db.pool}
}

// Events returns an EventRepository.
func (db *DB) Events() *EventRepository {
	return &EventRepository{pool: db.pool}
}

// Migrate creates the schema if it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS spotify_credentials (
			user_id TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			spotify_user_id TEXT NOT NULL DEFAULT 'unknown',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS listening_events (
			user_id TEXT NOT NULL,
			artist_id TEXT NOT NULL,
			artist_name TEXT NOT NULL,
			track_id TEXT NOT NULL,
			track_name TEXT NOT NULL,
			played_at TIMESTAMPTZ NOT NULL,
			duration_ms INT NOT NULL,
			PRIMARY KEY (user_id, artist_id, track_id, played_at)
		)`,
		`CREATE INDEX IF NOT EXISTS listening_events_artist_idx
			ON listening_events (artist_id, played_at)`,
		`CREATE INDEX IF NOT EXISTS listening_events_artist_name_idx
			ON listening_events (artist_name)`,
	}

	for _, stmt := range statements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}
