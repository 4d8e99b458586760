// Package db provides the Postgres connection, schema migration, and the
// stream store consumed by the tracker and the HTTP API.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and
// indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streamers (
			name TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			streamer TEXT NOT NULL REFERENCES streamers(name),
			start_time TIMESTAMPTZ NOT NULL,
			live BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS segments (
			id BIGSERIAL PRIMARY KEY,
			stream_id TEXT NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			game TEXT NOT NULL,
			UNIQUE (stream_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			segment_id BIGINT NOT NULL REFERENCES segments(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			username TEXT NOT NULL,
			text TEXT NOT NULL,
			offset_seconds DOUBLE PRECISION NOT NULL,
			UNIQUE (segment_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_streamer_start ON streams(streamer, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_stream ON segments(stream_id, idx)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_segment ON messages(segment_id, idx)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
