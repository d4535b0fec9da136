// Package db provides the database connection helper and the idempotent schema.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Open opens a Postgres connection for an explicit DSN.
func Open(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error { return migratePostgres(ctx, db) }

func migratePostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS songs (
			id UUID PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			audio_url TEXT NOT NULL DEFAULT '',
			lyric TEXT,
			description TEXT NOT NULL DEFAULT '',
			downloaded BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS song_queue (
			id UUID PRIMARY KEY,
			song_id UUID NOT NULL REFERENCES songs(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			played_at TIMESTAMPTZ,
			stopped_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS song_votes (
			song_id UUID NOT NULL REFERENCES songs(id) ON DELETE CASCADE,
			username TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL CHECK (score >= 0 AND score <= 10),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (song_id, username)
		)`,
		`CREATE TABLE IF NOT EXISTS stream_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			implicit_effects BOOLEAN NOT NULL DEFAULT TRUE,
			autoplay_bangers BOOLEAN NOT NULL DEFAULT FALSE,
			banger_min_avg DOUBLE PRECISION NOT NULL DEFAULT 8.0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`INSERT INTO stream_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
		// At most one entry may be open (played but not stopped) at any instant.
		`CREATE UNIQUE INDEX IF NOT EXISTS song_queue_one_playing ON song_queue ((true)) WHERE played_at IS NOT NULL AND stopped_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_song_queue_unplayed ON song_queue(created_at) WHERE played_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_song_queue_song ON song_queue(song_id)`,
		`CREATE INDEX IF NOT EXISTS idx_songs_downloaded ON songs(downloaded)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
