// Package store is the Track Store: durable songs, queue entries, votes and stream state
// on Postgres. Every operation is a single statement (or a read followed by a single
// conditional write), so callers can retry them freely.
//
// ErrNotFound is returned whenever the addressed row (or queue head) does not exist;
// any other error is a storage failure.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound means the song, entry or queue head does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidScore means a vote was outside 0.0-10.0.
	ErrInvalidScore = errors.New("store: score must be between 0.0 and 10.0")
)

// Postgres error code for foreign_key_violation.
const pgForeignKeyViolation = "23503"

// Store wraps a Postgres handle.
type Store struct {
	db *sql.DB
}

// New returns a Store backed by db. The schema must already be applied (see db.Migrate).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

const songColumns = `s.id, s.title, s.tags, s.prompt, s.username, s.audio_url, s.lyric, s.description, s.downloaded, s.created_at, s.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSong(r rowScanner, extra ...any) (Song, error) {
	var song Song
	var lyric sql.NullString
	dest := []any{&song.ID, &song.Title, &song.Tags, &song.Prompt, &song.Username, &song.AudioURL, &lyric, &song.Description, &song.Downloaded, &song.CreatedAt, &song.UpdatedAt}
	dest = append(dest, extra...)
	if err := r.Scan(dest...); err != nil {
		return Song{}, err
	}
	if lyric.Valid {
		l := lyric.String
		song.Lyric = &l
	}
	return song, nil
}

// notFound maps sql.ErrNoRows to ErrNotFound and wraps everything else with op.
func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func affectedOrNotFound(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSong inserts song, assigning an id when it has none. CreatedAt/UpdatedAt are filled in.
func (s *Store) CreateSong(ctx context.Context, song *Song) error {
	if song.ID == uuid.Nil {
		song.ID = uuid.New()
	}
	var lyric sql.NullString
	if song.Lyric != nil {
		lyric = sql.NullString{String: *song.Lyric, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO songs (id, title, tags, prompt, username, audio_url, lyric, description, downloaded)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		song.ID, song.Title, song.Tags, song.Prompt, song.Username, song.AudioURL, lyric, song.Description, song.Downloaded,
	).Scan(&song.CreatedAt, &song.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create song: %w", err)
	}
	return nil
}

// GetSong returns the song with id.
func (s *Store) GetSong(ctx context.Context, id uuid.UUID) (Song, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+songColumns+` FROM songs s WHERE s.id = $1`, id)
	song, err := scanSong(row)
	if err != nil {
		return Song{}, notFound("get song", err)
	}
	return song, nil
}

// MarkDownloaded flips the downloaded flag once the asset is cached.
func (s *Store) MarkDownloaded(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE songs SET downloaded = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark downloaded: %w", err)
	}
	return affectedOrNotFound(res, "mark downloaded")
}

// DeleteSong removes the song; queue entries and votes go with it.
func (s *Store) DeleteSong(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM songs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete song: %w", err)
	}
	return affectedOrNotFound(res, "delete song")
}

// PendingDownloads lists songs with unplayed queue entries whose asset is not cached yet.
func (s *Store) PendingDownloads(ctx context.Context) ([]Song, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+songColumns+` FROM songs s
		WHERE NOT s.downloaded
		  AND EXISTS (SELECT 1 FROM song_queue q WHERE q.song_id = s.id AND q.played_at IS NULL)
		ORDER BY s.created_at`)
	if err != nil {
		return nil, fmt.Errorf("pending downloads: %w", err)
	}
	defer rows.Close()
	var out []Song
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, fmt.Errorf("pending downloads scan: %w", err)
		}
		out = append(out, song)
	}
	return out, rows.Err()
}

// RandomSongs returns up to n songs in random order.
func (s *Store) RandomSongs(ctx context.Context, n int) ([]Song, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+songColumns+` FROM songs s ORDER BY random() LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("random songs: %w", err)
	}
	defer rows.Close()
	var out []Song
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, fmt.Errorf("random songs scan: %w", err)
		}
		out = append(out, song)
	}
	return out, rows.Err()
}

// StreamState reads the global toggles row.
func (s *Store) StreamState(ctx context.Context) (StreamState, error) {
	var st StreamState
	err := s.db.QueryRowContext(ctx, `SELECT implicit_effects, autoplay_bangers, banger_min_avg, updated_at FROM stream_state WHERE id = 1`).
		Scan(&st.ImplicitEffects, &st.AutoplayBangers, &st.BangerMinAvg, &st.UpdatedAt)
	if err != nil {
		return StreamState{}, notFound("stream state", err)
	}
	return st, nil
}

// SetAutoplayBangers toggles automatic banger selection when the queue runs dry.
func (s *Store) SetAutoplayBangers(ctx context.Context, on bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE stream_state SET autoplay_bangers = $1, updated_at = NOW() WHERE id = 1`, on)
	if err != nil {
		return fmt.Errorf("set autoplay: %w", err)
	}
	return affectedOrNotFound(res, "set autoplay")
}
