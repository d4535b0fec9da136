package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Queue ordering is by created_at, stamped with clock_timestamp() so that entries created
// within one transaction still get distinct, increasing times.

// Enqueue appends songID to the back of the queue.
func (s *Store) Enqueue(ctx context.Context, songID uuid.UUID) (QueueEntry, error) {
	e := QueueEntry{ID: uuid.New(), SongID: songID}
	err := s.db.QueryRowContext(ctx, `INSERT INTO song_queue (id, song_id, created_at) VALUES ($1, $2, clock_timestamp())
		RETURNING created_at`, e.ID, songID).Scan(&e.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return QueueEntry{}, ErrNotFound
		}
		return QueueEntry{}, fmt.Errorf("enqueue: %w", err)
	}
	return e, nil
}

// EnqueueNext places songID ahead of every unplayed entry.
func (s *Store) EnqueueNext(ctx context.Context, songID uuid.UUID) (QueueEntry, error) {
	e := QueueEntry{ID: uuid.New(), SongID: songID}
	err := s.db.QueryRowContext(ctx, `INSERT INTO song_queue (id, song_id, created_at)
		SELECT $1, $2, LEAST(clock_timestamp(), (SELECT MIN(created_at) FROM song_queue WHERE played_at IS NULL) - interval '1 millisecond')
		RETURNING created_at`, e.ID, songID).Scan(&e.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return QueueEntry{}, ErrNotFound
		}
		return QueueEntry{}, fmt.Errorf("enqueue next: %w", err)
	}
	return e, nil
}

// FindNextQueued returns the queue head: the oldest entry that has not been played.
// The song's downloaded flag is joined in so the caller can gate on it.
func (s *Store) FindNextQueued(ctx context.Context) (QueueEntry, error) {
	var e QueueEntry
	err := s.db.QueryRowContext(ctx, `SELECT q.id, q.song_id, q.created_at, s.title, s.downloaded
		FROM song_queue q JOIN songs s ON s.id = q.song_id
		WHERE q.played_at IS NULL
		ORDER BY q.created_at ASC, q.id ASC
		LIMIT 1`).Scan(&e.ID, &e.SongID, &e.CreatedAt, &e.Title, &e.Downloaded)
	if err != nil {
		return QueueEntry{}, notFound("find next queued", err)
	}
	return e, nil
}

// FindCurrentlyPlaying returns the song of the open entry, falling back to the queue
// head's song when nothing is playing. It never writes.
func (s *Store) FindCurrentlyPlaying(ctx context.Context) (Song, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+songColumns+` FROM song_queue q JOIN songs s ON s.id = q.song_id
		WHERE q.played_at IS NOT NULL AND q.stopped_at IS NULL
		LIMIT 1`)
	song, err := scanSong(row)
	if err == nil {
		return song, nil
	}
	if nf := notFound("find currently playing", err); nf != ErrNotFound {
		return Song{}, nf
	}
	row = s.db.QueryRowContext(ctx, `SELECT `+songColumns+` FROM song_queue q JOIN songs s ON s.id = q.song_id
		WHERE q.played_at IS NULL
		ORDER BY q.created_at ASC, q.id ASC
		LIMIT 1`)
	song, err = scanSong(row)
	if err != nil {
		return Song{}, notFound("find queue head song", err)
	}
	return song, nil
}

// MarkPlaying sets played_at on the oldest unplayed entry for songID.
// Callers must close any open entry first with MarkAllPlayingStopped.
func (s *Store) MarkPlaying(ctx context.Context, songID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE song_queue SET played_at = clock_timestamp()
		WHERE id = (SELECT id FROM song_queue WHERE song_id = $1 AND played_at IS NULL ORDER BY created_at ASC, id ASC LIMIT 1)`, songID)
	if err != nil {
		return fmt.Errorf("mark playing: %w", err)
	}
	return affectedOrNotFound(res, "mark playing")
}

// MarkStopped sets stopped_at on the open entry for songID.
func (s *Store) MarkStopped(ctx context.Context, songID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE song_queue SET stopped_at = clock_timestamp()
		WHERE song_id = $1 AND played_at IS NOT NULL AND stopped_at IS NULL`, songID)
	if err != nil {
		return fmt.Errorf("mark stopped: %w", err)
	}
	return affectedOrNotFound(res, "mark stopped")
}

// MarkAllPlayingStopped closes every open entry. Safe to call repeatedly.
func (s *Store) MarkAllPlayingStopped(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE song_queue SET stopped_at = clock_timestamp()
		WHERE played_at IS NOT NULL AND stopped_at IS NULL`); err != nil {
		return fmt.Errorf("mark all playing stopped: %w", err)
	}
	return nil
}

// ResolvePoisoned marks every unplayed entry for songID as played and stopped at once,
// so an entry that can never be played stops blocking the queue head.
func (s *Store) ResolvePoisoned(ctx context.Context, songID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE song_queue SET played_at = clock_timestamp(), stopped_at = clock_timestamp()
		WHERE song_id = $1 AND played_at IS NULL`, songID)
	if err != nil {
		return fmt.Errorf("resolve poisoned: %w", err)
	}
	return affectedOrNotFound(res, "resolve poisoned")
}

// QueueDepth counts unplayed entries.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM song_queue WHERE played_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ListQueue returns up to limit unplayed entries in play order.
func (s *Store) ListQueue(ctx context.Context, limit int) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT q.id, q.song_id, q.created_at, s.title, s.downloaded
		FROM song_queue q JOIN songs s ON s.id = q.song_id
		WHERE q.played_at IS NULL
		ORDER BY q.created_at ASC, q.id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()
	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.ID, &e.SongID, &e.CreatedAt, &e.Title, &e.Downloaded); err != nil {
			return nil, fmt.Errorf("list queue scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
