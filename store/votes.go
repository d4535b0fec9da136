package store

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// ValidScore reports whether score is within 0.0-10.0 inclusive.
func ValidScore(score float64) bool {
	return !math.IsNaN(score) && score >= 0 && score <= 10
}

// VoteForCurrentSong records username's score for the song FindCurrentlyPlaying returns.
// A second vote by the same user replaces the first. Out-of-range scores are rejected
// with ErrInvalidScore before anything is read or written.
func (s *Store) VoteForCurrentSong(ctx context.Context, username string, score float64) (Song, error) {
	if !ValidScore(score) {
		return Song{}, ErrInvalidScore
	}
	song, err := s.FindCurrentlyPlaying(ctx)
	if err != nil {
		return Song{}, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO song_votes (song_id, username, score) VALUES ($1, $2, $3)
		ON CONFLICT (song_id, username) DO UPDATE SET score = EXCLUDED.score, updated_at = NOW()`,
		song.ID, username, score)
	if err != nil {
		if isForeignKeyViolation(err) {
			return Song{}, ErrNotFound
		}
		return Song{}, fmt.Errorf("vote: %w", err)
	}
	return song, nil
}

// Ranking returns songID with its average score and vote count (zero when unvoted).
func (s *Store) Ranking(ctx context.Context, songID uuid.UUID) (RankedSong, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+songColumns+`, COALESCE(AVG(v.score), 0), COUNT(v.score)
		FROM songs s LEFT JOIN song_votes v ON v.song_id = s.id
		WHERE s.id = $1
		GROUP BY s.id`, songID)
	var r RankedSong
	song, err := scanSong(row, &r.AvgScore, &r.Votes)
	if err != nil {
		return RankedSong{}, notFound("ranking", err)
	}
	r.Song = song
	return r, nil
}

// TopRanked returns the highest average-scored songs, ties broken by vote count.
func (s *Store) TopRanked(ctx context.Context, limit int) ([]RankedSong, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+songColumns+`, AVG(v.score) AS avg_score, COUNT(v.score) AS votes
		FROM songs s JOIN song_votes v ON v.song_id = s.id
		GROUP BY s.id
		ORDER BY avg_score DESC, votes DESC, s.created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("top ranked: %w", err)
	}
	defer rows.Close()
	var out []RankedSong
	for rows.Next() {
		var r RankedSong
		song, err := scanSong(rows, &r.AvgScore, &r.Votes)
		if err != nil {
			return nil, fmt.Errorf("top ranked scan: %w", err)
		}
		r.Song = song
		out = append(out, r)
	}
	return out, rows.Err()
}

// RandomHighRated picks a random downloaded song whose average score is at least minAvg.
func (s *Store) RandomHighRated(ctx context.Context, minAvg float64) (Song, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+songColumns+` FROM songs s
		JOIN (SELECT song_id FROM song_votes GROUP BY song_id HAVING AVG(score) >= $1) r ON r.song_id = s.id
		WHERE s.downloaded
		ORDER BY random()
		LIMIT 1`, minAvg)
	song, err := scanSong(row)
	if err != nil {
		return Song{}, notFound("random high rated", err)
	}
	return song, nil
}
