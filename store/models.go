package store

import (
	"time"

	"github.com/google/uuid"
)

// Song is one generated track.
type Song struct {
	ID          uuid.UUID
	Title       string
	Tags        string
	Prompt      string
	Username    string
	AudioURL    string
	Lyric       *string
	Description string
	Downloaded  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QueueEntry is one scheduled play of a song. Title and Downloaded are joined from songs.
type QueueEntry struct {
	ID         uuid.UUID
	SongID     uuid.UUID
	CreatedAt  time.Time
	PlayedAt   *time.Time
	StoppedAt  *time.Time
	Title      string
	Downloaded bool
}

// Open reports whether the entry is currently playing (played but not stopped).
func (e QueueEntry) Open() bool { return e.PlayedAt != nil && e.StoppedAt == nil }

// RankedSong is a song with its aggregate vote score.
type RankedSong struct {
	Song
	AvgScore float64
	Votes    int
}

// StreamState is the single row of global toggles.
type StreamState struct {
	ImplicitEffects bool
	AutoplayBangers bool
	BangerMinAvg    float64
	UpdatedAt       time.Time
}
