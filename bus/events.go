package bus

import "github.com/google/uuid"

// Event is anything carried by the bus. Consumers switch on the concrete type.
type Event interface {
	Kind() string
}

// UserCommand is a raw chat message as received from the chat client.
type UserCommand struct {
	Username string
	Roles    []string
	Text     string
}

// SongQueued is published after a QueueEntry has been created for SongID.
type SongQueued struct {
	SongID uuid.UUID
}

// SongDownloaded is published once the asset for SongID is cached and the row flipped.
type SongDownloaded struct {
	SongID uuid.UUID
}

// DownloadFailed is published when a download task gives up on SongID.
type DownloadFailed struct {
	SongID uuid.UUID
	Reason string
}

// SongDeleted is published after an admin delete so running downloads can be cancelled.
type SongDeleted struct {
	SongID uuid.UUID
}

// Action names a playback request handled by the scheduler.
type Action string

const (
	ActionPlay       Action = "play"
	ActionPause      Action = "pause"
	ActionUnpause    Action = "unpause"
	ActionSkip       Action = "skip"
	ActionStop       Action = "stop"
	ActionSpeedUp    Action = "speedup"
	ActionSlowDown   Action = "slowdown"
	ActionNormal     Action = "normal"
	ActionVolumeUp   Action = "volume_up"
	ActionVolumeDown Action = "volume_down"
	ActionReverb     Action = "reverb"
)

// Control asks the scheduler to act on the audio device or the play state.
type Control struct {
	Action    Action
	Requester string
	SongID    uuid.UUID
}

func (UserCommand) Kind() string    { return "user_command" }
func (SongQueued) Kind() string     { return "song_queued" }
func (SongDownloaded) Kind() string { return "song_downloaded" }
func (DownloadFailed) Kind() string { return "download_failed" }
func (SongDeleted) Kind() string    { return "song_deleted" }
func (Control) Kind() string        { return "control" }
