package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/songbot/bus"
	"github.com/onnwee/songbot/store"
	"github.com/onnwee/songbot/telemetry"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// HandleStatus returns the scheduler snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Status())
}

// HandleQueue lists upcoming entries (?limit=, default 20, max 100).
func (h *Handlers) HandleQueue(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 20), 1, 100)
	entries, err := h.deps.Store.ListQueue(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list queue", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	type item struct {
		SongID     uuid.UUID `json:"song_id"`
		Title      string    `json:"title"`
		Downloaded bool      `json:"downloaded"`
		QueuedAt   time.Time `json:"queued_at"`
	}
	out := make([]item, 0, len(entries))
	for _, e := range entries {
		out = append(out, item{SongID: e.SongID, Title: e.Title, Downloaded: e.Downloaded, QueuedAt: e.CreatedAt.UTC()})
	}
	writeJSON(w, http.StatusOK, out)
}

type rankedJSON struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	Username string    `json:"username"`
	Tags     string    `json:"tags"`
	AvgScore float64   `json:"avg_score"`
	Votes    int       `json:"votes"`
}

// HandleTopSongs returns the ranking (?limit=, default 10, max 100).
func (h *Handlers) HandleTopSongs(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 10), 1, 100)
	ranked, err := h.deps.Store.TopRanked(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("top songs", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]rankedJSON, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, rankedJSON{ID: s.ID, Title: s.Title, Username: s.Username, Tags: s.Tags, AvgScore: s.AvgScore, Votes: s.Votes})
	}
	writeJSON(w, http.StatusOK, out)
}

// createSongRequest is a completed generation handed over by the generator.
type createSongRequest struct {
	ID          *uuid.UUID `json:"id"`
	Title       string     `json:"title"`
	Tags        string     `json:"tags"`
	Prompt      string     `json:"prompt"`
	Username    string     `json:"username"`
	AudioURL    string     `json:"audio_url"`
	Lyric       *string    `json:"lyric"`
	Description string     `json:"description"`
}

// HandleCreateSong stores a song and, with ?enqueue=1, queues it and announces it so
// the downloader starts fetching.
func (h *Handlers) HandleCreateSong(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.LoggerWithCorr(r.Context())
	var req createSongRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Username) == "" {
		http.Error(w, "title and username are required", http.StatusBadRequest)
		return
	}
	song := store.Song{
		Title:       req.Title,
		Tags:        req.Tags,
		Prompt:      req.Prompt,
		Username:    req.Username,
		AudioURL:    req.AudioURL,
		Lyric:       req.Lyric,
		Description: req.Description,
	}
	if req.ID != nil {
		song.ID = *req.ID
	}
	if err := h.deps.Store.CreateSong(r.Context(), &song); err != nil {
		logger.Error("create song", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	queued := false
	if v := r.URL.Query().Get("enqueue"); v == "1" || v == "true" {
		if _, err := h.deps.Store.Enqueue(r.Context(), song.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "song vanished before enqueue", http.StatusConflict)
				return
			}
			logger.Error("enqueue song", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		h.deps.Bus.Publish(bus.SongQueued{SongID: song.ID})
		queued = true
	}
	logger.Info("song ingested", "song_id", song.ID.String(), "queued", queued, "component", "http")
	writeJSON(w, http.StatusCreated, map[string]any{"id": song.ID, "title": song.Title, "queued": queued})
}
