package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/onnwee/songbot/bus"
	"github.com/onnwee/songbot/downloader"
	"github.com/onnwee/songbot/store"
)

type fakeEntry struct {
	id      uuid.UUID
	songID  uuid.UUID
	played  bool
	stopped bool
}

// fakeStore is an in-memory Track Store with the same queue semantics as Postgres,
// including the one-open-entry constraint.
type fakeStore struct {
	mu      sync.Mutex
	songs   map[uuid.UUID]store.Song
	entries []*fakeEntry
	avg     map[uuid.UUID]float64
	state   store.StreamState
	failAll error

	markPlayingCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		songs: make(map[uuid.UUID]store.Song),
		avg:   make(map[uuid.UUID]float64),
		state: store.StreamState{BangerMinAvg: 8},
	}
}

func (f *fakeStore) addSong(title string, downloaded bool) store.Song {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := store.Song{ID: uuid.New(), Title: title, Downloaded: downloaded}
	f.songs[s.ID] = s
	return s
}

func (f *fakeStore) setDownloaded(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.songs[id]
	s.Downloaded = true
	f.songs[id] = s
}

func (f *fakeStore) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if e.played && !e.stopped {
			n++
		}
	}
	return n
}

func (f *fakeStore) openSong() uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.played && !e.stopped {
			return e.songID
		}
	}
	return uuid.Nil
}

func (f *fakeStore) unplayed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if !e.played {
			n++
		}
	}
	return n
}

func (f *fakeStore) Enqueue(_ context.Context, songID uuid.UUID) (store.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return store.QueueEntry{}, f.failAll
	}
	if _, ok := f.songs[songID]; !ok {
		return store.QueueEntry{}, store.ErrNotFound
	}
	e := &fakeEntry{id: uuid.New(), songID: songID}
	f.entries = append(f.entries, e)
	return store.QueueEntry{ID: e.id, SongID: songID}, nil
}

func (f *fakeStore) FindNextQueued(context.Context) (store.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return store.QueueEntry{}, f.failAll
	}
	for _, e := range f.entries {
		if !e.played {
			s := f.songs[e.songID]
			return store.QueueEntry{ID: e.id, SongID: e.songID, Title: s.Title, Downloaded: s.Downloaded}, nil
		}
	}
	return store.QueueEntry{}, store.ErrNotFound
}

func (f *fakeStore) MarkPlaying(_ context.Context, songID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.markPlayingCalls++
	for _, e := range f.entries {
		if e.played && !e.stopped {
			return errors.New("unique violation: song_queue_one_playing")
		}
	}
	for _, e := range f.entries {
		if e.songID == songID && !e.played {
			e.played = true
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) MarkStopped(_ context.Context, songID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	for _, e := range f.entries {
		if e.songID == songID && e.played && !e.stopped {
			e.stopped = true
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) MarkAllPlayingStopped(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	for _, e := range f.entries {
		if e.played {
			e.stopped = true
		}
	}
	return nil
}

func (f *fakeStore) ResolvePoisoned(_ context.Context, songID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if e.songID == songID && !e.played {
			e.played, e.stopped = true, true
			n++
		}
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (f *fakeStore) StreamState(context.Context) (store.StreamState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeStore) RandomHighRated(_ context.Context, minAvg float64) (store.Song, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, avg := range f.avg {
		if s := f.songs[id]; avg >= minAvg && s.Downloaded {
			return s, nil
		}
	}
	return store.Song{}, store.ErrNotFound
}

func (f *fakeStore) QueueDepth(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if !e.played {
			n++
		}
	}
	return n, nil
}

// fakeDevice records every call. It stays non-empty after Play until finish is called.
type fakeDevice struct {
	mu      sync.Mutex
	loaded  string
	plays   []string
	stops   int
	skips   int
	paused  bool
	volume  float64
	speed   float64
	filter  string
	playErr error
	panicky bool
}

func (d *fakeDevice) Play(_ context.Context, location string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playErr != nil {
		return d.playErr
	}
	d.loaded = location
	d.plays = append(d.plays, location)
	return nil
}

func (d *fakeDevice) Pause(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
	return nil
}

func (d *fakeDevice) Resume(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	return nil
}

func (d *fakeDevice) Stop(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = ""
	d.stops++
	return nil
}

func (d *fakeDevice) Skip(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = ""
	d.stops++
	d.skips++
	return nil
}

func (d *fakeDevice) SetVolume(_ context.Context, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = v
	return nil
}

func (d *fakeDevice) SetSpeed(_ context.Context, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speed = v
	return nil
}

func (d *fakeDevice) SetFilter(_ context.Context, f string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter = f
	return nil
}

func (d *fakeDevice) IsEmpty(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panicky {
		panic("device wedged")
	}
	return d.loaded == "", nil
}

// finish simulates the song reaching its end.
func (d *fakeDevice) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded = ""
}

func (d *fakeDevice) playCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.plays)
}

type fakeAssets struct {
	missing map[uuid.UUID]bool
}

func (a *fakeAssets) Locate(_ context.Context, id uuid.UUID) (string, error) {
	if a.missing[id] {
		return "", downloader.ErrAssetMissing
	}
	return "/data/songs/" + id.String() + ".mp3", nil
}

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Publish(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}
