package router

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/onnwee/songbot/bus"
	"github.com/onnwee/songbot/store"
)

type vote struct {
	user  string
	score float64
}

type fakeStore struct {
	mu        sync.Mutex
	songs     map[uuid.UUID]store.Song
	queue     []uuid.UUID
	playing   uuid.UUID
	votes     map[uuid.UUID][]vote
	autoplay  bool
	mutations int
	fail      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{songs: map[uuid.UUID]store.Song{}, votes: map[uuid.UUID][]vote{}}
}

func (f *fakeStore) add(title string) store.Song {
	s := store.Song{ID: uuid.New(), Title: title, Username: "gen", Tags: "lofi", Downloaded: true}
	f.songs[s.ID] = s
	return s
}

func (f *fakeStore) GetSong(_ context.Context, id uuid.UUID) (store.Song, error) {
	s, ok := f.songs[id]
	if !ok {
		return store.Song{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) FindCurrentlyPlaying(context.Context) (store.Song, error) {
	if f.playing != uuid.Nil {
		return f.songs[f.playing], nil
	}
	if len(f.queue) > 0 {
		return f.songs[f.queue[0]], nil
	}
	return store.Song{}, store.ErrNotFound
}

func (f *fakeStore) avg(id uuid.UUID) (float64, int) {
	vs := f.votes[id]
	if len(vs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v.score
	}
	return sum / float64(len(vs)), len(vs)
}

func (f *fakeStore) Ranking(_ context.Context, id uuid.UUID) (store.RankedSong, error) {
	s, ok := f.songs[id]
	if !ok {
		return store.RankedSong{}, store.ErrNotFound
	}
	a, n := f.avg(id)
	return store.RankedSong{Song: s, AvgScore: a, Votes: n}, nil
}

func (f *fakeStore) VoteForCurrentSong(ctx context.Context, user string, score float64) (store.Song, error) {
	if !store.ValidScore(score) {
		return store.Song{}, store.ErrInvalidScore
	}
	s, err := f.FindCurrentlyPlaying(ctx)
	if err != nil {
		return store.Song{}, err
	}
	f.mutations++
	vs := f.votes[s.ID]
	for i := range vs {
		if vs[i].user == user {
			vs[i].score = score
			return s, nil
		}
	}
	f.votes[s.ID] = append(vs, vote{user, score})
	return s, nil
}

func (f *fakeStore) TopRanked(_ context.Context, limit int) ([]store.RankedSong, error) {
	var out []store.RankedSong
	for id, s := range f.songs {
		if a, n := f.avg(id); n > 0 {
			out = append(out, store.RankedSong{Song: s, AvgScore: a, Votes: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AvgScore > out[j].AvgScore })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) Enqueue(_ context.Context, id uuid.UUID) (store.QueueEntry, error) {
	if f.fail != nil {
		return store.QueueEntry{}, f.fail
	}
	if _, ok := f.songs[id]; !ok {
		return store.QueueEntry{}, store.ErrNotFound
	}
	f.mutations++
	f.queue = append(f.queue, id)
	return store.QueueEntry{SongID: id}, nil
}

func (f *fakeStore) EnqueueNext(_ context.Context, id uuid.UUID) (store.QueueEntry, error) {
	if _, ok := f.songs[id]; !ok {
		return store.QueueEntry{}, store.ErrNotFound
	}
	f.mutations++
	f.queue = append([]uuid.UUID{id}, f.queue...)
	return store.QueueEntry{SongID: id}, nil
}

func (f *fakeStore) DeleteSong(_ context.Context, id uuid.UUID) error {
	if _, ok := f.songs[id]; !ok {
		return store.ErrNotFound
	}
	f.mutations++
	delete(f.songs, id)
	q := f.queue[:0]
	for _, e := range f.queue {
		if e != id {
			q = append(q, e)
		}
	}
	f.queue = q
	return nil
}

func (f *fakeStore) RandomSongs(_ context.Context, n int) ([]store.Song, error) {
	var out []store.Song
	for _, s := range f.songs {
		if len(out) == n {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) RandomHighRated(_ context.Context, minAvg float64) (store.Song, error) {
	for id, s := range f.songs {
		if a, n := f.avg(id); n > 0 && a >= minAvg {
			return s, nil
		}
	}
	return store.Song{}, store.ErrNotFound
}

func (f *fakeStore) StreamState(context.Context) (store.StreamState, error) {
	return store.StreamState{AutoplayBangers: f.autoplay, BangerMinAvg: 8}, nil
}

func (f *fakeStore) SetAutoplayBangers(_ context.Context, on bool) error {
	f.mutations++
	f.autoplay = on
	return nil
}

type chatLog struct {
	mu    sync.Mutex
	lines []string
}

func (c *chatLog) Say(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, text)
}

type recorder struct {
	events []bus.Event
}

func (r *recorder) Publish(ev bus.Event) { r.events = append(r.events, ev) }

type fixture struct {
	store  *fakeStore
	chat   *chatLog
	events *recorder
	router *Router
}

func newFixture() *fixture {
	f := &fixture{store: newFakeStore(), chat: &chatLog{}, events: &recorder{}}
	f.router = New(f.store, f.events, f.chat, func(u string) bool { return strings.EqualFold(u, "owner") })
	return f
}

func (f *fixture) send(t *testing.T, user string, roles []string, text string) error {
	t.Helper()
	return f.router.Handle(context.Background(), bus.UserCommand{Username: user, Roles: roles, Text: text})
}

var mod = []string{"moderator"}

func TestParse(t *testing.T) {
	tests := []struct {
		text    string
		name    string
		args    []string
		wantErr error
	}{
		{"!vote 7.5", "!vote", []string{"7.5"}, nil},
		{"  !top   3 ", "!top", []string{"3"}, nil},
		{"!skip", "!skip", []string{}, nil},
		{"hello !vote 5", "", nil, ErrNotCommand},
		{"!", "", nil, ErrNotCommand},
		{"", "", nil, ErrNotCommand},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cmd, err := Parse(tt.text)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if cmd.Name != tt.name || len(cmd.Args) != len(tt.args) {
				t.Fatalf("got %+v", cmd)
			}
		})
	}
}

func TestCommandNamesAreCaseSensitive(t *testing.T) {
	f := newFixture()
	f.store.add("a")
	if err := f.send(t, "viewer", nil, "!VOTE 5"); err != nil {
		t.Fatal(err)
	}
	if f.store.mutations != 0 || len(f.chat.lines) != 0 {
		t.Fatal("!VOTE should be ignored")
	}
}

func TestIsAdmin(t *testing.T) {
	r := newFixture().router
	tests := []struct {
		user  string
		roles []string
		want  bool
	}{
		{"streamer", []string{"broadcaster"}, true},
		{"mod", []string{"subscriber", "moderator"}, true},
		{"Owner", nil, true},
		{"viewer", []string{"subscriber", "vip"}, false},
		{"viewer", nil, false},
	}
	for _, tt := range tests {
		if got := r.IsAdmin(tt.user, tt.roles); got != tt.want {
			t.Errorf("IsAdmin(%s, %v) = %v, want %v", tt.user, tt.roles, got, tt.want)
		}
	}
}

func TestNonAdminDeleteIsSilentlyDropped(t *testing.T) {
	f := newFixture()
	s := f.store.add("keep me")
	if err := f.send(t, "viewer", []string{"subscriber"}, "!delete "+s.ID.String()); err != nil {
		t.Fatal(err)
	}
	if f.store.mutations != 0 {
		t.Fatal("non-admin delete mutated the store")
	}
	if _, ok := f.store.songs[s.ID]; !ok {
		t.Fatal("song deleted")
	}
	if len(f.chat.lines) != 0 || len(f.events.events) != 0 {
		t.Fatalf("non-admin delete produced output: %v %v", f.chat.lines, f.events.events)
	}
}

func TestNonAdminControlsAreDropped(t *testing.T) {
	f := newFixture()
	for name := range controlCommands {
		if err := f.send(t, "viewer", nil, name); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.events.events) != 0 {
		t.Fatalf("events = %v", f.events.events)
	}
}

func TestAdminDelete(t *testing.T) {
	f := newFixture()
	s := f.store.add("bad")
	f.store.playing = s.ID
	if err := f.send(t, "mod", mod, "!delete "+s.ID.String()); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.store.songs[s.ID]; ok {
		t.Fatal("song not deleted")
	}
	if len(f.events.events) != 2 {
		t.Fatalf("events = %#v", f.events.events)
	}
	if f.events.events[0] != (bus.SongDeleted{SongID: s.ID}) {
		t.Fatalf("first event = %#v", f.events.events[0])
	}
	if c, ok := f.events.events[1].(bus.Control); !ok || c.Action != bus.ActionSkip {
		t.Fatalf("deleting the current song should skip it, got %#v", f.events.events[1])
	}
}

func TestAdminDeleteUnknownReplies(t *testing.T) {
	f := newFixture()
	if err := f.send(t, "mod", mod, "!delete "+uuid.NewString()); err != nil {
		t.Fatal(err)
	}
	if len(f.chat.lines) != 1 || len(f.events.events) != 0 {
		t.Fatalf("chat = %v events = %v", f.chat.lines, f.events.events)
	}
}

func TestVote(t *testing.T) {
	f := newFixture()
	s := f.store.add("song")
	f.store.playing = s.ID

	for _, text := range []string{"!vote 10.1", "!vote -0.5", "!vote NaN", "!vote great", "!vote"} {
		if err := f.send(t, "viewer", nil, text); err != nil {
			t.Fatalf("%s: %v", text, err)
		}
	}
	if f.store.mutations != 0 || len(f.chat.lines) != 0 {
		t.Fatalf("bad votes mutated (%d) or replied (%v)", f.store.mutations, f.chat.lines)
	}

	if err := f.send(t, "viewer", nil, "!vote 7.5"); err != nil {
		t.Fatal(err)
	}
	r, _ := f.store.Ranking(context.Background(), s.ID)
	if r.AvgScore != 7.5 || r.Votes != 1 {
		t.Fatalf("ranking = %v/%d", r.AvgScore, r.Votes)
	}
	if len(f.chat.lines) != 1 || !strings.Contains(f.chat.lines[0], "7.5") {
		t.Fatalf("chat = %v", f.chat.lines)
	}
}

func TestVoteWithNothingPlayingIsSilent(t *testing.T) {
	f := newFixture()
	if err := f.send(t, "viewer", nil, "!vote 5"); err != nil {
		t.Fatal(err)
	}
	if len(f.chat.lines) != 0 {
		t.Fatalf("chat = %v", f.chat.lines)
	}
}

func TestInfo(t *testing.T) {
	f := newFixture()
	s := f.store.add("neon rain")
	f.store.playing = s.ID
	_ = f.send(t, "viewer", nil, "!info")
	other := f.store.add("other")
	_ = f.send(t, "viewer", nil, "!info "+other.ID.String())
	_ = f.send(t, "viewer", nil, "!info not-a-uuid")
	if len(f.chat.lines) != 2 {
		t.Fatalf("chat = %v", f.chat.lines)
	}
	if !strings.Contains(f.chat.lines[0], "neon rain") || !strings.Contains(f.chat.lines[1], other.ID.String()) {
		t.Fatalf("chat = %v", f.chat.lines)
	}
}

func TestTop(t *testing.T) {
	f := newFixture()
	_ = f.send(t, "viewer", nil, "!top")
	if len(f.chat.lines) != 1 || !strings.Contains(f.chat.lines[0], "no votes") {
		t.Fatalf("chat = %v", f.chat.lines)
	}
	a := f.store.add("alpha")
	b := f.store.add("beta")
	f.store.votes[a.ID] = []vote{{"x", 6}}
	f.store.votes[b.ID] = []vote{{"x", 9}}
	_ = f.send(t, "viewer", nil, "!top 50")
	if len(f.chat.lines) != 2 {
		t.Fatalf("chat = %v", f.chat.lines)
	}
	line := f.chat.lines[1]
	if strings.Index(line, "beta") > strings.Index(line, "alpha") {
		t.Fatalf("ranking order wrong: %s", line)
	}
	_ = f.send(t, "viewer", nil, "!top zero")
	if len(f.chat.lines) != 2 {
		t.Fatal("malformed count should be dropped")
	}
}

func TestPlayAndQueue(t *testing.T) {
	f := newFixture()
	a := f.store.add("a")
	b := f.store.add("b")

	if err := f.send(t, "mod", mod, "!queue "+a.ID.String()); err != nil {
		t.Fatal(err)
	}
	if err := f.send(t, "mod", mod, "!play "+b.ID.String()); err != nil {
		t.Fatal(err)
	}
	if len(f.store.queue) != 2 || f.store.queue[0] != b.ID {
		t.Fatalf("queue = %v, want b first", f.store.queue)
	}
	want := []bus.Event{
		bus.SongQueued{SongID: a.ID},
		bus.SongQueued{SongID: b.ID},
		bus.Control{Action: bus.ActionPlay, Requester: "mod", SongID: b.ID},
	}
	if len(f.events.events) != len(want) {
		t.Fatalf("events = %#v", f.events.events)
	}
	for i := range want {
		if f.events.events[i] != want[i] {
			t.Fatalf("event %d = %#v, want %#v", i, f.events.events[i], want[i])
		}
	}

	if err := f.send(t, "mod", mod, "!queue nope"); err != nil {
		t.Fatal(err)
	}
	if len(f.events.events) != len(want) {
		t.Fatal("malformed id produced events")
	}
}

func TestControlCommandsPublish(t *testing.T) {
	f := newFixture()
	for name, action := range controlCommands {
		f.events.events = nil
		if err := f.send(t, "streamer", []string{"broadcaster"}, name); err != nil {
			t.Fatal(err)
		}
		if len(f.events.events) != 1 {
			t.Fatalf("%s: events = %v", name, f.events.events)
		}
		c := f.events.events[0].(bus.Control)
		if c.Action != action || c.Requester != "streamer" {
			t.Fatalf("%s: got %#v", name, c)
		}
	}
}

func TestBangerRandomAndAutoplay(t *testing.T) {
	f := newFixture()
	if err := f.send(t, "mod", mod, "!banger"); err != nil {
		t.Fatal(err)
	}
	if len(f.chat.lines) != 1 {
		t.Fatalf("admin should be told there is no banger: %v", f.chat.lines)
	}

	hit := f.store.add("hit")
	f.store.votes[hit.ID] = []vote{{"x", 9.5}}
	if err := f.send(t, "mod", mod, "!banger"); err != nil {
		t.Fatal(err)
	}
	if len(f.store.queue) != 1 || f.store.queue[0] != hit.ID {
		t.Fatalf("queue = %v", f.store.queue)
	}

	f.store.add("filler")
	if err := f.send(t, "mod", mod, "!random_song 2"); err != nil {
		t.Fatal(err)
	}
	if len(f.store.queue) != 3 {
		t.Fatalf("queue = %v", f.store.queue)
	}

	if err := f.send(t, "mod", mod, "!autoplay on"); err != nil {
		t.Fatal(err)
	}
	if !f.store.autoplay {
		t.Fatal("autoplay not enabled")
	}
	if err := f.send(t, "mod", mod, "!autoplay maybe"); err != nil {
		t.Fatal(err)
	}
	if !f.store.autoplay {
		t.Fatal("malformed toggle changed state")
	}
}

func TestStorageFailureRepliesToAdminAndReturnsError(t *testing.T) {
	f := newFixture()
	a := f.store.add("a")
	f.store.fail = errors.New("connection refused")
	if err := f.send(t, "mod", mod, "!queue "+a.ID.String()); err == nil {
		t.Fatal("expected error to surface to the consumer loop")
	}
	if len(f.chat.lines) != 1 {
		t.Fatalf("chat = %v", f.chat.lines)
	}
}

func TestIgnoresOtherEventsAndChatter(t *testing.T) {
	f := newFixture()
	if err := f.router.Handle(context.Background(), bus.SongQueued{SongID: uuid.New()}); err != nil {
		t.Fatal(err)
	}
	_ = f.send(t, "viewer", nil, "great song!")
	_ = f.send(t, "viewer", nil, "!dance")
	if len(f.chat.lines) != 0 || len(f.events.events) != 0 {
		t.Fatal("non-commands produced output")
	}
}
