// Package router turns chat lines into Track Store mutations and scheduler controls.
//
// Public commands: !info [id], !vote <0-10>, !top [n].
// Admin commands (broadcaster, moderator or a configured admin user): !play, !queue,
// !pause, !unpause, !skip, !stop, !speedup, !slowdown, !normal, !up, !down, !reverb,
// !banger, !random_song [n], !delete, !autoplay on|off.
//
// Unknown commands, unauthorized admin commands and malformed arguments are dropped
// without a reply.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/onnwee/songbot/bus"
	"github.com/onnwee/songbot/store"
	"github.com/onnwee/songbot/telemetry"
)

// Store is the part of the Track Store the router uses.
type Store interface {
	GetSong(ctx context.Context, id uuid.UUID) (store.Song, error)
	FindCurrentlyPlaying(ctx context.Context) (store.Song, error)
	Ranking(ctx context.Context, id uuid.UUID) (store.RankedSong, error)
	VoteForCurrentSong(ctx context.Context, username string, score float64) (store.Song, error)
	TopRanked(ctx context.Context, limit int) ([]store.RankedSong, error)
	Enqueue(ctx context.Context, id uuid.UUID) (store.QueueEntry, error)
	EnqueueNext(ctx context.Context, id uuid.UUID) (store.QueueEntry, error)
	DeleteSong(ctx context.Context, id uuid.UUID) error
	RandomSongs(ctx context.Context, n int) ([]store.Song, error)
	RandomHighRated(ctx context.Context, minAvg float64) (store.Song, error)
	StreamState(ctx context.Context) (store.StreamState, error)
	SetAutoplayBangers(ctx context.Context, on bool) error
}

// Replier sends a line to chat.
type Replier interface {
	Say(text string)
}

// Publisher is satisfied by *bus.Bus.
type Publisher interface {
	Publish(ev bus.Event)
}

// Roles that may run admin commands.
var adminRoles = []string{"broadcaster", "moderator"}

// Limits for optional counts.
const (
	defaultTop    = 5
	maxTop        = 10
	defaultRandom = 1
	maxRandom     = 10
)

type request struct {
	user string
	cmd  Command
}

type handlerFunc func(ctx context.Context, req request) error

type command struct {
	admin bool
	run   handlerFunc
}

// Router dispatches UserCommand events.
type Router struct {
	store   Store
	pub     Publisher
	reply   Replier
	isAdmin func(username string) bool
	table   map[string]command
}

// New builds a Router. adminUser reports whether a username is a configured admin;
// it may be nil.
func New(st Store, pub Publisher, reply Replier, adminUser func(string) bool) *Router {
	if adminUser == nil {
		adminUser = func(string) bool { return false }
	}
	r := &Router{store: st, pub: pub, reply: reply, isAdmin: adminUser}
	r.table = map[string]command{
		"!info":        {run: r.info},
		"!vote":        {run: r.vote},
		"!top":         {run: r.top},
		"!play":        {admin: true, run: r.play},
		"!queue":       {admin: true, run: r.queue},
		"!banger":      {admin: true, run: r.banger},
		"!random_song": {admin: true, run: r.randomSong},
		"!delete":      {admin: true, run: r.deleteSong},
		"!autoplay":    {admin: true, run: r.autoplay},
	}
	for name, action := range controlCommands {
		r.table[name] = command{admin: true, run: r.control(action)}
	}
	return r
}

var controlCommands = map[string]bus.Action{
	"!pause":    bus.ActionPause,
	"!unpause":  bus.ActionUnpause,
	"!skip":     bus.ActionSkip,
	"!stop":     bus.ActionStop,
	"!speedup":  bus.ActionSpeedUp,
	"!slowdown": bus.ActionSlowDown,
	"!normal":   bus.ActionNormal,
	"!up":       bus.ActionVolumeUp,
	"!down":     bus.ActionVolumeDown,
	"!reverb":   bus.ActionReverb,
}

// Run consumes UserCommand events from sub until ctx is done.
func (r *Router) Run(ctx context.Context, sub *bus.Subscription) {
	bus.Consume(ctx, sub, r.Handle)
}

// IsAdmin reports whether a chat user may run admin commands.
func (r *Router) IsAdmin(username string, roles []string) bool {
	for _, role := range roles {
		if slices.Contains(adminRoles, strings.ToLower(role)) {
			return true
		}
	}
	return r.isAdmin(username)
}

// Handle is a bus.Handler. Only UserCommand events are acted on.
func (r *Router) Handle(ctx context.Context, ev bus.Event) error {
	uc, ok := ev.(bus.UserCommand)
	if !ok {
		return nil
	}
	cmd, err := Parse(uc.Text)
	if err != nil {
		return nil
	}
	logger := slog.Default().With(slog.String("component", "router"), slog.String("user", uc.Username), slog.String("command", cmd.Name))
	entry, ok := r.table[cmd.Name]
	if !ok {
		return nil
	}
	if entry.admin && !r.IsAdmin(uc.Username, uc.Roles) {
		telemetry.CountDropped("unauthorized")
		logger.Debug("dropped admin command from non-admin")
		return nil
	}
	err = entry.run(ctx, request{user: uc.Username, cmd: cmd})
	switch {
	case err == nil:
		telemetry.CountCommand(strings.TrimPrefix(cmd.Name, "!"))
		return nil
	case errors.Is(err, ErrMalformed):
		telemetry.CountDropped("malformed")
		logger.Info("dropped malformed command", slog.Any("err", err))
		return nil
	case errors.Is(err, store.ErrInvalidScore):
		telemetry.CountDropped("invalid_score")
		logger.Info("dropped out-of-range vote", slog.Any("err", err))
		return nil
	case errors.Is(err, store.ErrNotFound):
		telemetry.CountDropped("not_found")
		logger.Info("nothing to act on", slog.Any("err", err))
		if entry.admin {
			r.say("@%s nothing found for %s", uc.Username, cmd.Name)
		}
		return nil
	default:
		telemetry.CountDropped("error")
		if entry.admin {
			r.say("@%s %s failed, check the logs", uc.Username, cmd.Name)
		}
		return fmt.Errorf("%s: %w", cmd.Name, err)
	}
}

func (r *Router) say(format string, args ...any) {
	if r.reply != nil {
		r.reply.Say(fmt.Sprintf(format, args...))
	}
}

func describe(r store.RankedSong) string {
	s := fmt.Sprintf("%q by %s", r.Title, r.Username)
	if r.Tags != "" {
		s += " [" + r.Tags + "]"
	}
	if r.Votes > 0 {
		s += fmt.Sprintf(" avg %.1f (%d votes)", r.AvgScore, r.Votes)
	} else {
		s += " no votes yet"
	}
	return s + " id:" + r.ID.String()
}

func (r *Router) info(ctx context.Context, req request) error {
	var song store.Song
	var err error
	if _, ok := req.cmd.arg(0); ok {
		id, perr := req.cmd.songID()
		if perr != nil {
			return perr
		}
		song, err = r.store.GetSong(ctx, id)
	} else {
		song, err = r.store.FindCurrentlyPlaying(ctx)
	}
	if err != nil {
		return err
	}
	ranked, err := r.store.Ranking(ctx, song.ID)
	if err != nil {
		return err
	}
	r.say("@%s %s", req.user, describe(ranked))
	return nil
}

func (r *Router) vote(ctx context.Context, req request) error {
	score, err := req.cmd.score()
	if err != nil {
		return err
	}
	song, err := r.store.VoteForCurrentSong(ctx, req.user, score)
	if err != nil {
		return err
	}
	r.say("@%s voted %.1f for %q", req.user, score, song.Title)
	return nil
}

func (r *Router) top(ctx context.Context, req request) error {
	n, err := req.cmd.count(defaultTop, maxTop)
	if err != nil {
		return err
	}
	ranked, err := r.store.TopRanked(ctx, n)
	if err != nil {
		return err
	}
	if len(ranked) == 0 {
		r.say("@%s no votes yet", req.user)
		return nil
	}
	parts := make([]string, 0, len(ranked))
	for i, s := range ranked {
		parts = append(parts, fmt.Sprintf("%d. %s (%.1f)", i+1, s.Title, s.AvgScore))
	}
	r.say("@%s top songs: %s", req.user, strings.Join(parts, ", "))
	return nil
}

func (r *Router) play(ctx context.Context, req request) error {
	id, err := req.cmd.songID()
	if err != nil {
		return err
	}
	song, err := r.store.GetSong(ctx, id)
	if err != nil {
		return err
	}
	if _, err := r.store.EnqueueNext(ctx, id); err != nil {
		return err
	}
	r.pub.Publish(bus.SongQueued{SongID: id})
	r.pub.Publish(bus.Control{Action: bus.ActionPlay, Requester: req.user, SongID: id})
	r.say("@%s playing %q next", req.user, song.Title)
	return nil
}

func (r *Router) queue(ctx context.Context, req request) error {
	id, err := req.cmd.songID()
	if err != nil {
		return err
	}
	song, err := r.store.GetSong(ctx, id)
	if err != nil {
		return err
	}
	if _, err := r.store.Enqueue(ctx, id); err != nil {
		return err
	}
	r.pub.Publish(bus.SongQueued{SongID: id})
	r.say("@%s queued %q", req.user, song.Title)
	return nil
}

func (r *Router) control(action bus.Action) handlerFunc {
	return func(_ context.Context, req request) error {
		r.pub.Publish(bus.Control{Action: action, Requester: req.user})
		return nil
	}
}

func (r *Router) banger(ctx context.Context, req request) error {
	st, err := r.store.StreamState(ctx)
	if err != nil {
		return err
	}
	song, err := r.store.RandomHighRated(ctx, st.BangerMinAvg)
	if err != nil {
		return err
	}
	if _, err := r.store.Enqueue(ctx, song.ID); err != nil {
		return err
	}
	r.pub.Publish(bus.SongQueued{SongID: song.ID})
	r.say("@%s queued banger %q", req.user, song.Title)
	return nil
}

func (r *Router) randomSong(ctx context.Context, req request) error {
	n, err := req.cmd.count(defaultRandom, maxRandom)
	if err != nil {
		return err
	}
	songs, err := r.store.RandomSongs(ctx, n)
	if err != nil {
		return err
	}
	if len(songs) == 0 {
		return store.ErrNotFound
	}
	for _, s := range songs {
		if _, err := r.store.Enqueue(ctx, s.ID); err != nil {
			return err
		}
		r.pub.Publish(bus.SongQueued{SongID: s.ID})
	}
	r.say("@%s queued %d random song(s)", req.user, len(songs))
	return nil
}

func (r *Router) deleteSong(ctx context.Context, req request) error {
	id, err := req.cmd.songID()
	if err != nil {
		return err
	}
	current, cerr := r.store.FindCurrentlyPlaying(ctx)
	if err := r.store.DeleteSong(ctx, id); err != nil {
		return err
	}
	r.pub.Publish(bus.SongDeleted{SongID: id})
	if cerr == nil && current.ID == id {
		r.pub.Publish(bus.Control{Action: bus.ActionSkip, Requester: req.user, SongID: id})
	}
	r.say("@%s deleted %s", req.user, id)
	return nil
}

func (r *Router) autoplay(ctx context.Context, req request) error {
	on, err := req.cmd.toggle()
	if err != nil {
		return err
	}
	if err := r.store.SetAutoplayBangers(ctx, on); err != nil {
		return err
	}
	state := "off"
	if on {
		state = "on"
	}
	r.say("@%s autoplay bangers %s", req.user, state)
	return nil
}
