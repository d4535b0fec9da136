// Package scheduler owns playback: it promotes the queue head onto the audio device,
// notices when a song has finished and applies playback controls.
//
// Everything runs on one goroutine (Run). A timer tick and the bus subscription are
// multiplexed with a select and only one unit of work is done per wake, so a tick can
// never interleave with a skip and the queue can never be advanced twice for one song.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/songbot/bus"
	"github.com/onnwee/songbot/player"
	"github.com/onnwee/songbot/store"
	"github.com/onnwee/songbot/telemetry"
)

// Store is the part of the Track Store the scheduler uses.
type Store interface {
	FindNextQueued(ctx context.Context) (store.QueueEntry, error)
	MarkPlaying(ctx context.Context, songID uuid.UUID) error
	MarkStopped(ctx context.Context, songID uuid.UUID) error
	MarkAllPlayingStopped(ctx context.Context) error
	ResolvePoisoned(ctx context.Context, songID uuid.UUID) error
	StreamState(ctx context.Context) (store.StreamState, error)
	RandomHighRated(ctx context.Context, minAvg float64) (store.Song, error)
	Enqueue(ctx context.Context, songID uuid.UUID) (store.QueueEntry, error)
	QueueDepth(ctx context.Context) (int, error)
}

// Locator resolves a downloaded song to something the device can open.
type Locator interface {
	Locate(ctx context.Context, songID uuid.UUID) (string, error)
}

// Publisher is satisfied by *bus.Bus.
type Publisher interface {
	Publish(ev bus.Event)
}

// State is the scheduler's play state.
type State int

const (
	Idle State = iota
	Playing
)

func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "idle"
}

// Device limits.
const (
	DefaultVolume = 100.0
	MinVolume     = 0.0
	MaxVolume     = 130.0
	VolumeStep    = 10.0
	NormalSpeed   = 1.0
	MinSpeed      = 0.5
	MaxSpeed      = 2.0
	SpeedStep     = 0.25
)

// DefaultTickInterval is used when Options.TickInterval is zero.
const DefaultTickInterval = 100 * time.Millisecond

// Options configure a Scheduler.
type Options struct {
	TickInterval time.Duration
}

// Status is a point-in-time view of the scheduler for the HTTP surface.
type Status struct {
	State      string    `json:"state"`
	SongID     string    `json:"song_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	Paused     bool      `json:"paused"`
	Volume     float64   `json:"volume"`
	Speed      float64   `json:"speed"`
	Reverb     bool      `json:"reverb"`
	QueueDepth int       `json:"queue_depth"`
	BusDropped uint64    `json:"bus_dropped"`
	LastTick   time.Time `json:"last_tick"`
}

// Scheduler is the playback state machine. Fields below mu are owned by the Run goroutine.
type Scheduler struct {
	store  Store
	device player.Device
	assets Locator
	pub    Publisher
	sub    *bus.Subscription
	tick   time.Duration
	logger *slog.Logger

	state   State
	current uuid.UUID
	title   string
	paused  bool
	volume  float64
	speed   float64
	reverb  bool
	depth   int

	mu       sync.Mutex
	status   Status
	lastTick atomic.Int64
}

// New builds a Scheduler. sub should be a dedicated subscription; events other than
// Control and DownloadFailed are ignored.
func New(st Store, device player.Device, assets Locator, pub Publisher, sub *bus.Subscription, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	s := &Scheduler{
		store:  st,
		device: device,
		assets: assets,
		pub:    pub,
		sub:    sub,
		tick:   opts.TickInterval,
		logger: slog.Default().With(slog.String("component", "scheduler")),
		volume: DefaultVolume,
		speed:  NormalSpeed,
	}
	s.publishStatus()
	return s
}

// Run closes any entry left open by a previous process and then loops until ctx ends.
// No error from the store or device stops the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.store.MarkAllPlayingStopped(ctx); err != nil {
		s.logger.Warn("could not close stale playing entries", slog.Any("err", err))
	}
	s.enterIdle()
	s.publishStatus()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runTick(ctx)
		case <-s.sub.Ready():
			if ev, ok := s.sub.TryNext(); ok {
				s.runEvent(ctx, ev)
			}
			s.sub.Rearm()
		}
		s.publishStatus()
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	var err error
	telemetry.TimeFunc(telemetry.TickDuration, func() {
		err = safely(func() error { return s.Tick(ctx) })
	})
	s.lastTick.Store(time.Now().UnixNano())
	if err != nil && ctx.Err() == nil {
		telemetry.Inc(telemetry.SchedulerTickErrors)
		s.logger.Warn("tick abandoned", slog.Any("err", err))
	}
}

func (s *Scheduler) runEvent(ctx context.Context, ev bus.Event) {
	if err := safely(func() error { return s.HandleEvent(ctx, ev) }); err != nil && ctx.Err() == nil {
		s.logger.Warn("event handling failed", slog.String("event", ev.Kind()), slog.Any("err", err))
	}
}

func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

// Tick advances the state machine by at most one transition.
func (s *Scheduler) Tick(ctx context.Context) error {
	if depth, err := s.store.QueueDepth(ctx); err == nil {
		s.depth = depth
		telemetry.SetQueueDepth(depth)
	}

	if s.state == Playing {
		empty, err := s.device.IsEmpty(ctx)
		if err != nil {
			return fmt.Errorf("device state: %w", err)
		}
		if !empty {
			return nil
		}
		if err := s.store.MarkStopped(ctx, s.current); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("finish %s: %w", s.current, err)
		}
		s.logger.Info("song finished", slog.String("song_id", s.current.String()))
		s.enterIdle()
		return nil
	}

	head, err := s.store.FindNextQueued(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return s.autoplay(ctx)
	}
	if err != nil {
		return fmt.Errorf("find next queued: %w", err)
	}
	if !head.Downloaded {
		return nil
	}
	return s.promote(ctx, head)
}

// autoplay queues a random well-rated song when the queue is empty and the stream
// toggle is on.
func (s *Scheduler) autoplay(ctx context.Context) error {
	st, err := s.store.StreamState(ctx)
	if err != nil {
		return fmt.Errorf("stream state: %w", err)
	}
	if !st.AutoplayBangers {
		return nil
	}
	song, err := s.store.RandomHighRated(ctx, st.BangerMinAvg)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pick banger: %w", err)
	}
	if _, err := s.store.Enqueue(ctx, song.ID); err != nil {
		return fmt.Errorf("enqueue banger: %w", err)
	}
	s.logger.Info("autoplay queued banger", slog.String("song_id", song.ID.String()), slog.String("title", song.Title))
	s.pub.Publish(bus.SongQueued{SongID: song.ID})
	return nil
}

func (s *Scheduler) promote(ctx context.Context, head store.QueueEntry) error {
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "promote", telemetry.SongAttr(head.SongID.String()))
	defer span.End()

	if err := s.store.MarkAllPlayingStopped(ctx); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("close open entries: %w", err)
	}
	if err := s.store.MarkPlaying(ctx, head.SongID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted between the read and the write.
			return nil
		}
		telemetry.RecordError(span, err)
		return fmt.Errorf("mark playing: %w", err)
	}

	loc, err := s.assets.Locate(ctx, head.SongID)
	if err == nil {
		err = s.device.Play(ctx, loc)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.Inc(telemetry.PoisonedEntries)
		s.logger.Error("could not play queue head; skipping it", slog.String("song_id", head.SongID.String()), slog.Any("err", err))
		if serr := s.store.MarkStopped(ctx, head.SongID); serr != nil && !errors.Is(serr, store.ErrNotFound) {
			return fmt.Errorf("resolve unplayable %s: %w", head.SongID, serr)
		}
		return nil
	}

	s.state = Playing
	s.current = head.SongID
	s.title = head.Title
	s.paused = false
	telemetry.Inc(telemetry.SongsPromoted)
	telemetry.SetPlaying(true)
	telemetry.SetSpanSuccess(span)
	s.logger.Info("now playing", slog.String("song_id", head.SongID.String()), slog.String("title", head.Title))
	return nil
}

func (s *Scheduler) enterIdle() {
	s.state = Idle
	s.current = uuid.Nil
	s.title = ""
	s.paused = false
	telemetry.SetPlaying(false)
}

// HandleEvent applies a bus event. Unrelated events are ignored.
func (s *Scheduler) HandleEvent(ctx context.Context, ev bus.Event) error {
	switch e := ev.(type) {
	case bus.Control:
		return s.control(ctx, e)
	case bus.DownloadFailed:
		if err := s.store.ResolvePoisoned(ctx, e.SongID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("resolve failed download %s: %w", e.SongID, err)
		}
		telemetry.Inc(telemetry.PoisonedEntries)
		s.logger.Warn("dropped queue entries for failed download", slog.String("song_id", e.SongID.String()), slog.String("reason", e.Reason))
	}
	return nil
}

func (s *Scheduler) control(ctx context.Context, c bus.Control) error {
	s.logger.Debug("control", slog.String("action", string(c.Action)), slog.String("requester", c.Requester))
	switch c.Action {
	case bus.ActionPlay:
		// A tick may already have promoted the requested song.
		if s.state == Playing && c.SongID != uuid.Nil && s.current == c.SongID {
			return nil
		}
		return s.stopCurrent(ctx, s.device.Skip)
	case bus.ActionSkip:
		return s.stopCurrent(ctx, s.device.Skip)
	case bus.ActionStop:
		err := s.stopCurrent(ctx, s.device.Stop)
		return errors.Join(err, s.resetEffects(ctx))
	case bus.ActionPause:
		if err := s.device.Pause(ctx); err != nil {
			return fmt.Errorf("pause: %w", err)
		}
		s.paused = true
	case bus.ActionUnpause:
		if err := s.device.Resume(ctx); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		s.paused = false
	case bus.ActionSpeedUp:
		return s.setSpeed(ctx, s.speed+SpeedStep)
	case bus.ActionSlowDown:
		return s.setSpeed(ctx, s.speed-SpeedStep)
	case bus.ActionNormal:
		return s.setSpeed(ctx, NormalSpeed)
	case bus.ActionVolumeUp:
		return s.setVolume(ctx, s.volume+VolumeStep)
	case bus.ActionVolumeDown:
		return s.setVolume(ctx, s.volume-VolumeStep)
	case bus.ActionReverb:
		filter := player.ReverbFilter
		if s.reverb {
			filter = ""
		}
		if err := s.device.SetFilter(ctx, filter); err != nil {
			return fmt.Errorf("reverb: %w", err)
		}
		s.reverb = !s.reverb
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
	return nil
}

// stopCurrent ends the playing song right away through halt. The entry is closed even
// when the device refuses; the next Play replaces whatever is loaded.
func (s *Scheduler) stopCurrent(ctx context.Context, halt func(context.Context) error) error {
	if s.state != Playing {
		return nil
	}
	devErr := halt(ctx)
	if err := s.store.MarkStopped(ctx, s.current); err != nil && !errors.Is(err, store.ErrNotFound) {
		return errors.Join(devErr, fmt.Errorf("stop %s: %w", s.current, err))
	}
	s.logger.Info("song stopped", slog.String("song_id", s.current.String()))
	s.enterIdle()
	if devErr != nil {
		return fmt.Errorf("device stop: %w", devErr)
	}
	return nil
}

func (s *Scheduler) resetEffects(ctx context.Context) error {
	var errs []error
	if err := s.device.SetFilter(ctx, ""); err != nil {
		errs = append(errs, fmt.Errorf("clear filter: %w", err))
	} else {
		s.reverb = false
	}
	errs = append(errs, s.setSpeed(ctx, NormalSpeed))
	return errors.Join(errs...)
}

func (s *Scheduler) setSpeed(ctx context.Context, v float64) error {
	v = clamp(v, MinSpeed, MaxSpeed)
	if err := s.device.SetSpeed(ctx, v); err != nil {
		return fmt.Errorf("set speed: %w", err)
	}
	s.speed = v
	return nil
}

func (s *Scheduler) setVolume(ctx context.Context, v float64) error {
	v = clamp(v, MinVolume, MaxVolume)
	if err := s.device.SetVolume(ctx, v); err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	s.volume = v
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

func (s *Scheduler) publishStatus() {
	st := Status{
		State:      s.state.String(),
		Title:      s.title,
		Paused:     s.paused,
		Volume:     s.volume,
		Speed:      s.speed,
		Reverb:     s.reverb,
		QueueDepth: s.depth,
	}
	if s.state == Playing {
		st.SongID = s.current.String()
	}
	if s.sub != nil {
		st.BusDropped = s.sub.Dropped()
	}
	if ns := s.lastTick.Load(); ns != 0 {
		st.LastTick = time.Unix(0, ns)
	}
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Status returns the latest snapshot. Safe for concurrent use.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Alive reports whether the loop has ticked within maxAge.
func (s *Scheduler) Alive(maxAge time.Duration) bool {
	ns := s.lastTick.Load()
	return ns != 0 && time.Since(time.Unix(0, ns)) <= maxAge
}
