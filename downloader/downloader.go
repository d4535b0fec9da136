// Package downloader fetches song audio from the CDN into an AssetStore.
//
// The CDN publishes a song some time after generation finishes, so a fetch polls
// {base}/{id}.mp3 with exponential backoff until it gets a 2xx. Each song has at most one
// running task; tasks are cancelled by id when the song is deleted.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/songbot/bus"
	"github.com/onnwee/songbot/config"
	"github.com/onnwee/songbot/store"
	"github.com/onnwee/songbot/telemetry"
)

// SongStore is the part of the Track Store the downloader needs.
type SongStore interface {
	GetSong(ctx context.Context, id uuid.UUID) (store.Song, error)
	MarkDownloaded(ctx context.Context, id uuid.UUID) error
	PendingDownloads(ctx context.Context) ([]store.Song, error)
}

// Publisher is satisfied by *bus.Bus.
type Publisher interface {
	Publish(ev bus.Event)
}

// Options tune polling.
type Options struct {
	BaseURL        string
	PollInterval   time.Duration
	MaxBackoff     time.Duration
	NotFoundBudget int
	MaxConcurrent  int
	HTTPClient     *http.Client
	// ReconcileInterval is how often pending downloads are rescanned. Defaults to
	// PollInterval.
	ReconcileInterval time.Duration
}

// OptionsFromConfig maps the download settings of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:        cfg.CDNBaseURL,
		PollInterval:   cfg.DownloadPollInterval,
		MaxBackoff:     cfg.DownloadMaxBackoff,
		NotFoundBudget: cfg.DownloadNotFoundBudget,
		MaxConcurrent:  cfg.MaxConcurrentDownloads,
	}
}

type task struct {
	cancel context.CancelFunc
}

// Manager owns the per-song download tasks.
type Manager struct {
	store  SongStore
	assets AssetStore
	pub    Publisher
	opts   Options
	client *http.Client
	slots  slots

	mu     sync.Mutex
	active map[uuid.UUID]*task
	wg     sync.WaitGroup
}

// NewManager returns a Manager. Zero option fields fall back to the defaults.
func NewManager(st SongStore, assets AssetStore, pub Publisher, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxBackoff < opts.PollInterval {
		opts.MaxBackoff = opts.PollInterval
	}
	if opts.NotFoundBudget <= 0 {
		opts.NotFoundBudget = 60
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = opts.PollInterval
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Manager{
		store:  st,
		assets: assets,
		pub:    pub,
		opts:   opts,
		client: client,
		slots:  newSlots(opts.MaxConcurrent),
		active: make(map[uuid.UUID]*task),
	}
}

// Run resumes downloads that were pending at start-up and then reacts to SongQueued and
// SongDeleted events on sub until ctx is done. The pending scan is repeated every
// ReconcileInterval so a lost event or a failed lookup cannot leave a queued song
// without a task. Running tasks are cancelled on return.
func (m *Manager) Run(ctx context.Context, sub *bus.Subscription) {
	logger := slog.Default().With(slog.String("component", "downloader"))
	if n := m.Reconcile(ctx); n > 0 {
		logger.Info("resumed pending downloads", slog.Int("count", n))
	}

	var loop sync.WaitGroup
	loop.Add(1)
	go func() {
		defer loop.Done()
		ticker := time.NewTicker(m.opts.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Reconcile(ctx); n > 0 {
					logger.Info("started missing downloads", slog.Int("count", n))
				}
			}
		}
	}()

	bus.Consume(ctx, sub, m.handle)
	loop.Wait()
	m.CancelAll()
	m.wg.Wait()
}

// Reconcile starts a task for every queued song that is not downloaded and has none
// running. It returns how many tasks it started.
func (m *Manager) Reconcile(ctx context.Context) int {
	pending, err := m.store.PendingDownloads(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("could not list pending downloads", slog.String("component", "downloader"), slog.Any("err", err))
		}
		return 0
	}
	started := 0
	for _, song := range pending {
		if m.Start(ctx, song) {
			started++
		}
	}
	return started
}

func (m *Manager) handle(ctx context.Context, ev bus.Event) error {
	switch e := ev.(type) {
	case bus.SongQueued:
		song, err := m.store.GetSong(ctx, e.SongID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("load queued song: %w", err)
		}
		if !song.Downloaded {
			m.Start(ctx, song)
		}
	case bus.SongDeleted:
		if m.Cancel(e.SongID) {
			slog.Info("download cancelled", slog.String("component", "downloader"), slog.String("song_id", e.SongID.String()))
		}
		if err := m.assets.Remove(ctx, e.SongID); err != nil {
			return fmt.Errorf("remove deleted asset: %w", err)
		}
	}
	return nil
}

// Start launches a background download for song unless one is already running.
// It reports whether a new task was started.
func (m *Manager) Start(ctx context.Context, song store.Song) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[song.ID]; ok {
		return false
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel}
	m.active[song.ID] = t
	m.wg.Add(1)
	telemetry.Inc(telemetry.DownloadsStarted)
	go m.run(tctx, song, t)
	return true
}

// Cancel stops the task for id. It reports whether one was running.
func (m *Manager) Cancel(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.active[id]; ok {
		t.cancel()
		delete(m.active, id)
		return true
	}
	return false
}

// CancelAll stops every running task.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.active {
		t.cancel()
		delete(m.active, id)
	}
}

// Running reports whether a task for id is in flight.
func (m *Manager) Running(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// Active returns the number of tasks in flight.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Wait blocks until every started task has returned.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) forget(id uuid.UUID, t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.active[id]; ok && cur == t {
		delete(m.active, id)
	}
	t.cancel()
}

func (m *Manager) run(ctx context.Context, song store.Song, t *task) {
	defer m.wg.Done()
	defer m.forget(song.ID, t)
	logger := slog.Default().With(slog.String("component", "downloader"), slog.String("song_id", song.ID.String()))

	ctx, span := telemetry.StartSpan(ctx, "downloader", "download", telemetry.SongAttr(song.ID.String()))
	defer span.End()

	start := time.Now()
	asset, err := m.Fetch(ctx, song)
	if err != nil {
		if ctx.Err() != nil || !errors.Is(err, ErrGaveUp) {
			logger.Info("download stopped", slog.Any("err", err))
			return
		}
		telemetry.RecordError(span, err)
		telemetry.Inc(telemetry.DownloadsFailed)
		logger.Error("download failed", slog.Any("err", err))
		m.pub.Publish(bus.DownloadFailed{SongID: song.ID, Reason: err.Error()})
		return
	}
	telemetry.SetSpanSuccess(span)
	telemetry.Inc(telemetry.DownloadsSucceeded)
	if telemetry.DownloadDuration != nil {
		telemetry.DownloadDuration.Observe(time.Since(start).Seconds())
	}
	logger.Info("download complete", slog.String("location", asset.Location), slog.Int64("bytes", asset.Size))
}

// Fetch polls the CDN until the asset for song is available, stores it, flips the
// song's downloaded flag and publishes SongDownloaded. It returns an error wrapping
// ErrGaveUp when the failure is permanent, or ctx.Err() when cancelled.
func (m *Manager) Fetch(ctx context.Context, song store.Song) (Asset, error) {
	url := fmt.Sprintf("%s/%s.mp3", m.opts.BaseURL, song.ID)
	delay := m.opts.PollInterval
	notFound := 0
	for attempt := 1; ; attempt++ {
		asset, err := m.attempt(ctx, url, song.ID)
		if err == nil {
			telemetry.CountDownloadAttempt("ok")
			if err := m.commit(ctx, song.ID, delay); err != nil {
				return Asset{}, err
			}
			return asset, nil
		}
		if ctx.Err() != nil {
			return Asset{}, ctx.Err()
		}
		if errors.Is(err, ErrGaveUp) {
			return Asset{}, err
		}
		if IsFatalError(err) {
			telemetry.CountDownloadAttempt(ErrorClassFatal.String())
			return Asset{}, fmt.Errorf("%w: %w", ErrGaveUp, err)
		}
		class := ClassifyFetchError(err)
		telemetry.CountDownloadAttempt(class.String())
		switch class {
		case ErrorClassNotFound:
			notFound++
			if notFound >= m.opts.NotFoundBudget {
				return Asset{}, fmt.Errorf("%w after %d not-found responses: %w", ErrGaveUp, notFound, err)
			}
		default:
			notFound = 0
		}

		slog.Debug("retrying download", slog.String("song_id", song.ID.String()), slog.Int("attempt", attempt),
			slog.String("class", class.String()), slog.Any("err", err))
		if delay, err = m.backoff(ctx, delay); err != nil {
			return Asset{}, err
		}
	}
}

// commit flips the downloaded flag once the asset is stored and announces it. A store
// failure keeps the asset and retries with backoff; only a deleted song ends the task,
// and then the asset is removed too.
func (m *Manager) commit(ctx context.Context, songID uuid.UUID, delay time.Duration) error {
	for {
		err := m.store.MarkDownloaded(ctx, songID)
		if err == nil {
			m.pub.Publish(bus.SongDownloaded{SongID: songID})
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			_ = m.assets.Remove(context.WithoutCancel(ctx), songID)
			return fmt.Errorf("%w: song %s deleted", ErrGaveUp, songID)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		telemetry.CountDownloadAttempt("store_error")
		slog.Warn("could not mark song downloaded, retrying", slog.String("component", "downloader"),
			slog.String("song_id", songID.String()), slog.Any("err", err))
		if delay, err = m.backoff(ctx, delay); err != nil {
			return err
		}
	}
}

// backoff sleeps for delay plus jitter and returns the next delay, doubled up to
// MaxBackoff.
func (m *Manager) backoff(ctx context.Context, delay time.Duration) (time.Duration, error) {
	select {
	case <-ctx.Done():
		return delay, ctx.Err()
	case <-time.After(delay + jitter(delay)):
	}
	return min(delay*2, m.opts.MaxBackoff), nil
}

// jitter returns up to a fifth of d.
func jitter(d time.Duration) time.Duration {
	n := int64(d) / 5
	if n <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(n))
}

func (m *Manager) attempt(ctx context.Context, url string, songID uuid.UUID) (Asset, error) {
	if !m.slots.acquire(ctx) {
		return Asset{}, ctx.Err()
	}
	defer m.slots.release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %w", ErrGaveUp, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return Asset{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Asset{}, &StatusError{Code: resp.StatusCode, URL: url}
	}
	return m.assets.Put(ctx, songID, resp.Body, resp.ContentLength)
}
