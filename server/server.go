// Package server exposes the HTTP API: health, readiness, metrics, scheduler status,
// rankings and song ingest. Correlation ids are injected into request contexts for
// consistent logging, and CORS is permissive in development.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/songbot/bus"
	"github.com/onnwee/songbot/scheduler"
	"github.com/onnwee/songbot/store"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SongStore is the part of the Track Store the API uses.
type SongStore interface {
	CreateSong(ctx context.Context, song *store.Song) error
	Enqueue(ctx context.Context, id uuid.UUID) (store.QueueEntry, error)
	TopRanked(ctx context.Context, limit int) ([]store.RankedSong, error)
	ListQueue(ctx context.Context, limit int) ([]store.QueueEntry, error)
}

// StatusSource is satisfied by *scheduler.Scheduler.
type StatusSource interface {
	Status() scheduler.Status
	Alive(maxAge time.Duration) bool
}

// Publisher is satisfied by *bus.Bus.
type Publisher interface {
	Publish(ev bus.Event)
}

// Deps are the collaborators the handlers need.
type Deps struct {
	DB        Pinger
	Store     SongStore
	Scheduler StatusSource
	Bus       Publisher
	// MaxTickAge is how stale the scheduler heartbeat may be before /readyz fails.
	MaxTickAge time.Duration
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter's cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	if deps.MaxTickAge <= 0 {
		deps.MaxTickAge = 5 * time.Second
	}
	h := NewHandlers(deps)
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	auth := loadAuthConfig()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /queue", h.HandleQueue)
	mux.HandleFunc("GET /songs/top", h.HandleTopSongs)
	mux.Handle("POST /songs", adminAuth(rateLimitMiddleware(http.HandlerFunc(h.HandleCreateSong), limiter), auth))

	return withCORS(withCorrelation(mux), loadCORSConfig())
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
