// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	DownloadsStarted    prometheus.Counter
	DownloadsFailed     prometheus.Counter
	DownloadsSucceeded  prometheus.Counter
	DownloadAttempts    *prometheus.CounterVec // by outcome class
	SongsPromoted       prometheus.Counter
	PoisonedEntries     prometheus.Counter
	SchedulerTickErrors prometheus.Counter
	CommandsHandled     *prometheus.CounterVec // by command
	CommandsDropped     *prometheus.CounterVec // by reason
	BusEventsDropped    *prometheus.CounterVec // by subscriber

	// Histograms (seconds)
	DownloadDuration prometheus.Observer
	TickDuration     prometheus.Observer

	// Gauges
	QueueDepthGauge      prometheus.Gauge
	ActiveDownloadsGauge prometheus.Gauge
	PlayingGauge         prometheus.Gauge // 1=playing,0=idle
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		DownloadsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_downloads_started_total", Help: "Number of song download tasks started"})
		DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_downloads_failed_total", Help: "Number of song download tasks that gave up"})
		DownloadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_downloads_succeeded_total", Help: "Number of song downloads cached locally"})
		DownloadAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "songbot_download_attempts_total", Help: "CDN poll attempts by outcome class"}, []string{"class"})
		SongsPromoted = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_songs_promoted_total", Help: "Number of queue entries promoted to playing"})
		PoisonedEntries = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_poisoned_entries_total", Help: "Queue entries force-resolved because they could not be played"})
		SchedulerTickErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_scheduler_tick_errors_total", Help: "Scheduler ticks abandoned because of store or device errors"})
		CommandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "songbot_commands_handled_total", Help: "Chat commands accepted by the router"}, []string{"command"})
		CommandsDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "songbot_commands_dropped_total", Help: "Chat commands dropped by the router"}, []string{"reason"})
		BusEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "songbot_bus_events_dropped_total", Help: "Events overwritten because a subscriber fell behind"}, []string{"subscriber"})
		DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "songbot_download_duration_seconds", Help: "Time from first poll to cached asset", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600}})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "songbot_scheduler_tick_duration_seconds", Help: "Scheduler tick handling duration", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "songbot_queue_depth", Help: "Current number of unplayed queue entries"})
		ActiveDownloadsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "songbot_active_downloads", Help: "Download tasks currently running"})
		PlayingGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "songbot_playing", Help: "Scheduler state playing=1 idle=0"})
	})
}

// SetQueueDepth records the current unplayed entry count.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetPlaying sets the gauge to 1 while a song is playing else 0.
func SetPlaying(playing bool) {
	if PlayingGauge == nil {
		return
	}
	if playing {
		PlayingGauge.Set(1)
	} else {
		PlayingGauge.Set(0)
	}
}

// CountCommand increments the handled counter for cmd.
func CountCommand(cmd string) {
	if CommandsHandled != nil {
		CommandsHandled.WithLabelValues(cmd).Inc()
	}
}

// CountDropped increments the dropped counter for reason.
func CountDropped(reason string) {
	if CommandsDropped != nil {
		CommandsDropped.WithLabelValues(reason).Inc()
	}
}

// BusEventDropped records an overwritten event for subscriber.
func BusEventDropped(subscriber string) {
	if BusEventsDropped != nil {
		BusEventsDropped.WithLabelValues(subscriber).Inc()
	}
}

// CountDownloadAttempt records a CDN poll outcome.
func CountDownloadAttempt(class string) {
	if DownloadAttempts != nil {
		DownloadAttempts.WithLabelValues(class).Inc()
	}
}

// Inc increments c when metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
