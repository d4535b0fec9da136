package downloader

import (
	"context"
	"log/slog"

	"github.com/onnwee/songbot/telemetry"
)

// slots limits concurrent CDN requests across all download tasks.
// A task holds a slot only for the duration of one attempt, never while backing off.
type slots chan struct{}

func newSlots(n int) slots {
	if n <= 0 {
		n = 1
	}
	return make(slots, n)
}

// acquire blocks until a slot is available or ctx is canceled.
// Returns true if slot acquired, false if context canceled.
func (s slots) acquire(ctx context.Context) bool {
	select {
	case s <- struct{}{}:
		if telemetry.ActiveDownloadsGauge != nil {
			telemetry.ActiveDownloadsGauge.Inc()
		}
		return true
	case <-ctx.Done():
		return false
	}
}

func (s slots) release() {
	select {
	case <-s:
		if telemetry.ActiveDownloadsGauge != nil {
			telemetry.ActiveDownloadsGauge.Dec()
		}
	default:
		// Should not happen unless mismatched acquire/release
		slog.Warn("download slot release called without corresponding acquire")
	}
}

func (s slots) active() int { return len(s) }

func (s slots) limit() int { return cap(s) }
