package downloader

import (
	"context"
	"testing"
	"time"
)

func TestSlots(t *testing.T) {
	s := newSlots(2)
	if s.limit() != 2 {
		t.Fatalf("expected limit 2, got %d", s.limit())
	}
	ctx := context.Background()
	if !s.acquire(ctx) || !s.acquire(ctx) {
		t.Fatal("failed to acquire free slots")
	}
	if s.active() != 2 {
		t.Fatalf("expected 2 active, got %d", s.active())
	}

	// Third should block until the context times out.
	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if s.acquire(ctx2) {
		t.Fatal("should not have acquired third slot")
	}

	s.release()
	if !s.acquire(ctx) {
		t.Fatal("failed to acquire released slot")
	}
	s.release()
	s.release()
	if s.active() != 0 {
		t.Fatalf("expected 0 active, got %d", s.active())
	}
	// Unmatched release must not block or go negative.
	s.release()
	if s.active() != 0 {
		t.Fatalf("expected 0 active after extra release, got %d", s.active())
	}
}

func TestSlotsDefaultToOne(t *testing.T) {
	if got := newSlots(0).limit(); got != 1 {
		t.Fatalf("expected limit 1, got %d", got)
	}
}
