package db

import (
	"context"
	"os"
	"testing"
)

func TestMigrate(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres migration test")
	}
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	// Running twice must be a no-op the second time.
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, db); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_state`).Scan(&n); err != nil {
		t.Fatalf("count stream_state: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one stream_state row, got %d", n)
	}
}
