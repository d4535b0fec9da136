package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/songbot/db"
)

// SetupTestDB creates a test database connection, runs migrations and truncates the
// song tables so each test starts from an empty queue.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := db.Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(ctx, `TRUNCATE song_votes, song_queue, songs`); err != nil {
		database.Close()
		t.Fatalf("failed to truncate: %v", err)
	}
	if _, err := database.ExecContext(ctx, `UPDATE stream_state SET implicit_effects = TRUE, autoplay_bangers = FALSE, banger_min_avg = 8.0 WHERE id = 1`); err != nil {
		database.Close()
		t.Fatalf("failed to reset stream state: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
