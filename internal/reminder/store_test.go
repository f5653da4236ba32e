package reminder

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexaid/lexaid/internal/db"
)

// TestPostgresEventStore runs against a real database when
// TEST_POSTGRES_DSN is set and is skipped otherwise.
func TestPostgresEventStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	if err := (&db.Postgres{Pool: pool}).EnsureSchema(ctx); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}

	ownerID := "itest-owner-" + time.Now().UTC().Format("20060102150405")
	if _, err := pool.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash) VALUES ($1, $1, $1 || '@example.com', 'x')`,
		ownerID,
	); err != nil {
		t.Fatalf("failed to insert user: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM users WHERE id = $1`, ownerID)
	})

	store := NewPostgresEventStore(pool)
	now := time.Now().UTC()

	events := []DiaryEvent{
		{ID: ownerID + "-due", OwnerID: ownerID, Title: "Hearing", ScheduledAt: now.Add(10 * time.Minute), CreatedAt: now},
		{ID: ownerID + "-later", OwnerID: ownerID, Title: "Deposition", ScheduledAt: now.Add(2 * time.Hour), CreatedAt: now},
	}
	for _, event := range events {
		if err := store.CreateEvent(ctx, event); err != nil {
			t.Fatalf("failed to create event: %v", err)
		}
	}

	claimed, err := store.ClaimDue(ctx, now, now.Add(20*time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != ownerID+"-due" {
		t.Fatalf("expected only the due event, got %+v", claimed)
	}

	// A second claim inside the lease sees nothing.
	again, err := store.ClaimDue(ctx, now, now.Add(20*time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased event claimed twice: %+v", again)
	}

	if err := store.MarkSent(ctx, []string{claimed[0].ID}); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}

	listed, err := store.ListEventsForOwner(ctx, ownerID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 events, got %d", len(listed))
	}
	if !listed[0].ReminderSent {
		t.Fatal("marked event must list as sent")
	}

	// Release on a sent event is a no-op; the row stays sent.
	if err := store.Release(ctx, []string{claimed[0].ID}); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	relisted, err := store.ListEventsForOwner(ctx, ownerID)
	if err != nil {
		t.Fatalf("relist failed: %v", err)
	}
	if !relisted[0].ReminderSent {
		t.Fatal("release must not clear reminder_sent")
	}
}
