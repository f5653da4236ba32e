package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEventStore backs the scanner with the diary_events table
// and also serves the diary endpoints that produce those rows.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

// ClaimDue stamps a claim lease on due, unsent, unclaimed events and
// returns exactly the rows it claimed. The conditional update keeps
// overlapping runs from emailing the same event twice; an expired
// lease makes rows from a crashed run eligible again.
func (s *PostgresEventStore) ClaimDue(ctx context.Context, from, until time.Time, lease time.Duration) ([]Event, error) {
	if s.pool == nil {
		return nil, errors.New("reminder: postgres pool is nil")
	}

	const query = `UPDATE diary_events
SET claimed_until = $4
WHERE id IN (
    SELECT id FROM diary_events
    WHERE reminder_sent = FALSE
      AND scheduled_at >= $1 AND scheduled_at <= $2
      AND (claimed_until IS NULL OR claimed_until < $3)
    FOR UPDATE SKIP LOCKED
)
RETURNING id, owner_id, title, scheduled_at`

	rows, err := s.pool.Query(ctx, query, from, until, from, from.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim due events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.OwnerID, &event.Title, &event.ScheduledAt); err != nil {
			return nil, fmt.Errorf("scan claimed event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed events: %w", err)
	}

	return events, nil
}

func (s *PostgresEventStore) MarkSent(ctx context.Context, ids []string) error {
	if s.pool == nil {
		return errors.New("reminder: postgres pool is nil")
	}
	if len(ids) == 0 {
		return nil
	}

	const query = `UPDATE diary_events
SET reminder_sent = TRUE, claimed_until = NULL
WHERE id = ANY($1)`

	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("mark events sent: %w", err)
	}

	return nil
}

func (s *PostgresEventStore) Release(ctx context.Context, ids []string) error {
	if s.pool == nil {
		return errors.New("reminder: postgres pool is nil")
	}
	if len(ids) == 0 {
		return nil
	}

	const query = `UPDATE diary_events
SET claimed_until = NULL
WHERE id = ANY($1) AND reminder_sent = FALSE`

	if _, err := s.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("release claimed events: %w", err)
	}

	return nil
}

// DiaryEvent is the API-facing shape of a diary entry.
type DiaryEvent struct {
	ID           string
	OwnerID      string
	Title        string
	ScheduledAt  time.Time
	ReminderSent bool
	CreatedAt    time.Time
}

func (s *PostgresEventStore) CreateEvent(ctx context.Context, event DiaryEvent) error {
	if s.pool == nil {
		return errors.New("reminder: postgres pool is nil")
	}

	const query = `INSERT INTO diary_events (id, owner_id, title, scheduled_at, created_at)
VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.pool.Exec(ctx, query, event.ID, event.OwnerID, event.Title, event.ScheduledAt, event.CreatedAt); err != nil {
		return fmt.Errorf("insert diary event: %w", err)
	}

	return nil
}

func (s *PostgresEventStore) ListEventsForOwner(ctx context.Context, ownerID string) ([]DiaryEvent, error) {
	if s.pool == nil {
		return nil, errors.New("reminder: postgres pool is nil")
	}

	const query = `SELECT id, owner_id, title, scheduled_at, reminder_sent, created_at
FROM diary_events
WHERE owner_id = $1
ORDER BY scheduled_at`

	rows, err := s.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list diary events: %w", err)
	}
	defer rows.Close()

	var events []DiaryEvent
	for rows.Next() {
		var event DiaryEvent
		if err := rows.Scan(&event.ID, &event.OwnerID, &event.Title, &event.ScheduledAt, &event.ReminderSent, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan diary event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diary events: %w", err)
	}

	return events, nil
}
