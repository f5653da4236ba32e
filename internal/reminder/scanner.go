package reminder

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHorizon    = 20 * time.Minute
	defaultClaimLease = 5 * time.Minute
)

// Event is one diary entry eligible for a reminder.
type Event struct {
	ID          string
	OwnerID     string
	Title       string
	ScheduledAt time.Time
}

// EventStore claims and marks diary events. ClaimDue must be atomic:
// two overlapping runs partition the due set between them instead of
// both seeing the same rows.
type EventStore interface {
	ClaimDue(ctx context.Context, from, until time.Time, lease time.Duration) ([]Event, error)
	MarkSent(ctx context.Context, ids []string) error
	Release(ctx context.Context, ids []string) error
}

// EmailDirectory resolves the email address owned by a user id.
type EmailDirectory interface {
	EmailForUser(ctx context.Context, userID string) (string, error)
}

// Sender delivers one reminder email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Scanner emails each qualifying diary event exactly once. It claims
// due events with a short lease, sends one mail per event, marks only
// the successful ids as sent, and releases the rest so the next run
// retries anything still inside the lookahead window.
type Scanner struct {
	events    EventStore
	directory EmailDirectory
	sender    Sender
	horizon   time.Duration
	lease     time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger
}

func NewScanner(events EventStore, directory EmailDirectory, sender Sender, horizon, lease time.Duration, logger *zap.SugaredLogger) *Scanner {
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	if lease <= 0 {
		lease = defaultClaimLease
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Scanner{
		events:    events,
		directory: directory,
		sender:    sender,
		horizon:   horizon,
		lease:     lease,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Run performs one scan and returns the number of reminders sent.
// Per-event failures are isolated; only a store-level error aborts
// the run, and marks already committed are never rolled back.
func (s *Scanner) Run(ctx context.Context) (int, error) {
	now := s.now()
	until := now.Add(s.horizon)

	events, err := s.events.ClaimDue(ctx, now, until, s.lease)
	if err != nil {
		return 0, fmt.Errorf("reminder: claim due events: %w", err)
	}

	var sent []string
	var release []string

	for _, event := range events {
		email, err := s.directory.EmailForUser(ctx, event.OwnerID)
		if err != nil {
			s.logger.Warnw("resolving event owner email", "event_id", event.ID, "owner_id", event.OwnerID, "error", err)
			release = append(release, event.ID)
			continue
		}

		subject := "Reminder: " + event.Title
		body := fmt.Sprintf("Your event %q starts at %s.", event.Title, event.ScheduledAt.Format("2006-01-02 15:04"))

		if err := s.sender.Send(ctx, email, subject, body); err != nil {
			s.logger.Warnw("sending reminder email", "event_id", event.ID, "error", err)
			release = append(release, event.ID)
			continue
		}

		sent = append(sent, event.ID)
	}

	if len(sent) > 0 {
		if err := s.events.MarkSent(ctx, sent); err != nil {
			// Mail already went out; the claim lease keeps the rows
			// from being resent until it expires.
			return len(sent), fmt.Errorf("reminder: mark sent: %w", err)
		}
	}

	if len(release) > 0 {
		if err := s.events.Release(ctx, release); err != nil {
			s.logger.Warnw("releasing claimed events", "error", err)
		}
	}

	return len(sent), nil
}
