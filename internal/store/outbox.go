package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OutboxMessage is a job waiting to be published to the broker.
type OutboxMessage struct {
	ID        int64  `db:"id"`
	Subject   string `db:"subject"`
	EventType string `db:"event_type"`
	Payload   []byte `db:"payload"`
	MsgID     string `db:"msg_id"`
	Retries   int    `db:"retries"`
}

// EnqueueOutbox appends a message to the outbox. Re-enqueueing the same
// msgID is a no-op.
func (s *Store) EnqueueOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error {
	now := s.nowMillis()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (msg_id) DO NOTHING
	`), now, subject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("enqueue outbox message: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var msgs []OutboxMessage
	err := s.db.SelectContext(ctx, &msgs, s.db.Rebind(`
		SELECT id, subject, event_type, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`), s.nowMillis(), limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	return msgs, nil
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE outbox SET published_at = ? WHERE id = ?`), s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and defers the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`), s.now().Add(backoff).UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}

// PendingOutbox counts unpublished messages.
func (s *Store) PendingOutbox(ctx context.Context) (int, error) {
	var n sql.NullInt64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return int(n.Int64), nil
}
