package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/Martian-dev/mailbrain/internal/store"
)

// Publisher delivers an outbox message to the broker.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

const (
	dispatchBatch = 100
	minBackoff    = 10 * time.Second
	maxBackoff    = 10 * time.Minute
)

// Dispatcher moves outbox messages to a Publisher.
type Dispatcher struct {
	store    *store.Store
	pub      Publisher
	interval time.Duration
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher polling every interval when idle.
func NewDispatcher(st *store.Store, pub Publisher, interval time.Duration, logger *slog.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Dispatcher{
		store:    st,
		pub:      pub,
		interval: interval,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.logger.Error("dequeue outbox", "err", err)
		}
		if n == dispatchBatch && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.interval):
		}
	}
}

// DispatchOnce publishes one batch of due messages and returns how many
// were taken. Failed publishes are retried later with backoff.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	msgs, err := d.store.DequeueOutbox(ctx, dispatchBatch)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		if err := d.pub.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			wait := backoff(msg.Retries)
			d.logger.Warn("publish failed", "id", msg.ID, "subject", msg.Subject, "retry_in", wait, "err", err)
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, wait); err != nil {
				d.logger.Error("mark outbox retry", "id", msg.ID, "err", err)
			}
			continue
		}
		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			d.logger.Error("mark published", "id", msg.ID, "err", err)
		}
	}
	return len(msgs), nil
}

func backoff(retries int) time.Duration {
	wait := minBackoff
	for i := 0; i < retries && wait < maxBackoff; i++ {
		wait *= 2
	}
	return min(wait, maxBackoff)
}
