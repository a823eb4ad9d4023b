// Package jobs hands work to downstream consumers. Jobs are written to the
// store outbox first and published to NATS JetStream by a Dispatcher.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/Martian-dev/mailbrain/internal/store"
)

// Job types.
const (
	TypeEmbedEmails      = "embed_new_emails"
	TypeEmbedAttachments = "embed_new_attachments"
)

var subjects = map[string]string{
	TypeEmbedEmails:      "jobs.embed.emails",
	TypeEmbedAttachments: "jobs.embed.attachments",
}

// Job is the published payload.
type Job struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	AccountID  string    `json:"account_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue records jobs in the outbox.
type Queue struct {
	store  *store.Store
	logger *slog.Logger
}

// NewQueue creates a Queue.
func NewQueue(st *store.Store, logger *slog.Logger) *Queue {
	return &Queue{store: st, logger: logger.With("component", "jobs")}
}

// EnqueueEmbeds asks downstream workers to embed the new emails and
// attachments of acct.
func (q *Queue) EnqueueEmbeds(ctx context.Context, acct store.Account) error {
	for _, typ := range []string{TypeEmbedEmails, TypeEmbedAttachments} {
		if err := q.Enqueue(ctx, typ, acct); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue records one job of type typ for acct.
func (q *Queue) Enqueue(ctx context.Context, typ string, acct store.Account) error {
	subject, ok := subjects[typ]
	if !ok {
		return fmt.Errorf("unknown job type %q", typ)
	}
	job := Job{
		ID:         uuid.NewString(),
		Type:       typ,
		UserID:     acct.UserID,
		AccountID:  acct.ID,
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.store.EnqueueOutbox(ctx, subject, typ, payload, job.ID); err != nil {
		return err
	}
	q.logger.Debug("job enqueued", "type", typ, "job_id", job.ID, "account_id", acct.ID)
	return nil
}
