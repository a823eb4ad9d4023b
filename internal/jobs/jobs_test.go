package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nalgeon/be"

	"github.com/Martian-dev/mailbrain/internal/message"
	"github.com/Martian-dev/mailbrain/internal/store"
)

type published struct {
	subject string
	msgID   string
	job     Job
}

type fakePublisher struct {
	fail bool
	sent []published
}

func (p *fakePublisher) Publish(_ context.Context, subject string, payload []byte, msgID string) error {
	if p.fail {
		return errors.New("broker down")
	}
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return err
	}
	p.sent = append(p.sent, published{subject: subject, msgID: msgID, job: job})
	return nil
}

func newTestStore(t *testing.T) (*store.Store, store.Account) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "jobs.db"))
	be.Err(t, err, nil)
	t.Cleanup(func() { _ = st.Close() })
	be.Err(t, st.Migrate(ctx), nil)
	acct, _, err := st.GetOrCreateAccount(ctx, "user-1", message.ProviderOutlook, "me@example.com")
	be.Err(t, err, nil)
	return st, acct
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnqueueAndDispatch(t *testing.T) {
	st, acct := newTestStore(t)
	ctx := context.Background()
	q := NewQueue(st, discard())
	pub := &fakePublisher{}
	d := NewDispatcher(st, pub, time.Millisecond, discard())

	be.Err(t, q.EnqueueEmbeds(ctx, acct), nil)

	n, err := d.DispatchOnce(ctx)
	be.Err(t, err, nil)
	be.Equal(t, n, 2)
	be.Equal(t, len(pub.sent), 2)
	be.Equal(t, pub.sent[0].subject, "jobs.embed.emails")
	be.Equal(t, pub.sent[0].job.Type, TypeEmbedEmails)
	be.Equal(t, pub.sent[0].job.UserID, "user-1")
	be.Equal(t, pub.sent[0].job.AccountID, acct.ID)
	be.Equal(t, pub.sent[0].msgID, pub.sent[0].job.ID)
	be.Equal(t, pub.sent[1].subject, "jobs.embed.attachments")

	n, err = d.DispatchOnce(ctx)
	be.Err(t, err, nil)
	be.Equal(t, n, 0)
}

func TestDispatchFailureIsRetriedLater(t *testing.T) {
	st, acct := newTestStore(t)
	ctx := context.Background()
	q := NewQueue(st, discard())
	pub := &fakePublisher{fail: true}
	d := NewDispatcher(st, pub, time.Millisecond, discard())

	be.Err(t, q.Enqueue(ctx, TypeEmbedEmails, acct), nil)
	n, err := d.DispatchOnce(ctx)
	be.Err(t, err, nil)
	be.Equal(t, n, 1)

	// Deferred by the backoff, still pending.
	n, err = d.DispatchOnce(ctx)
	be.Err(t, err, nil)
	be.Equal(t, n, 0)
	pending, err := st.PendingOutbox(ctx)
	be.Err(t, err, nil)
	be.Equal(t, pending, 1)
}

func TestEnqueueUnknownType(t *testing.T) {
	st, acct := newTestStore(t)
	err := NewQueue(st, discard()).Enqueue(context.Background(), "reindex", acct)
	be.Err(t, err, "unknown job type")
}

func TestBackoff(t *testing.T) {
	be.Equal(t, backoff(0), 10*time.Second)
	be.Equal(t, backoff(1), 20*time.Second)
	be.Equal(t, backoff(3), 80*time.Second)
	be.Equal(t, backoff(50), 10*time.Minute)
}

func TestRunStopsOnCancel(t *testing.T) {
	st, acct := newTestStore(t)
	pub := &fakePublisher{}
	be.Err(t, NewQueue(st, discard()).EnqueueEmbeds(context.Background(), acct), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewDispatcher(st, pub, time.Millisecond, discard()).Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := st.PendingOutbox(context.Background())
		be.Err(t, err, nil)
		if pending == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	be.Err(t, <-done, nil)
	be.Equal(t, len(pub.sent), 2)
}
