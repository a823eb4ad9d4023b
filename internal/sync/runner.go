package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Martian-dev/mailbrain/internal/classifier"
	"github.com/Martian-dev/mailbrain/internal/message"
	"github.com/Martian-dev/mailbrain/internal/store"
)

var (
	// ErrMissingToken aborts a pass for an account with no OAuth token.
	ErrMissingToken = errors.New("account has no token")
	// ErrIngestNotAllowed rejects an ingest of an account that already
	// synced or is syncing.
	ErrIngestNotAllowed = errors.New("ingest not allowed in current status")
)

// JobQueue receives downstream work once new mail is stored.
type JobQueue interface {
	EnqueueEmbeds(ctx context.Context, acct store.Account) error
}

// Options tune a sync pass.
type Options struct {
	// Backfill is how far back the first pass of an account reaches.
	Backfill time.Duration
	// Overlap is subtracted from last_sync to form the watermark.
	Overlap time.Duration
	// BatchSize is the number of emails committed per transaction.
	BatchSize int
}

func (o Options) withDefaults() Options {
	if o.Backfill <= 0 {
		o.Backfill = 3 * 24 * time.Hour
	}
	if o.Overlap <= 0 {
		o.Overlap = 24 * time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	return o
}

// Result summarises one pass over an account.
type Result struct {
	Listed        int `json:"listed"`
	Committed     int `json:"committed"`
	Skipped       int `json:"skipped"`
	FailedBatches int `json:"failed_batches"`
}

// Runner pulls new mail of one account into the store.
type Runner struct {
	store   *store.Store
	clients ClientFactory
	jobs    JobQueue
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(st *store.Store, clients ClientFactory, jobs JobQueue, opts Options, logger *slog.Logger) *Runner {
	return &Runner{
		store:   st,
		clients: clients,
		jobs:    jobs,
		opts:    opts.withDefaults(),
		logger:  logger.With("component", "sync"),
		now:     time.Now,
	}
}

// Ingest runs the first pass of a freshly connected account. Only
// NOT_STARTED and FAILED accounts may be ingested. The account ends in
// SUCCESS, or FAILED with the pass error returned.
func (r *Runner) Ingest(ctx context.Context, accountID string) (Result, error) {
	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return Result{}, err
	}
	if acct.Status != store.StatusNotStarted && acct.Status != store.StatusFailed {
		return Result{}, fmt.Errorf("account %s is %s: %w", acct.ID, acct.Status, ErrIngestNotAllowed)
	}
	if err := r.store.SetAccountStatus(ctx, acct.ID, store.StatusSyncing); err != nil {
		return Result{}, err
	}

	res, err := r.Pass(ctx, acct)
	if err != nil {
		r.markFailed(acct, err)
		return res, err
	}
	if err := r.store.SetAccountStatus(ctx, acct.ID, store.StatusSuccess); err != nil {
		return res, err
	}
	r.enqueueEmbeds(ctx, acct)
	return res, nil
}

// SyncAccount runs the recurring pass. It runs whatever the status; a
// failure marks the account FAILED and a success heals a FAILED account.
func (r *Runner) SyncAccount(ctx context.Context, acct store.Account) (Result, error) {
	res, err := r.Pass(ctx, acct)
	if err != nil {
		r.markFailed(acct, err)
		return res, err
	}
	if acct.Status == store.StatusFailed {
		if err := r.store.SetAccountStatus(ctx, acct.ID, store.StatusSuccess); err != nil {
			return res, err
		}
	}
	if res.Committed > 0 {
		r.enqueueEmbeds(ctx, acct)
	}
	return res, nil
}

// Pass walks every synced folder of acct once and stores what is new.
// last_sync only moves after all folders were walked.
func (r *Runner) Pass(ctx context.Context, acct store.Account) (Result, error) {
	var res Result
	logger := r.logger.With("account_id", acct.ID, "provider", acct.Provider)

	tok, err := r.store.GetToken(ctx, acct.ID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && tok.AccessToken == "" && tok.RefreshToken == "") {
		return res, fmt.Errorf("account %s: %w", acct.ID, ErrMissingToken)
	}
	if err != nil {
		return res, err
	}
	client, err := r.clients(ctx, acct, tok)
	if err != nil {
		return res, fmt.Errorf("open %s client: %w", acct.Provider, err)
	}
	lists, err := r.store.GetOrCreateSettings(ctx, acct.ID)
	if err != nil {
		return res, err
	}
	rules := classifier.New(lists)
	since := r.watermark(acct)

	logger.Info("sync pass started", "since", since)
	for _, folder := range message.SyncFolders {
		if err := r.syncFolder(ctx, logger, client, acct, rules, folder, since, &res); err != nil {
			return res, fmt.Errorf("sync %s: %w", folder, err)
		}
	}

	if err := r.store.SetLastSync(ctx, acct.ID, r.now()); err != nil {
		return res, err
	}
	logger.Info("sync pass finished",
		"listed", res.Listed,
		"committed", res.Committed,
		"skipped", res.Skipped,
		"failed_batches", res.FailedBatches,
	)
	return res, nil
}

func (r *Runner) watermark(acct store.Account) time.Time {
	if acct.LastSync != nil {
		return acct.LastSync.Add(-r.opts.Overlap)
	}
	return r.now().Add(-r.opts.Backfill)
}

func (r *Runner) syncFolder(
	ctx context.Context,
	logger *slog.Logger,
	client MailClient,
	acct store.Account,
	rules *classifier.Rules,
	folder message.Folder,
	since time.Time,
	res *Result,
) error {
	refs, err := client.ListMessages(ctx, folder, since)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	res.Listed += len(refs)
	if len(refs) == 0 {
		return nil
	}

	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	seen, err := r.store.ExistingEmailIDs(ctx, acct.ID, ids)
	if err != nil {
		return err
	}

	batch := make([]store.Email, 0, r.opts.BatchSize)
	for _, ref := range refs {
		if _, ok := seen[ref.ID]; ok {
			continue
		}
		seen[ref.ID] = struct{}{}

		email, err := r.prepare(ctx, client, acct.ID, rules, folder, ref)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The id stays absent, so the next pass retries it.
			logger.Warn("skipping message", "message_id", ref.ID, "folder", folder, "err", err)
			res.Skipped++
			continue
		}

		batch = append(batch, email)
		if len(batch) == r.opts.BatchSize {
			if err := r.commit(ctx, logger, batch, res); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	return r.commit(ctx, logger, batch, res)
}

// prepare fetches ref and builds its stored email. Attachments are linked
// only for mail that lands in INBOX or SENT.
func (r *Runner) prepare(
	ctx context.Context,
	client MailClient,
	accountID string,
	rules *classifier.Rules,
	walked message.Folder,
	ref Ref,
) (store.Email, error) {
	m := ref.Message
	if m == nil {
		var err error
		if m, err = client.FetchMessage(ctx, ref); err != nil {
			return store.Email{}, fmt.Errorf("fetch message: %w", err)
		}
	}
	canon, err := message.Canonical(m)
	if err != nil {
		return store.Email{}, err
	}

	folder := rules.Folder(canon.From, walked)
	email := store.NewEmail(accountID, canon, folder)
	if folder == message.FolderInbox || folder == message.FolderSent {
		atts, err := client.Attachments(ctx, m)
		if err != nil {
			return store.Email{}, fmt.Errorf("attachments: %w", err)
		}
		email.AddAttachments(atts)
	}
	return email, nil
}

// commit stores one batch. A failed batch is dropped and its ids stay
// absent so the next pass retries them; only cancellation is returned.
func (r *Runner) commit(ctx context.Context, logger *slog.Logger, batch []store.Email, res *Result) error {
	if len(batch) == 0 {
		return nil
	}
	err := r.store.InsertBatch(ctx, batch)
	switch {
	case err == nil:
		res.Committed += len(batch)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, store.ErrAlreadyExists):
		logger.Warn("batch raced with another sync", "size", len(batch), "err", err)
		res.FailedBatches++
	default:
		logger.Error("batch commit failed", "size", len(batch), "err", err)
		res.FailedBatches++
	}
	return nil
}

// markFailed records the failure even when ctx is already cancelled.
func (r *Runner) markFailed(acct store.Account, cause error) {
	r.logger.Error("sync failed", "account_id", acct.ID, "provider", acct.Provider, "err", cause)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.SetAccountStatus(ctx, acct.ID, store.StatusFailed); err != nil {
		r.logger.Error("mark account failed", "account_id", acct.ID, "err", err)
	}
}

func (r *Runner) enqueueEmbeds(ctx context.Context, acct store.Account) {
	if r.jobs == nil {
		return
	}
	if err := r.jobs.EnqueueEmbeds(ctx, acct); err != nil {
		r.logger.Error("enqueue embed jobs", "account_id", acct.ID, "err", err)
	}
}
