package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailbrain/internal/store"
)

// ErrBusy is returned when the account already has a sync in flight.
var ErrBusy = errors.New("sync already running")

// Manager schedules recurring passes over all accounts and serialises
// work per account: at most one pass of an account runs at a time.
type Manager struct {
	runner      *Runner
	store       *store.Store
	interval    time.Duration
	concurrency int
	logger      *slog.Logger

	// base outlives requests that trigger background work.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runnersMutex sync.Mutex
	runners      map[string]struct{}
}

// NewManager creates a Manager. Close must be called to stop triggered
// background passes.
func NewManager(runner *Runner, st *store.Store, interval time.Duration, concurrency int, logger *slog.Logger) *Manager {
	if concurrency <= 0 {
		concurrency = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		runner:      runner,
		store:       st,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger.With("component", "scheduler"),
		base:        base,
		cancel:      cancel,
		runners:     make(map[string]struct{}),
	}
}

// Run syncs every account now and then on each tick until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("scheduler started", "interval", m.interval, "concurrency", m.concurrency)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.SyncAll(ctx); err != nil {
			m.logger.Error("recurring sync", "err", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SyncAll runs the recurring pass over every account. A failing account
// never stops the others; only listing the accounts can fail.
func (m *Manager) SyncAll(ctx context.Context) error {
	accounts, err := m.store.ListAccounts(ctx, "")
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for _, acct := range accounts {
		if !m.acquire(acct.ID) {
			m.logger.Debug("skipping account with sync in flight", "account_id", acct.ID)
			continue
		}
		g.Go(func() error {
			defer m.release(acct.ID)
			// Errors are recorded on the account by the runner.
			_, _ = m.runner.SyncAccount(ctx, acct)
			return nil
		})
	}
	return g.Wait()
}

// SyncAccount runs the recurring pass of one account now.
func (m *Manager) SyncAccount(ctx context.Context, accountID string) (Result, error) {
	if !m.acquire(accountID) {
		return Result{}, fmt.Errorf("account %s: %w", accountID, ErrBusy)
	}
	defer m.release(accountID)

	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return Result{}, err
	}
	return m.runner.SyncAccount(ctx, acct)
}

// Ingest runs the first pass of an account now.
func (m *Manager) Ingest(ctx context.Context, accountID string) (Result, error) {
	if !m.acquire(accountID) {
		return Result{}, fmt.Errorf("account %s: %w", accountID, ErrBusy)
	}
	defer m.release(accountID)
	return m.runner.Ingest(ctx, accountID)
}

// Trigger starts an ingest, or a recurring pass when ingest is false, in
// the background. It fails fast with ErrBusy instead of queueing.
func (m *Manager) Trigger(accountID string, ingest bool) error {
	if !m.acquire(accountID) {
		return fmt.Errorf("account %s: %w", accountID, ErrBusy)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(accountID)

		var err error
		if ingest {
			_, err = m.runner.Ingest(m.base, accountID)
		} else {
			var acct store.Account
			if acct, err = m.store.GetAccount(m.base, accountID); err == nil {
				_, err = m.runner.SyncAccount(m.base, acct)
			}
		}
		if err != nil {
			m.logger.Error("triggered sync", "account_id", accountID, "ingest", ingest, "err", err)
		}
	}()
	return nil
}

// IsRunning reports whether a pass of the account is in flight.
func (m *Manager) IsRunning(accountID string) bool {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	_, ok := m.runners[accountID]
	return ok
}

// Running returns the ids of accounts with a pass in flight.
func (m *Manager) Running() []string {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close cancels triggered passes and waits for them to return.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) acquire(accountID string) bool {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	if _, ok := m.runners[accountID]; ok {
		return false
	}
	m.runners[accountID] = struct{}{}
	return true
}

func (m *Manager) release(accountID string) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	delete(m.runners, accountID)
}
