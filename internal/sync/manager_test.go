package sync

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nalgeon/be"

	"github.com/Martian-dev/mailbrain/internal/message"
	"github.com/Martian-dev/mailbrain/internal/store"
)

func newTestManager(t *testing.T, env *testEnv) *Manager {
	t.Helper()
	m := NewManager(env.runner, env.store, time.Hour, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(m.Close)
	return m
}

func TestManagerSyncAllIsolatesFailures(t *testing.T) {
	client := &fakeClient{folders: map[message.Folder][]fakeMsg{
		message.FolderInbox: inbox("m1", "m2"),
	}}
	env := newTestEnv(t, client)
	m := newTestManager(t, env)
	ctx := context.Background()
	broken := createAccount(t, env.store, "broken@example.com", false)

	be.Err(t, m.SyncAll(ctx), nil)

	got, err := env.store.GetAccount(ctx, broken.ID)
	be.Err(t, err, nil)
	be.Equal(t, got.Status, store.StatusFailed)

	be.Equal(t, env.count(t), 2)
	be.True(t, env.account(t).LastSync != nil)
	be.Equal(t, len(m.Running()), 0)
}

func TestManagerRejectsConcurrentPass(t *testing.T) {
	env := newTestEnv(t, &fakeClient{})
	m := newTestManager(t, env)
	ctx := context.Background()

	be.True(t, m.acquire(env.acct.ID))
	be.True(t, m.IsRunning(env.acct.ID))

	_, err := m.Ingest(ctx, env.acct.ID)
	be.Err(t, err, ErrBusy)
	_, err = m.SyncAccount(ctx, env.acct.ID)
	be.Err(t, err, ErrBusy)
	be.Err(t, m.Trigger(env.acct.ID, true), ErrBusy)

	m.release(env.acct.ID)
	_, err = m.Ingest(ctx, env.acct.ID)
	be.Err(t, err, nil)
	be.Equal(t, env.account(t).Status, store.StatusSuccess)
}

func TestManagerTrigger(t *testing.T) {
	client := &fakeClient{folders: map[message.Folder][]fakeMsg{
		message.FolderInbox: inbox("m1"),
	}}
	env := newTestEnv(t, client)
	m := newTestManager(t, env)

	be.Err(t, m.Trigger(env.acct.ID, true), nil)
	deadline := time.Now().Add(5 * time.Second)
	for m.IsRunning(env.acct.ID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	be.True(t, !m.IsRunning(env.acct.ID))
	be.Equal(t, env.account(t).Status, store.StatusSuccess)
	be.Equal(t, env.count(t), 1)
	be.Equal(t, env.jobs.count(), 1)
}
