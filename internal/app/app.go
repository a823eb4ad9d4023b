// Package app wires the components together behind the command line.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbrain/internal/actions"
	"github.com/Martian-dev/mailbrain/internal/auth"
	"github.com/Martian-dev/mailbrain/internal/config"
	"github.com/Martian-dev/mailbrain/internal/jobs"
	"github.com/Martian-dev/mailbrain/internal/message"
	"github.com/Martian-dev/mailbrain/internal/providers/gmail"
	"github.com/Martian-dev/mailbrain/internal/providers/outlook"
	"github.com/Martian-dev/mailbrain/internal/store"
	mailsync "github.com/Martian-dev/mailbrain/internal/sync"
)

var rootCmd = &cobra.Command{
	Use:           "mailbrain",
	Short:         "Email assistant sync service",
	Long:          "Syncs Gmail and Outlook mailboxes into a local store and hands new mail to downstream workers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, syncCmd, ingestCmd, migrateCmd, tokenCmd)
}

// Execute runs the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// mailClient is what both provider clients offer.
type mailClient interface {
	mailsync.MailClient
	actions.Mailbox
}

// App holds the long-lived dependencies shared by the commands.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	oauth   *auth.OAuth
	breaker *gobreaker.CircuitBreaker
	queue   *jobs.Queue
	runner  *mailsync.Runner
	manager *mailsync.Manager
	actions *actions.Service
}

func newApp(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		breaker: gmail.NewBreaker(logger),
		oauth: auth.NewOAuth(
			auth.ClientConfig{ClientID: cfg.GoogleClientID, ClientSecret: cfg.GoogleClientSecret, Scopes: gmail.Scopes},
			auth.ClientConfig{ClientID: cfg.MsftClientID, ClientSecret: cfg.MsftClientSecret, Scopes: outlook.Scopes},
			cfg.MsftTenantID,
		),
	}
	a.queue = jobs.NewQueue(st, logger)
	a.runner = mailsync.NewRunner(st, a.syncClient, a.queue, mailsync.Options{
		Backfill:  cfg.Backfill(),
		Overlap:   cfg.SyncOverlap,
		BatchSize: cfg.SyncBatchSize,
	}, logger)
	a.manager = mailsync.NewManager(a.runner, st, cfg.SyncInterval, cfg.SyncConcurrency, logger)
	a.actions = actions.NewService(st, a.mailbox, logger)
	return a, nil
}

func (a *App) Close() {
	a.manager.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "err", err)
	}
}

// openClient builds the provider client of acct. Refreshed tokens are
// written back to the store.
func (a *App) openClient(ctx context.Context, acct store.Account, tok *oauth2.Token) (mailClient, error) {
	ts, err := a.oauth.TokenSource(ctx, acct.Provider, acct.ID, tok, a.store, a.logger)
	if err != nil {
		return nil, err
	}
	var client mailClient
	switch acct.Provider {
	case message.ProviderGmail:
		client, err = gmail.NewClient(ctx, ts, a.breaker)
	case message.ProviderOutlook:
		client, err = outlook.NewClient(ts)
	default:
		err = fmt.Errorf("unsupported provider %q", acct.Provider)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *App) syncClient(ctx context.Context, acct store.Account, tok *oauth2.Token) (mailsync.MailClient, error) {
	return a.openClient(ctx, acct, tok)
}

func (a *App) mailbox(ctx context.Context, acct store.Account, tok *oauth2.Token) (actions.Mailbox, error) {
	return a.openClient(ctx, acct, tok)
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
