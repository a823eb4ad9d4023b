package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailbrain/internal/api"
	"github.com/Martian-dev/mailbrain/internal/auth"
	"github.com/Martian-dev/mailbrain/internal/config"
	"github.com/Martian-dev/mailbrain/internal/jobs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, the sync scheduler and the job dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		verifier, err := a.verifier(ctx)
		if err != nil {
			return err
		}
		srv := &http.Server{
			Addr:              a.cfg.HTTPAddr,
			Handler:           api.NewRouter(a.store, a.manager, a.actions, verifier, a.logger),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.manager.Run(gctx) })

		if a.cfg.NatsURL != "" {
			js, err := a.jetStream(ctx)
			if err != nil {
				return err
			}
			defer js.Close()
			d := jobs.NewDispatcher(a.store, js, a.cfg.DispatchInterval, a.logger)
			g.Go(func() error { return d.Run(gctx) })
		} else {
			a.logger.Warn("NATS_URL not set, jobs stay in the outbox")
		}

		g.Go(func() error {
			a.logger.Info("http server listening", "addr", srv.Addr, "auth", verifier != nil)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		err = g.Wait()
		a.logShutdown()
		return err
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one recurring sync pass over all accounts, or one account",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		accountID, _ := cmd.Flags().GetString("account")
		if accountID == "" {
			if err := a.manager.SyncAll(ctx); err != nil {
				return err
			}
		} else {
			res, err := a.manager.SyncAccount(ctx, accountID)
			if err != nil {
				return err
			}
			a.logger.Info("sync done", "account_id", accountID, "committed", res.Committed, "skipped", res.Skipped)
		}
		return a.flushOutbox(ctx)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <account-id>",
	Short: "Run the first sync of a newly connected account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.manager.Ingest(ctx, args[0])
		if err != nil {
			return err
		}
		a.logger.Info("ingest done", "account_id", args[0], "committed", res.Committed, "skipped", res.Skipped)
		return a.flushOutbox(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		a.logger.Info("schema up to date", "driver", a.cfg.DatabaseDriver)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint an API token signed with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is not set")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		email, _ := cmd.Flags().GetString("email")

		signed, err := auth.NewSecretVerifier(cfg.JWTSecret).Sign(auth.User{ID: args[0], Email: email}, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func init() {
	syncCmd.Flags().String("account", "", "sync only this account id")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().String("email", "", "email claim")
}

// verifier picks the API authentication. JWKS wins over a shared secret;
// with neither the API is open.
func (a *App) verifier(ctx context.Context) (api.Verifier, error) {
	switch {
	case a.cfg.JWKSURL != "":
		v, err := auth.NewJWKSVerifier(ctx, a.cfg.JWKSURL, 15*time.Minute)
		if err != nil {
			return nil, err
		}
		return v, nil
	case a.cfg.JWTSecret != "":
		return auth.NewSecretVerifier(a.cfg.JWTSecret), nil
	}
	a.logger.Warn("API authentication disabled, set JWKS_URL or JWT_SECRET")
	return nil, nil
}

func (a *App) jetStream(ctx context.Context) (*jobs.JetStream, error) {
	js, err := jobs.NewJetStream(a.cfg.NatsURL)
	if err != nil {
		return nil, err
	}
	if err := js.EnsureStream(ctx); err != nil {
		js.Close()
		return nil, err
	}
	return js, nil
}

// logShutdown reports work left behind: passes still unwinding and jobs
// that the next start will dispatch.
func (a *App) logShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pending, err := a.store.PendingOutbox(ctx)
	if err != nil {
		a.logger.Error("count pending jobs", "err", err)
	}
	a.logger.Info("shutting down", "syncing", a.manager.Running(), "pending_jobs", pending)
}

// flushOutbox publishes pending jobs once when a broker is configured.
func (a *App) flushOutbox(ctx context.Context) error {
	if a.cfg.NatsURL == "" {
		return nil
	}
	js, err := a.jetStream(ctx)
	if err != nil {
		return err
	}
	defer js.Close()
	n, err := jobs.NewDispatcher(a.store, js, a.cfg.DispatchInterval, a.logger).DispatchOnce(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("outbox flushed", "messages", n)
	return nil
}
