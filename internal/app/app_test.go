package app

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nalgeon/be"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbrain/internal/auth"
	"github.com/Martian-dev/mailbrain/internal/message"
	"github.com/Martian-dev/mailbrain/internal/providers/gmail"
	"github.com/Martian-dev/mailbrain/internal/providers/outlook"
	"github.com/Martian-dev/mailbrain/internal/store"
)

func TestParseLevel(t *testing.T) {
	be.Equal(t, parseLevel("debug"), slog.LevelDebug)
	be.Equal(t, parseLevel("warn"), slog.LevelWarn)
	be.Equal(t, parseLevel("error"), slog.LevelError)
	be.Equal(t, parseLevel("loud"), slog.LevelInfo)
}

func TestNewAppAndClients(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "app.db"))
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "error")
	ctx := context.Background()

	a, err := newApp(ctx)
	be.Err(t, err, nil)
	defer a.Close()

	tok := &oauth2.Token{AccessToken: "a", RefreshToken: "r"}
	c, err := a.openClient(ctx, store.Account{ID: "1", Provider: message.ProviderGmail}, tok)
	be.Err(t, err, nil)
	_, ok := c.(*gmail.Client)
	be.True(t, ok)

	c, err = a.openClient(ctx, store.Account{ID: "2", Provider: message.ProviderOutlook}, tok)
	be.Err(t, err, nil)
	_, ok = c.(*outlook.Client)
	be.True(t, ok)

	c, err = a.openClient(ctx, store.Account{ID: "3", Provider: message.Provider("YAHOO")}, tok)
	be.True(t, err != nil)
	be.True(t, c == nil)
}

func TestLogShutdown(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "app.db"))
	ctx := context.Background()

	a, err := newApp(ctx)
	be.Err(t, err, nil)
	defer a.Close()

	var buf bytes.Buffer
	a.logger = slog.New(slog.NewTextHandler(&buf, nil))
	be.Err(t, a.store.EnqueueOutbox(ctx, "jobs.embed.emails", "embed_new_emails", []byte(`{}`), "msg-1"), nil)

	a.logShutdown()
	be.True(t, strings.Contains(buf.String(), "pending_jobs=1"))
	be.True(t, strings.Contains(buf.String(), "syncing=[]"))
}

func TestTokenCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "s3cret")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "user-1", "--email", "u@example.com"})
	be.Err(t, rootCmd.Execute(), nil)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+string(bytes.TrimSpace(out.Bytes())))
	u, err := auth.NewSecretVerifier("s3cret").UserFromRequest(r)
	be.Err(t, err, nil)
	be.Equal(t, u.ID, "user-1")
	be.Equal(t, u.Email, "u@example.com")
}
