package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbrain/internal/message"
)

type memSaver struct {
	saved []string
	err   error
}

func (s *memSaver) SaveToken(_ context.Context, accountID string, tok *oauth2.Token) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, accountID+":"+tok.AccessToken)
	return nil
}

func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSourcePersistsRefresh(t *testing.T) {
	srv := tokenServer(t)
	o := &OAuth{Google: &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}}
	saver := &memSaver{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stale := &oauth2.Token{AccessToken: "stale", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)}
	ts, err := o.TokenSource(context.Background(), message.ProviderGmail, "acc1", stale, saver, logger)
	be.Err(t, err, nil)

	tok, err := ts.Token()
	be.Err(t, err, nil)
	be.Equal(t, tok.AccessToken, "fresh")

	_, err = ts.Token()
	be.Err(t, err, nil)
	be.Equal(t, saver.saved, []string{"acc1:fresh"})
}

func TestTokenSourceValidTokenNotSaved(t *testing.T) {
	o := NewOAuth(ClientConfig{ClientID: "g"}, ClientConfig{ClientID: "m"}, "")
	saver := &memSaver{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	valid := &oauth2.Token{AccessToken: "ok", Expiry: time.Now().Add(time.Hour)}
	ts, err := o.TokenSource(context.Background(), message.ProviderOutlook, "acc1", valid, saver, logger)
	be.Err(t, err, nil)
	tok, err := ts.Token()
	be.Err(t, err, nil)
	be.Equal(t, tok.AccessToken, "ok")
	be.Equal(t, len(saver.saved), 0)

	_, err = o.TokenSource(context.Background(), message.Provider("YAHOO"), "acc1", valid, saver, logger)
	be.True(t, err != nil)
}

func TestTokenSourceSaveFailureStillServes(t *testing.T) {
	srv := tokenServer(t)
	o := &OAuth{Microsoft: &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}}
	saver := &memSaver{err: errors.New("db down")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stale := &oauth2.Token{AccessToken: "stale", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)}
	ts, err := o.TokenSource(context.Background(), message.ProviderOutlook, "acc1", stale, saver, logger)
	be.Err(t, err, nil)
	tok, err := ts.Token()
	be.Err(t, err, nil)
	be.Equal(t, tok.AccessToken, "fresh")
}
