// Package auth holds the OAuth plumbing for mail providers and the JWT
// verification used by the control API.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/mailbrain/internal/message"
)

// OAuth carries the client registrations of both providers.
type OAuth struct {
	Google    *oauth2.Config
	Microsoft *oauth2.Config
}

// ClientConfig is one provider registration.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewOAuth builds provider configs. An empty tenant means "common".
func NewOAuth(g, m ClientConfig, tenant string) *OAuth {
	if tenant == "" {
		tenant = "common"
	}
	return &OAuth{
		Google: &oauth2.Config{
			ClientID:     g.ClientID,
			ClientSecret: g.ClientSecret,
			Scopes:       g.Scopes,
			Endpoint:     google.Endpoint,
		},
		Microsoft: &oauth2.Config{
			ClientID:     m.ClientID,
			ClientSecret: m.ClientSecret,
			Scopes:       m.Scopes,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
		},
	}
}

func (o *OAuth) config(p message.Provider) (*oauth2.Config, error) {
	switch p {
	case message.ProviderGmail:
		return o.Google, nil
	case message.ProviderOutlook:
		return o.Microsoft, nil
	}
	return nil, fmt.Errorf("unsupported provider %q", p)
}

// TokenSaver persists refreshed tokens.
type TokenSaver interface {
	SaveToken(ctx context.Context, accountID string, tok *oauth2.Token) error
}

// TokenSource returns a refreshing source for an account's stored token.
// Every newly minted access token is written back through saver.
func (o *OAuth) TokenSource(ctx context.Context, p message.Provider, accountID string, tok *oauth2.Token, saver TokenSaver, logger *slog.Logger) (oauth2.TokenSource, error) {
	cfg, err := o.config(p)
	if err != nil {
		return nil, err
	}
	return &persistingSource{
		ctx:       ctx,
		base:      cfg.TokenSource(ctx, tok),
		accountID: accountID,
		saver:     saver,
		last:      tok.AccessToken,
		logger:    logger,
	}, nil
}

type persistingSource struct {
	ctx       context.Context
	base      oauth2.TokenSource
	accountID string
	saver     TokenSaver
	logger    *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.last {
		return tok, nil
	}
	// A failed write only costs another refresh later.
	if err := s.saver.SaveToken(s.ctx, s.accountID, tok); err != nil {
		s.logger.Warn("persist refreshed token", "account_id", s.accountID, "err", err)
		return tok, nil
	}
	s.last = tok.AccessToken
	return tok, nil
}
