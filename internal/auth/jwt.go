package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User is the caller identified by a bearer token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// JWKSVerifier validates RS/ES-signed tokens against a remote key set.
// Keys are cached and refreshed in the background by jwk.Cache, so the
// request path does no network I/O once the cache is warm.
type JWKSVerifier struct {
	keys jwk.Set
}

// NewJWKSVerifier registers url with a key cache bound to ctx and warms it.
func NewJWKSVerifier(ctx context.Context, url string, refresh time.Duration) (*JWKSVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(url, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("register JWKS url: %w", err)
	}

	warm, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warm, url); err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	return &JWKSVerifier{keys: jwk.NewCachedSet(cache, url)}, nil
}

// UserFromRequest parses and validates the bearer token of r.
func (v *JWKSVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(r, jwt.WithKeySet(v.keys), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("parse JWT: %w", err)
	}
	return userFromToken(token)
}

// SecretVerifier validates HS256 tokens signed with a shared secret. It
// serves single-tenant deployments without an identity provider.
type SecretVerifier struct {
	secret []byte
}

func NewSecretVerifier(secret string) *SecretVerifier {
	return &SecretVerifier{secret: []byte(secret)}
}

func (v *SecretVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(r, jwt.WithKey(jwa.HS256, v.secret), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("parse JWT: %w", err)
	}
	return userFromToken(token)
}

// Sign issues a token for user valid for ttl. Used by the CLI to mint
// operator tokens.
func (v *SecretVerifier) Sign(user User, ttl time.Duration) (string, error) {
	tok, err := jwt.NewBuilder().
		Subject(user.ID).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(ttl)).
		Claim("email", user.Email).
		Claim("name", user.Name).
		Build()
	if err != nil {
		return "", fmt.Errorf("build JWT: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, v.secret))
	if err != nil {
		return "", fmt.Errorf("sign JWT: %w", err)
	}
	return string(signed), nil
}

func userFromToken(token jwt.Token) (*User, error) {
	if token.Subject() == "" {
		return nil, errors.New("token missing subject")
	}
	u := &User{ID: token.Subject()}
	if v, ok := token.Get("email"); ok {
		u.Email, _ = v.(string)
	}
	if v, ok := token.Get("name"); ok {
		u.Name, _ = v.(string)
	}
	return u, nil
}
