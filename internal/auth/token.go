// Package auth mints and checks the bearer tokens a session presents in its
// connection URL.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"jobwatch/internal/apperrors"
	"jobwatch/internal/eventbus"
	"jobwatch/internal/session"
)

// DefaultTTL is the lifetime of locally minted tokens.
const DefaultTTL = time.Hour

// ErrInvalidToken is returned when a token is neither a valid signed token
// nor one of the accepted static tokens.
var ErrInvalidToken = errors.New("invalid token")

// IssueAccessToken creates a signed HS256 JWT for subject.
func IssueAccessToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", apperrors.Validation("signingKey", "signing key is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateAccessToken parses and validates a JWT, returning its subject.
func ValidateAccessToken(secret, tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Authenticator accepts signed tokens, static tokens or both.
type Authenticator struct {
	SigningKey string
	Tokens     []string
}

// Enabled reports whether any credential is configured. A disabled
// authenticator still rejects empty tokens.
func (a Authenticator) Enabled() bool {
	return a.SigningKey != "" || len(a.Tokens) > 0
}

// Authenticate returns the token's subject. Static tokens authenticate as
// "static".
func (a Authenticator) Authenticate(token string) (string, error) {
	if token == "" {
		return "", apperrors.ErrAuthMissing
	}
	if !a.Enabled() {
		return "anonymous", nil
	}
	if slices.ContainsFunc(a.Tokens, func(t string) bool {
		return subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1
	}) {
		return "static", nil
	}
	if a.SigningKey != "" {
		sub, err := ValidateAccessToken(a.SigningKey, token)
		if err == nil {
			return sub, nil
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return "", ErrInvalidToken
}

// TokenSink receives replacement tokens. *session.Client satisfies it.
type TokenSink interface {
	SetToken(token string)
	OnFunc(name string, fn func(eventbus.Event)) (cancel func())
}

// Refresher re-mints the session token before every reconnect attempt so a
// long outage never ends with an expired token.
type Refresher struct {
	secret  string
	subject string
	ttl     time.Duration
	logger  *slog.Logger
}

// NewRefresher creates a refresher minting tokens for subject.
func NewRefresher(secret, subject string, ttl time.Duration) *Refresher {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Refresher{
		secret:  secret,
		subject: subject,
		ttl:     ttl,
		logger:  slog.With("component", "auth"),
	}
}

// Token mints a fresh token.
func (r *Refresher) Token() (string, error) {
	return IssueAccessToken(r.secret, r.subject, r.ttl)
}

// Attach sets an initial token on sink and refreshes it on every
// reconnecting event. It returns a function that stops refreshing.
func (r *Refresher) Attach(sink TokenSink) (cancel func(), err error) {
	token, err := r.Token()
	if err != nil {
		return nil, err
	}
	sink.SetToken(token)
	return sink.OnFunc(session.EventReconnecting, func(eventbus.Event) {
		token, err := r.Token()
		if err != nil {
			r.logger.Error("Failed to mint token", "error", err)
			return
		}
		sink.SetToken(token)
	}), nil
}
