package weather

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource issues short-lived upstream credentials. A failure here is
// fatal to the fetch that needed the token, never to the whole tick.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

const (
	tokenLifetime = 5 * time.Minute
	// tokenClockSkew is subtracted from iat so a slightly-ahead local clock
	// doesn't produce not-yet-valid tokens.
	tokenClockSkew = 30 * time.Second
	// tokenRefreshMargin forces re-issue shortly before expiry.
	tokenRefreshMargin = 30 * time.Second
)

// JWTSource signs EdDSA JWTs the way the upstream provider requires:
// kid header, sub claim with the project id, five-minute validity.
// Issued tokens are reused within their validity window.
type JWTSource struct {
	keyID     string
	projectID string
	key       any // ed25519 private key

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewJWTSource loads an Ed25519 private key PEM from disk.
func NewJWTSource(privateKeyPath, keyID, projectID string) (*JWTSource, error) {
	pem, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseEdPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &JWTSource{
		keyID:     keyID,
		projectID: projectID,
		key:       key,
		now:       time.Now,
	}, nil
}

func (s *JWTSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.expires.Add(-tokenRefreshMargin)) {
		return s.token, nil
	}

	exp := now.Add(tokenLifetime)
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iat": now.Add(-tokenClockSkew).Unix(),
		"exp": exp.Unix(),
		"sub": s.projectID,
	})
	tok.Header["kid"] = s.keyID

	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	s.token = signed
	s.expires = exp
	return signed, nil
}
