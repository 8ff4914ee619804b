package weather

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func writeTestKey(t *testing.T) (string, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "ed25519-private.pem")
	blob := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, pub
}

func TestJWTSourceClaims(t *testing.T) {
	t.Parallel()
	path, pub := writeTestKey(t)
	src, err := NewJWTSource(path, "key-1", "proj-1")
	if err != nil {
		t.Fatalf("NewJWTSource: %v", err)
	}
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return issuedAt }

	raw, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{"EdDSA"}), jwt.WithTimeFunc(func() time.Time { return issuedAt }))
	if err != nil || !tok.Valid {
		t.Fatalf("signed token did not verify: %v", err)
	}

	if kid := tok.Header["kid"]; kid != "key-1" {
		t.Fatalf("kid = %v, want key-1", kid)
	}
	if sub, _ := claims.GetSubject(); sub != "proj-1" {
		t.Fatalf("sub = %q, want proj-1", sub)
	}
	iat, _ := claims.GetIssuedAt()
	if got := issuedAt.Sub(iat.Time); got != tokenClockSkew {
		t.Fatalf("iat backdated by %v, want %v", got, tokenClockSkew)
	}
	exp, _ := claims.GetExpirationTime()
	if got := exp.Time.Sub(issuedAt); got != tokenLifetime {
		t.Fatalf("exp in %v, want %v", got, tokenLifetime)
	}
}

func TestJWTSourceReusesUntilRefreshMargin(t *testing.T) {
	t.Parallel()
	path, _ := writeTestKey(t)
	src, err := NewJWTSource(path, "key-1", "proj-1")
	if err != nil {
		t.Fatalf("NewJWTSource: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return base }
	first, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	// well inside the validity window: cached token comes back
	src.now = func() time.Time { return base.Add(time.Minute) }
	again, _ := src.Token(context.Background())
	if again != first {
		t.Fatal("token was re-issued inside the validity window")
	}

	// within the refresh margin of expiry: a fresh token is issued
	src.now = func() time.Time { return base.Add(tokenLifetime - tokenRefreshMargin/2) }
	fresh, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token near expiry: %v", err)
	}
	if fresh == first {
		t.Fatal("token was not refreshed near expiry")
	}
}

func TestNewJWTSourceRejectsBadKey(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "junk.pem")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := NewJWTSource(path, "k", "p"); err == nil {
		t.Fatal("expected error for malformed key material")
	}
}
