package internal

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	auth := NewTokenAuthenticator("secret", time.Hour)
	token, expiresAt, err := auth.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expiresAt) < 59*time.Minute {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}
	userID, err := auth.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %q", userID)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	auth := NewTokenAuthenticator("secret", time.Hour)

	if _, err := auth.Verify(""); !errors.Is(err, errUnauthenticated) {
		t.Fatalf("expected errUnauthenticated for empty token, got %v", err)
	}
	if _, err := auth.Verify("not-a-token"); !errors.Is(err, errUnauthenticated) {
		t.Fatalf("expected errUnauthenticated for garbage, got %v", err)
	}

	other := NewTokenAuthenticator("different-secret", time.Hour)
	token, _, err := other.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := auth.Verify(token); !errors.Is(err, errUnauthenticated) {
		t.Fatalf("expected errUnauthenticated for wrong secret, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	auth := NewTokenAuthenticator("secret", time.Hour)
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.Verify(expired); !errors.Is(err, errUnauthenticated) {
		t.Fatalf("expected errUnauthenticated for expired token, got %v", err)
	}
}

func TestVerifyRejectsMissingSubject(t *testing.T) {
	auth := NewTokenAuthenticator("secret", time.Hour)
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.Verify(token); !errors.Is(err, errUnauthenticated) {
		t.Fatalf("expected errUnauthenticated for empty subject, got %v", err)
	}
}
