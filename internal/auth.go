package internal

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errUnauthenticated = errors.New("unauthenticated")

// TokenAuthenticator issues and verifies the HMAC-signed tokens used both by
// the HTTP login flow and the websocket handshake. The user id travels in the
// standard "sub" claim.
type TokenAuthenticator struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenAuthenticator(secret string, ttl time.Duration) *TokenAuthenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenAuthenticator{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the given user id and returns it with its expiry.
func (a *TokenAuthenticator) Issue(userID string) (string, time.Time, error) {
	expiresAt := time.Now().Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Verify parses the token, enforces HMAC signing and returns the subject.
// Any failure maps to errUnauthenticated so callers can close with a single
// status.
func (a *TokenAuthenticator) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", errUnauthenticated
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errUnauthenticated
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errUnauthenticated
	}
	return claims.Subject, nil
}
