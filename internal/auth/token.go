package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrOpaqueToken is returned for tokens that are not JWTs. Their expiry
// can only be checked by the server.
var ErrOpaqueToken = errors.New("token is not a JWT")

// TokenExpiry reads the exp claim without verifying the signature. The
// signing key lives on the server; this is only a local freshness hint.
// A JWT without exp returns the zero time.
func TokenExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrOpaqueToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// TokenExpired reports whether token expires before now plus leeway.
// Opaque tokens and tokens without exp are never considered expired here.
func TokenExpired(token string, now time.Time, leeway time.Duration) bool {
	if token == "" {
		return true
	}
	exp, err := TokenExpiry(token)
	if err != nil || exp.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(exp)
}
