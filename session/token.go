package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry decodes the exp claim of a JWT access token without
// verifying its signature. The client holds no verification key; the
// server remains the authority on validity. ok is false when the token
// is opaque or carries no exp claim.
func tokenExpiry(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time, true
}

// maxExpiresIn caps a server-supplied expiresIn, in seconds, so the
// duration arithmetic cannot overflow.
const maxExpiresIn = 365 * 24 * 60 * 60

// newTokenPair builds a TokenPair from a wire response. ExpiresAt comes
// from the access token's own claim; expiresIn is used only for opaque
// tokens.
func newTokenPair(w wireTokens, now time.Time) TokenPair {
	pair := TokenPair{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
	}

	if exp, ok := tokenExpiry(w.AccessToken); ok {
		pair.ExpiresAt = exp
	} else if w.ExpiresIn > 0 {
		pair.ExpiresAt = now.Add(time.Duration(min(w.ExpiresIn, maxExpiresIn)) * time.Second)
	}

	return pair
}

// expired reports whether the pair's access token should be treated as
// expired at now, given a safety buffer so requests are not sent with a
// token that lapses mid-flight. An unknown expiry is not expired.
func (p TokenPair) expired(now time.Time, buffer time.Duration) bool {
	if p.AccessToken == "" {
		return true
	}

	if p.ExpiresAt.IsZero() {
		return false
	}

	return !now.Add(buffer).Before(p.ExpiresAt)
}
