package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenLeeway keeps us from presenting a token that expires mid-flight.
const tokenLeeway = 30 * time.Second

// TokenUsable reports whether a cached session token is present and not
// expired. The signature is not verified here; that is the server's
// job. An expired cached token is treated the same as no token at all.
func TokenUsable(token string) bool {
	if token == "" {
		return false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return false
	}
	if exp == nil {
		// No expiry claim: usable until the server says otherwise.
		return true
	}
	return time.Now().Add(tokenLeeway).Before(exp.Time)
}
