package credentials

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a JWT access token without verifying its
// signature. ok is false for opaque tokens or tokens without exp.
func TokenExpiry(raw string) (expiry time.Time, ok bool) {
	return claimTime(raw, jwt.MapClaims.GetExpirationTime)
}

// TokenIssuedAt reads the iat claim the same way.
func TokenIssuedAt(raw string) (issued time.Time, ok bool) {
	return claimTime(raw, jwt.MapClaims.GetIssuedAt)
}

func claimTime(raw string, get func(jwt.MapClaims) (*jwt.NumericDate, error)) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}

	date, err := get(claims)
	if err != nil || date == nil {
		return time.Time{}, false
	}
	return date.Time, true
}
