package notifier

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// JWTClaims are the fields read from an Apple Music developer token
type JWTClaims struct {
	Issuer    string   `json:"iss"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	Origin    []string `json:"origin,omitempty"`
}

// DecodeJWT reads the claims without verifying the signature; only the
// expiry is used.
func DecodeJWT(token string) (*JWTClaims, error) {
	parts := strings.Split(strings.TrimPrefix(token, "Bearer "), ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWT format")
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, fmt.Errorf("decode JWT payload: %w", err)
	}

	var claims JWTClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("unmarshal JWT claims: %w", err)
	}
	if claims.ExpiresAt == 0 {
		return nil, fmt.Errorf("JWT has no exp claim")
	}
	return &claims, nil
}

func ExpirationDate(token string) (time.Time, error) {
	claims, err := DecodeJWT(token)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(claims.ExpiresAt, 0), nil
}

// DaysUntilExpiration counts whole days from now; negative once expired.
func DaysUntilExpiration(token string, now time.Time) (int, error) {
	exp, err := ExpirationDate(token)
	if err != nil {
		return 0, err
	}
	return int(math.Floor(exp.Sub(now).Hours() / 24)), nil
}

// IsExpiringSoon reports whether the token expires within daysThreshold
// days, including tokens that have already expired.
func IsExpiringSoon(token string, daysThreshold int, now time.Time) (bool, int, error) {
	days, err := DaysUntilExpiration(token, now)
	if err != nil {
		return false, 0, err
	}
	return days <= daysThreshold, days, nil
}
