package notifier

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

// createTestJWT builds an unsigned token carrying claims
func createTestJWT(claims JWTClaims) string {
	header, _ := json.Marshal(map[string]string{"alg": "ES256", "kid": "ABC123DEFG"})
	payload, _ := json.Marshal(claims)
	signature := base64.RawURLEncoding.EncodeToString([]byte("dummy_signature"))

	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." + signature
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeJWT(t *testing.T) {
	claims := JWTClaims{
		Issuer:    "TEAMID1234",
		IssuedAt:  testNow.Unix(),
		ExpiresAt: testNow.Add(30 * 24 * time.Hour).Unix(),
		Origin:    []string{"https://music.mariolopez.org"},
	}

	decoded, err := DecodeJWT(createTestJWT(claims))
	if err != nil {
		t.Fatalf("Failed to decode JWT: %v", err)
	}
	if decoded.Issuer != claims.Issuer {
		t.Errorf("Expected issuer %q, got %q", claims.Issuer, decoded.Issuer)
	}
	if decoded.ExpiresAt != claims.ExpiresAt {
		t.Errorf("Expected exp %d, got %d", claims.ExpiresAt, decoded.ExpiresAt)
	}
	if len(decoded.Origin) != 1 {
		t.Errorf("Expected 1 origin, got %d", len(decoded.Origin))
	}

	// Accepts the header form callers send
	if _, err := DecodeJWT("Bearer " + createTestJWT(claims)); err != nil {
		t.Errorf("Expected Bearer prefix to be accepted, got %v", err)
	}
}

func TestDecodeJWT_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"two parts", "a.b"},
		{"bad base64", "a.!!!.c"},
		{"bad json", "a." + base64.RawURLEncoding.EncodeToString([]byte("nope")) + ".c"},
		{"no exp", createTestJWT(JWTClaims{Issuer: "x"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeJWT(tt.token); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestIsExpiringSoon(t *testing.T) {
	tests := []struct {
		name         string
		expiresIn    time.Duration
		threshold    int
		expectSoon   bool
		expectedDays int
	}{
		{"far future", 60 * 24 * time.Hour, 7, false, 60},
		{"inside threshold", 5*24*time.Hour + time.Hour, 7, true, 5},
		{"on threshold", 7*24*time.Hour + time.Hour, 7, true, 7},
		{"expires today", 2 * time.Hour, 7, true, 0},
		{"already expired", -2 * time.Hour, 7, true, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := createTestJWT(JWTClaims{ExpiresAt: testNow.Add(tt.expiresIn).Unix()})
			soon, days, err := IsExpiringSoon(token, tt.threshold, testNow)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if soon != tt.expectSoon {
				t.Errorf("Expected expiring=%v, got %v", tt.expectSoon, soon)
			}
			if days != tt.expectedDays {
				t.Errorf("Expected %d days, got %d", tt.expectedDays, days)
			}
		})
	}
}
