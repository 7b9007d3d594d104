package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIKeyMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	public := []string{"/health", "/api/v1/*"}

	tests := []struct {
		name     string
		apiKey   string
		required bool
		path     string
		header   string
		expected int
	}{
		{"not required", "secret", false, "/cache/clear", "", http.StatusOK},
		{"required but unconfigured", "", true, "/cache/clear", "", http.StatusOK},
		{"public path", "secret", true, "/health", "", http.StatusOK},
		{"public prefix", "secret", true, "/api/v1/apple-music/catalog/us/songs/1", "", http.StatusOK},
		{"missing key", "secret", true, "/cache/clear", "", http.StatusUnauthorized},
		{"wrong key", "secret", true, "/cache/clear", "nope", http.StatusUnauthorized},
		{"valid key", "secret", true, "/cache/clear", "secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := APIKeyMiddleware(tt.apiKey, tt.required, public)(ok)
			req := httptest.NewRequest("POST", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, rec.Code)
			}
			if tt.expected == http.StatusUnauthorized && rec.Header().Get("Content-Type") != "application/json" {
				t.Errorf("Expected JSON error body, got Content-Type %q", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestValidAPIKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/stats", nil)
	if ValidAPIKey(req, "secret") {
		t.Error("Expected no key to be invalid")
	}
	req.Header.Set("X-API-Key", "secret")
	if !ValidAPIKey(req, "secret") {
		t.Error("Expected matching key to be valid")
	}
	if ValidAPIKey(req, "") {
		t.Error("Expected an unconfigured key to never match")
	}
}
