package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"catalog-proxy-go/stats"
)

func TestResponse_CacheStatus(t *testing.T) {
	tests := []struct {
		source   string
		expected string
	}{
		{stats.SourceL1, "HIT"},
		{stats.SourceL2, "HIT"},
		{stats.SourceAPI, "MISS"},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			w := httptest.NewRecorder()
			Respond(w).SetUpstream("musicbrainz").Result(Result{Payload: json.RawMessage(`{"a":1}`), Source: tt.source})

			if got := w.Header().Get("X-Cache-Status"); got != tt.expected {
				t.Errorf("X-Cache-Status = %q, want %q", got, tt.expected)
			}
			if got := w.Header().Get("X-Upstream"); got != "musicbrainz" {
				t.Errorf("X-Upstream = %q, want musicbrainz", got)
			}
			expectedBody := `{"data":{"a":1},"source":"` + tt.source + `"}` + "\n"
			if w.Body.String() != expectedBody {
				t.Errorf("Expected body %q, got %q", expectedBody, w.Body.String())
			}
		})
	}
}

func TestResponse_RateLimitHeaders(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		expected   string
	}{
		{"whole seconds", 40 * time.Second, "40"},
		{"rounds up", 1500 * time.Millisecond, "2"},
		{"minimum one second", 0, "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			Respond(w).Error(&RateLimitError{RetryAfter: tt.retryAfter, Limit: 30})

			if w.Code != http.StatusTooManyRequests {
				t.Errorf("Expected 429, got %d", w.Code)
			}
			if got := w.Header().Get("Retry-After"); got != tt.expected {
				t.Errorf("Retry-After = %q, want %q", got, tt.expected)
			}
			if got := w.Header().Get("Content-Type"); got != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", got)
			}
		})
	}
}
