package musicbrainz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"catalog-proxy-go/services/upstream"
	"catalog-proxy-go/stats"
)

const queenMBID = "0383dadf-2a4e-4d10-a46a-e9e041da8eb3"

func TestParsePath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		query    map[string]string
		kind     Kind
		entity   string
		expected map[string]string
	}{
		{
			name:     "search with defaults",
			path:     "/artist",
			query:    map[string]string{"query": "queen"},
			kind:     KindSearch,
			entity:   "artist",
			expected: map[string]string{"query": "queen", "limit": "10", "offset": "0", "fmt": "json"},
		},
		{
			name:     "search passes filters and dismax",
			path:     "/api/v1/musicbrainz/release",
			query:    map[string]string{"query": "a night at the opera", "limit": "5", "dismax": "true", "country": "GB"},
			kind:     KindSearch,
			entity:   "release",
			expected: map[string]string{"query": "a night at the opera", "limit": "5", "offset": "0", "dismax": "true", "country": "GB", "fmt": "json"},
		},
		{
			name:     "lookup with includes",
			path:     "/artist/" + queenMBID,
			query:    map[string]string{"inc": "aliases+tags+"},
			kind:     KindLookup,
			entity:   "artist",
			expected: map[string]string{"inc": "aliases+tags", "fmt": "json"},
		},
		{
			name:     "browse by linked entity",
			path:     "/api/nodejs/musicbrainz/release",
			query:    map[string]string{"artist": queenMBID},
			kind:     KindBrowse,
			entity:   "release",
			expected: map[string]string{"artist": queenMBID, "limit": "25", "offset": "0", "fmt": "json"},
		},
		{
			name:     "browse by sub-resource path",
			path:     "/release/label/abc",
			query:    map[string]string{"limit": "50"},
			kind:     KindBrowse,
			entity:   "release",
			expected: map[string]string{"label": "abc", "limit": "50", "offset": "0", "fmt": "json"},
		},
		{
			name:     "direct",
			path:     "/genre",
			query:    map[string]string{"limit": "3"},
			kind:     KindDirect,
			entity:   "genre",
			expected: map[string]string{"fmt": "json"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := ParsePath(tt.path, tt.query)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if q.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, q.Kind)
			}
			if q.Entity != tt.entity {
				t.Errorf("Expected entity %s, got %s", tt.entity, q.Entity)
			}

			req := q.Request()
			if len(req.Query) != len(tt.expected) {
				t.Errorf("Expected params %v, got %v", tt.expected, req.Query)
			}
			for k, v := range tt.expected {
				if got := req.Query.Get(k); got != v {
					t.Errorf("Expected %s=%q, got %q", k, v, got)
				}
			}
		})
	}
}

func TestParsePath_LookupPath(t *testing.T) {
	q, _ := ParsePath("/artist/"+queenMBID, nil)
	if got := q.Request().Path; got != "artist/"+queenMBID {
		t.Errorf("Expected lookup path artist/%s, got %s", queenMBID, got)
	}
}

func TestParsePath_NoEntity(t *testing.T) {
	for _, path := range []string{"/", "//", "/api/v1/musicbrainz/", "/api/nodejs/musicbrainz/"} {
		_, err := ParsePath(path, nil)
		var reqErr *upstream.RequestError
		if !errors.As(err, &reqErr) || reqErr.Status != http.StatusBadRequest {
			t.Errorf("%s: expected 400 RequestError, got %v", path, err)
		}
	}
}

func TestService_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/2/artist" {
			t.Errorf("Expected /ws/2/artist, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("fmt"); got != "json" {
			t.Errorf("Expected fmt=json, got %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "catalog-proxy-test/1.0 (ops@example.com)" {
			t.Errorf("Unexpected User-Agent %q", got)
		}
		w.Write([]byte(`{"artists":[]}`))
	}))
	defer srv.Close()

	client, err := upstream.NewClient(upstream.Options{
		Name:      Name,
		BaseURL:   srv.URL + "/ws/2",
		Timeout:   2 * time.Second,
		UserAgent: "catalog-proxy-test/1.0 (ops@example.com)",
		Stats:     stats.New(),
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	s := New(Options{Client: client, RoutePrefix: "/api/v1/musicbrainz"})

	r := httptest.NewRequest("GET", "/api/v1/musicbrainz/artist?query=queen", nil)
	body, err := s.Fetch(context.Background(), r)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(body) != `{"artists":[]}` {
		t.Errorf("Unexpected body %s", body)
	}
}

func TestService_CacheKey(t *testing.T) {
	s := New(Options{RoutePrefix: "/api/v1/musicbrainz"})
	a := httptest.NewRequest("GET", "/api/v1/musicbrainz/artist?query=queen&limit=10", nil)
	b := httptest.NewRequest("GET", "/api/v1/musicbrainz/artist?limit=10&query=queen", nil)

	expected := `musicbrainz:GET:artist:{"limit":"10","query":"queen"}`
	if got := s.CacheKey(a); got != expected {
		t.Errorf("Expected %s, got %s", expected, got)
	}
	if s.CacheKey(b) != expected {
		t.Errorf("Expected permuted query to share key, got %s", s.CacheKey(b))
	}
	if s.CacheTTL() != time.Hour {
		t.Errorf("Expected default TTL 1h, got %v", s.CacheTTL())
	}
}
