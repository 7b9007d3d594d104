package cache

import (
	"net/url"
	"testing"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name     string
		builder  KeyBuilder
		method   string
		path     string
		query    map[string]string
		expected string
	}{
		{
			name:     "method path and query",
			builder:  NewKeyBuilder("", ""),
			method:   "GET",
			path:     "/search",
			query:    map[string]string{"q": "queen", "limit": "10"},
			expected: `GET:search:{"limit":"10","q":"queen"}`,
		},
		{
			name:     "namespace and stripped prefix",
			builder:  NewKeyBuilder("musicbrainz", "/api/v1/musicbrainz"),
			method:   "get",
			path:     "/api/v1/musicbrainz/artist/",
			query:    map[string]string{"query": "queen"},
			expected: `musicbrainz:GET:artist:{"query":"queen"}`,
		},
		{
			name:     "empty query omitted",
			builder:  NewKeyBuilder("apple-music", ""),
			method:   "GET",
			path:     "/catalog/us/albums/1",
			expected: "apple-music:GET:catalog/us/albums/1",
		},
		{
			name:     "empty but present query omitted",
			builder:  NewKeyBuilder("apple-music", ""),
			method:   "GET",
			path:     "/catalog/us/albums/1",
			query:    map[string]string{},
			expected: "apple-music:GET:catalog/us/albums/1",
		},
		{
			name:     "method excluded",
			builder:  KeyBuilder{IncludeQuery: true},
			method:   "GET",
			path:     "songs",
			query:    map[string]string{"ids": "1,2"},
			expected: `songs:{"ids":"1,2"}`,
		},
		{
			name:     "query excluded",
			builder:  KeyBuilder{IncludeMethod: true},
			method:   "POST",
			path:     "/songs/",
			query:    map[string]string{"ids": "1"},
			expected: "POST:songs",
		},
		{
			name:     "html characters are not escaped",
			builder:  NewKeyBuilder("", ""),
			method:   "GET",
			path:     "search",
			query:    map[string]string{"term": "<a&b>"},
			expected: `GET:search:{"term":"<a&b>"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.builder.Build(tt.method, tt.path, tt.query); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestBuild_PermutedQueriesShareKey(t *testing.T) {
	b := NewKeyBuilder("apple-music", "")

	a, _ := url.ParseQuery("q=queen&limit=10&types=songs")
	c, _ := url.ParseQuery("types=songs&limit=10&q=queen")

	k1 := b.Build("GET", "/search", FlattenQuery(a))
	k2 := b.Build("GET", "/search", FlattenQuery(c))
	if k1 != k2 {
		t.Errorf("Expected identical keys, got %q and %q", k1, k2)
	}

	// Many maps built in different insertion orders
	for i := 0; i < 20; i++ {
		q := map[string]string{}
		keys := []string{"a", "b", "c", "d", "e"}
		for j := range keys {
			k := keys[(i+j)%len(keys)]
			q[k] = k + "v"
		}
		if got := b.Build("GET", "/x", q); got != b.Build("GET", "/x", map[string]string{"e": "ev", "d": "dv", "c": "cv", "b": "bv", "a": "av"}) {
			t.Fatalf("Iteration %d produced a different key: %q", i, got)
		}
	}
}

func TestFlattenQuery(t *testing.T) {
	if got := FlattenQuery(nil); got != nil {
		t.Errorf("Expected nil for empty query, got %v", got)
	}

	got := FlattenQuery(map[string][]string{"q": {"first", "second"}, "empty": {}})
	if got["q"] != "first" {
		t.Errorf("Expected first value, got %q", got["q"])
	}
	if v, ok := got["empty"]; !ok || v != "" {
		t.Errorf("Expected empty parameter to be kept as \"\", got %q (present=%v)", v, ok)
	}
}
