package retryqueue

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client, "retry-queue:test", time.Second), mr
}

func setupBoltQueue(t *testing.T) *BoltQueue {
	t.Helper()
	q, err := NewBoltQueue(filepath.Join(t.TempDir(), "nested", "queue.db"))
	if err != nil {
		t.Fatalf("Failed to open bolt queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func testItem(path string, visibleAt time.Time) Item {
	r := httptest.NewRequest("GET", path+"?l=en-US", nil)
	r.Header.Set("Accept-Language", "en-US")
	return NewItem("apple-music", r, visibleAt.Add(-5*time.Minute), 5*time.Minute)
}

func TestNewItem(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/apple-music/catalog/us/songs/1?l=en-US&include=albums", nil)
	r.Header.Set("Authorization", "Bearer stale-dev-token")
	r.Header.Set("Music-User-Token", "stale-session")
	r.Header.Set("Accept-Language", "en-US")
	r.Header.Set("Cookie", "session=abc")

	item := NewItem("apple-music", r, testNow, 300*time.Second)

	if item.ID == "" {
		t.Error("Expected an item id")
	}
	if item.DelaySeconds != 300 {
		t.Errorf("Expected delay 300, got %d", item.DelaySeconds)
	}
	if !item.VisibleAt.Equal(testNow.Add(300 * time.Second)) {
		t.Errorf("Expected visibleAt %v, got %v", testNow.Add(300*time.Second), item.VisibleAt)
	}
	if item.Request.Query["include"] != "albums" || item.Request.Query["l"] != "en-US" {
		t.Errorf("Unexpected query %v", item.Request.Query)
	}
	if item.Request.Header["Authorization"] != "Bearer stale-dev-token" {
		t.Errorf("Expected Authorization to be captured, got %v", item.Request.Header)
	}
	if item.Request.Header["Music-User-Token"] != "stale-session" {
		t.Errorf("Expected Music-User-Token to be captured, got %v", item.Request.Header)
	}
	if _, ok := item.Request.Header["Cookie"]; ok {
		t.Error("Expected Cookie not to be captured")
	}
	if item.Request.Header["Accept-Language"] != "en-US" {
		t.Errorf("Expected Accept-Language to be kept, got %v", item.Request.Header)
	}
}

func TestRequest_HTTPRequest(t *testing.T) {
	req := Request{
		Method: "get",
		Path:   "/api/v1/musicbrainz/artist",
		Query:  map[string]string{"query": "queen", "limit": "5"},
		Header: map[string]string{"Accept": "application/json"},
	}

	r := req.HTTPRequest()
	if r.Method != "GET" {
		t.Errorf("Expected GET, got %s", r.Method)
	}
	if r.URL.Path != "/api/v1/musicbrainz/artist" {
		t.Errorf("Unexpected path %s", r.URL.Path)
	}
	if r.URL.Query().Get("query") != "queen" || r.URL.Query().Get("limit") != "5" {
		t.Errorf("Unexpected query %s", r.URL.RawQuery)
	}
	if r.Header.Get("Accept") != "application/json" {
		t.Errorf("Expected Accept header, got %q", r.Header.Get("Accept"))
	}
}

func TestQueues_ClaimDue(t *testing.T) {
	redisQueue, _ := setupRedisQueue(t)

	backends := map[string]Queue{
		"redis": redisQueue,
		"bolt":  setupBoltQueue(t),
	}

	for name, q := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			due1 := testItem("/catalog/us/songs/1", testNow.Add(-2*time.Minute))
			due2 := testItem("/catalog/us/songs/2", testNow.Add(-time.Minute))
			atNow := testItem("/catalog/us/songs/3", testNow)
			later := testItem("/catalog/us/songs/4", testNow.Add(time.Minute))

			for _, item := range []Item{later, due2, atNow, due1} {
				if err := q.Enqueue(ctx, item); err != nil {
					t.Fatalf("Enqueue failed: %v", err)
				}
			}

			if n, _ := q.Len(ctx); n != 4 {
				t.Fatalf("Expected 4 items, got %d", n)
			}

			items, err := q.ClaimDue(ctx, testNow, 2)
			if err != nil {
				t.Fatalf("ClaimDue failed: %v", err)
			}
			if len(items) != 2 {
				t.Fatalf("Expected 2 items, got %d", len(items))
			}
			if items[0].ID != due1.ID || items[1].ID != due2.ID {
				t.Errorf("Expected oldest first, got %s then %s", items[0].Request.Path, items[1].Request.Path)
			}

			items, _ = q.ClaimDue(ctx, testNow, 10)
			if len(items) != 1 || items[0].ID != atNow.ID {
				t.Fatalf("Expected only the item visible at now, got %d items", len(items))
			}

			// Claimed items are gone
			items, _ = q.ClaimDue(ctx, testNow, 10)
			if len(items) != 0 {
				t.Errorf("Expected no more due items, got %d", len(items))
			}
			if n, _ := q.Len(ctx); n != 1 {
				t.Errorf("Expected 1 pending item, got %d", n)
			}

			items, _ = q.ClaimDue(ctx, testNow.Add(time.Hour), 10)
			if len(items) != 1 || items[0].Request.Query["l"] != "en-US" {
				t.Errorf("Expected the later item intact, got %+v", items)
			}
		})
	}
}

func TestRedisQueue_Unavailable(t *testing.T) {
	q, mr := setupRedisQueue(t)
	mr.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testItem("/x", testNow)); err == nil {
		t.Error("Expected enqueue error")
	}
	if _, err := q.ClaimDue(ctx, testNow, 1); err == nil {
		t.Error("Expected claim error")
	}
	if _, err := q.Len(ctx); err == nil {
		t.Error("Expected len error")
	}
}

func TestBoltQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := NewBoltQueue(path)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	item := testItem("/catalog/us/albums/9", testNow)
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	q.Close()

	q, err = NewBoltQueue(path)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer q.Close()

	items, err := q.ClaimDue(ctx, testNow, 5)
	if err != nil {
		t.Fatalf("ClaimDue failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != item.ID {
		t.Errorf("Expected the item to survive a reopen, got %+v", items)
	}
}
