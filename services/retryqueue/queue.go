// Package retryqueue holds requests that failed on an expired session
// credential until they can be replayed once with a fresh one.
//
// Items are claimed by removal: ClaimDue deletes what it returns in the same
// atomic step, so each item reaches at most one consumer. A replay that fails
// is logged and dropped, never re-enqueued.
package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrQueueUnavailable = errors.New("retry queue backend unavailable")

// Request is the captured inbound request.
type Request struct {
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query,omitempty"`
	Header map[string]string `json:"headers,omitempty"`
}

// Item is one queued failed request.
type Item struct {
	ID           string    `json:"id"`
	Upstream     string    `json:"upstream"`
	Request      Request   `json:"request"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	DelaySeconds int       `json:"delay_seconds"`
}

// Queue stores items until they become visible.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	// ClaimDue removes and returns up to max items with VisibleAt <= now,
	// oldest first.
	ClaimDue(ctx context.Context, now time.Time, max int) ([]Item, error)
	Len(ctx context.Context) (int, error)
}

// replayHeaders are the caller headers kept for replay. The caller's
// credential headers are kept so a proxy running on caller-supplied tokens can
// still replay; upstreams give a freshly read credential source precedence.
var replayHeaders = []string{
	"Accept", "Accept-Language", "Content-Type", "User-Agent", "Origin",
	"Authorization", "Music-User-Token",
}

// NewItem snapshots r for replay after delay.
func NewItem(upstream string, r *http.Request, now time.Time, delay time.Duration) Item {
	req := Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  flatten(r.URL.Query()),
	}
	for _, h := range replayHeaders {
		if v := r.Header.Get(h); v != "" {
			if req.Header == nil {
				req.Header = make(map[string]string)
			}
			req.Header[h] = v
		}
	}

	return Item{
		ID:           uuid.NewString(),
		Upstream:     upstream,
		Request:      req,
		EnqueuedAt:   now.UTC(),
		VisibleAt:    now.Add(delay).UTC(),
		DelaySeconds: int(delay / time.Second),
	}
}

// HTTPRequest rebuilds the captured request.
func (r Request) HTTPRequest() *http.Request {
	u := &url.URL{Path: r.Path}
	if len(r.Query) > 0 {
		q := make(url.Values, len(r.Query))
		for k, v := range r.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req := &http.Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header, len(r.Header)),
	}
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}
	return req
}

func (i Item) marshal() ([]byte, error) {
	return json.Marshal(i)
}

func unmarshalItem(data []byte) (Item, error) {
	var i Item
	err := json.Unmarshal(data, &i)
	return i, err
}

func flatten(values url.Values) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
