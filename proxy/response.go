package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/ratelimit"
	"catalog-proxy-go/stats"

	log "github.com/sirupsen/logrus"
)

// payloadBody wraps a passed-through upstream payload.
type payloadBody struct {
	Data   json.RawMessage `json:"data"`
	Source string          `json:"source"`
}

// Response writes pipeline results with the standard headers.
type Response struct {
	w           http.ResponseWriter
	cacheStatus string
	upstream    string
}

func Respond(w http.ResponseWriter) *Response {
	return &Response{w: w}
}

// SetUpstream sets the X-Upstream header value
func (a *Response) SetUpstream(name string) *Response {
	a.upstream = name
	return a
}

func (a *Response) writeHeaders() {
	a.w.Header().Set("Content-Type", "application/json")
	if a.cacheStatus != "" {
		a.w.Header().Set("X-Cache-Status", a.cacheStatus)
	}
	if a.upstream != "" {
		a.w.Header().Set("X-Upstream", a.upstream)
	}
}

// Result writes a 200 with the payload and where it came from.
func (a *Response) Result(res Result) error {
	a.cacheStatus = "MISS"
	if res.Source == stats.SourceL1 || res.Source == stats.SourceL2 {
		a.cacheStatus = "HIT"
	}
	a.w.Header().Set("Cache-Control", "max-age=60")
	a.writeHeaders()
	return json.NewEncoder(a.w).Encode(payloadBody{Data: res.Payload, Source: res.Source})
}

// Error maps err to its status and body. Rate limit rejections carry the
// Retry-After and X-RateLimit-* headers.
func (a *Response) Error(err error) error {
	status, body := classify(err)

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		a.w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(rateErr.RetryAfter)))
		a.w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rateErr.Limit))
		a.w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rateErr.Remaining))
	}
	if status >= 500 {
		log.Errorf("%s %s: %v", logcolors.LogRequest, http.StatusText(status), err)
	}

	a.writeHeaders()
	a.w.WriteHeader(status)
	return json.NewEncoder(a.w).Encode(body)
}

// Handler serves up through the pipeline.
func (p *Pipeline) Handler(up Upstream) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := p.Handle(r.Context(), up, r)
		if err != nil {
			Respond(w).SetUpstream(up.Name()).Error(err)
			return
		}
		Respond(w).SetUpstream(up.Name()).Result(res)
	})
}
