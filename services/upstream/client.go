// Package upstream performs the outbound catalog API calls.
//
// Spacing between calls is soft: each process keeps its own limiter, so N
// instances can together issue up to N times the configured rate. A hard
// fleet-wide ceiling is available through Quota, which reuses the shared
// fixed-window counters of package ratelimit.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"catalog-proxy-go/circuitbreaker"
	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/ratelimit"
	"catalog-proxy-go/stats"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 8 << 20

// Request is one outbound call. Path is relative to the client's base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

// QuotaCounter is the shared counter used for the optional global quota.
type QuotaCounter interface {
	Allow(ctx context.Context, key string, p ratelimit.Policy) (ratelimit.Decision, error)
}

// Quota is a fleet-wide ceiling of Limit calls per Window for one upstream.
type Quota struct {
	Counter QuotaCounter
	Limit   int
	Window  time.Duration
}

// Options configures a Client.
type Options struct {
	Name        string
	BaseURL     string
	Timeout     time.Duration
	MinInterval time.Duration // zero disables spacing
	UserAgent   string
	Transport   http.RoundTripper
	Breaker     *circuitbreaker.CircuitBreaker
	Quota       *Quota
	Stats       *stats.Stats
}

// Client calls one upstream.
type Client struct {
	name      string
	baseURL   string
	timeout   time.Duration
	userAgent string
	http      *http.Client
	spacing   *rate.Limiter
	breaker   *circuitbreaker.CircuitBreaker
	quota     *Quota
	stats     *stats.Stats
}

func NewClient(opts Options) (*Client, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("upstream client needs a name")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("upstream %s: invalid base URL %q", opts.Name, opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = NewTransport(nil)
	}
	if opts.Stats == nil {
		opts.Stats = stats.Get()
	}

	c := &Client{
		name:      opts.Name,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		http:      &http.Client{Transport: opts.Transport},
		breaker:   opts.Breaker,
		quota:     opts.Quota,
		stats:     opts.Stats,
	}
	if opts.MinInterval > 0 {
		c.spacing = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	return c, nil
}

func (c *Client) Name() string { return c.name }

// Breaker is nil when the client was built without one.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// Fetch performs req and returns the body of a 2xx response. Non-2xx
// responses come back as *Error.
//
// Waiting for spacing and quota honors ctx. The HTTP call itself runs on a
// context detached from ctx's cancellation and bounded by the client timeout,
// so a disconnecting caller does not abort a call already on the wire.
func (c *Client) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if c.spacing != nil {
		if err := c.spacing.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s spacing wait: %w", c.name, err)
		}
	}
	if err := c.waitQuota(ctx); err != nil {
		return nil, err
	}

	if c.breaker != nil && !c.breaker.Allow() {
		c.stats.RecordCircuitReject(c.name)
		return nil, fmt.Errorf("%s: %w (retry in %v)", c.name, circuitbreaker.ErrCircuitOpen, c.breaker.TimeUntilRetry().Round(time.Second))
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	httpReq, err := c.buildRequest(callCtx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.stats.RecordUpstreamCall(c.name, 0, time.Since(start))
		c.recordFailure()
		return nil, fmt.Errorf("%s request %s: %w", c.name, req.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.stats.RecordUpstreamCall(c.name, resp.StatusCode, time.Since(start))
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%s read body: %w", c.name, err)
	}

	log.Debugf("%s %s %s %s -> %d (%v)", logcolors.LogUpstream, logcolors.Upstream(c.name),
		httpReq.Method, httpReq.URL.Path, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode >= 500 {
		c.recordFailure()
		return nil, newError(c.name, resp.StatusCode, body)
	}
	c.recordSuccess()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upErr := newError(c.name, resp.StatusCode, body)
		if upErr.sessionExpired() {
			c.stats.RecordAuthFailure(c.name)
		}
		return nil, upErr
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("%s %s: %w", c.name, req.Path, ErrInvalidPayload)
	}
	return body, nil
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%s build request: %w", c.name, err)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	return httpReq, nil
}

// waitQuota blocks until the shared per-upstream counter admits a call.
// Counter failures let the call through.
func (c *Client) waitQuota(ctx context.Context) error {
	if c.quota == nil || c.quota.Counter == nil {
		return nil
	}
	policy := ratelimit.Policy{Class: "upstream", Threshold: c.quota.Limit, Window: c.quota.Window}
	key := ratelimit.Key(policy.Class, c.name)

	for {
		d, err := c.quota.Counter.Allow(ctx, key, policy)
		if err != nil {
			log.Warnf("%s %s quota check failed, continuing: %v", logcolors.LogUpstream, logcolors.Upstream(c.name), err)
			return nil
		}
		if d.Allowed {
			return nil
		}

		wait := d.RetryAfter
		if wait <= 0 || wait > c.quota.Window {
			wait = c.quota.Window
		}
		log.Debugf("%s %s global quota reached, waiting %v", logcolors.LogUpstream, logcolors.Upstream(c.name), wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s quota wait: %w", c.name, ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
}
