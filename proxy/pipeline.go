// Package proxy runs the per-request pipeline shared by every catalog route:
// rate check, L1 lookup, L2 lookup, upstream call, write-through, respond.
//
// An upstream refusal caused by an expired session credential notifies an
// operator, parks the request in the retry queue and answers 401. Both side
// effects are best-effort; neither can change the response.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"catalog-proxy-go/cache"
	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/ratelimit"
	"catalog-proxy-go/services/retryqueue"
	"catalog-proxy-go/services/upstream"
	"catalog-proxy-go/stats"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// notifyTimeout bounds the operator notification on the request path.
const notifyTimeout = 5 * time.Second

// Upstream is one proxied API.
type Upstream interface {
	Name() string
	CacheKey(r *http.Request) string
	CacheTTL() time.Duration
	Fetch(ctx context.Context, r *http.Request) ([]byte, error)
	// SessionCredential reports whether the upstream authenticates with a
	// session credential that can expire. Only those upstreams defer requests.
	SessionCredential() bool
}

// Limiter is the shared rate counter.
type Limiter interface {
	Allow(ctx context.Context, key string, p ratelimit.Policy) (ratelimit.Decision, error)
}

// ExpiryNotifier alerts an operator that the session credential must be
// refreshed.
type ExpiryNotifier interface {
	Notify(ctx context.Context) error
}

// Events receives pipeline events. *notifier.EventBus satisfies it.
type Events interface {
	PublishSessionExpired(upstream string, status int)
}

type Options struct {
	L1         *cache.Memory
	L2         *cache.Shared // nil disables the shared tier
	Limiter    Limiter       // nil disables the rate check
	Policy     ratelimit.Policy
	ClientKey  func(r *http.Request) string
	Queue      retryqueue.Queue // nil disables deferral
	RetryDelay time.Duration
	Notifier   ExpiryNotifier
	Events     Events
	Stats      *stats.Stats
	Now        func() time.Time
}

type Pipeline struct {
	l1         *cache.Memory
	l2         *cache.Shared
	limiter    Limiter
	policy     ratelimit.Policy
	clientKey  func(r *http.Request) string
	queue      retryqueue.Queue
	retryDelay time.Duration
	notifier   ExpiryNotifier
	events     Events
	stats      *stats.Stats
	now        func() time.Time

	flights singleflight.Group
}

// Result is a successful lookup.
type Result struct {
	Payload json.RawMessage
	Source  string
}

func New(opts Options) *Pipeline {
	if opts.ClientKey == nil {
		opts.ClientKey = remoteHost
	}
	if opts.Policy.Class == "" {
		opts.Policy = ratelimit.DefaultPolicies().For(ratelimit.ClassExternalAPI)
	}
	if opts.Stats == nil {
		opts.Stats = stats.Get()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		l1:         opts.L1,
		l2:         opts.L2,
		limiter:    opts.Limiter,
		policy:     opts.Policy,
		clientKey:  opts.ClientKey,
		queue:      opts.Queue,
		retryDelay: opts.RetryDelay,
		notifier:   opts.Notifier,
		events:     opts.Events,
		stats:      opts.Stats,
		now:        opts.Now,
	}
}

// Handle runs r through the pipeline. Errors are *RateLimitError,
// *SessionExpiredError (already notified and enqueued), other upstream
// errors, or request errors.
func (p *Pipeline) Handle(ctx context.Context, up Upstream, r *http.Request) (Result, error) {
	if err := p.checkRate(ctx, r); err != nil {
		return Result{}, err
	}

	key := up.CacheKey(r)

	if payload, ok := p.l1.Get(key); ok {
		p.stats.RecordCacheResult(stats.SourceL1)
		return Result{Payload: payload, Source: stats.SourceL1}, nil
	}

	if p.l2 != nil {
		if payload, ok := p.l2.Get(ctx, key); ok {
			p.l1.Set(key, payload)
			p.stats.RecordCacheResult(stats.SourceL2)
			return Result{Payload: payload, Source: stats.SourceL2}, nil
		}
	}

	payload, err := p.fetchShared(ctx, up, r, key)
	if err != nil {
		return Result{}, err
	}

	p.stats.RecordCacheResult(stats.SourceAPI)
	return Result{Payload: payload, Source: stats.SourceAPI}, nil
}

func (p *Pipeline) checkRate(ctx context.Context, r *http.Request) error {
	if p.limiter == nil {
		return nil
	}

	d, err := p.limiter.Allow(ctx, ratelimit.Key(p.policy.Class, p.clientKey(r)), p.policy)
	if err != nil {
		p.stats.RecordRateLimitError()
		log.Warnf("%s Rate check failed, allowing request: %v", logcolors.LogRateLimit, err)
		return nil
	}
	p.stats.RecordRateLimit(p.policy.Class, d.Allowed)
	if !d.Allowed {
		log.Debugf("%s %s over %d/%v", logcolors.LogRateLimit, p.clientKey(r), p.policy.Threshold, p.policy.Window)
		return rateLimitError(d)
	}
	return nil
}

// fetchShared collapses concurrent misses for one key into a single upstream
// call. The call keeps going if the caller that started it goes away. A
// session-expired failure is deferred once per flight, however many callers
// share it.
func (p *Pipeline) fetchShared(ctx context.Context, up Upstream, r *http.Request, key string) ([]byte, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := p.flights.DoChan(key, func() (interface{}, error) {
		payload, err := up.Fetch(flightCtx, r)
		if err != nil {
			if up.SessionCredential() && upstream.IsSessionExpired(err) {
				p.deferRequest(flightCtx, up, r, err)
				return nil, &SessionExpiredError{Upstream: up.Name(), Err: err}
			}
			return nil, err
		}
		p.populate(flightCtx, key, payload, up.CacheTTL())
		return payload, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// populate writes through to L2 first, then L1.
func (p *Pipeline) populate(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if p.l2 != nil {
		p.l2.Set(ctx, key, payload, ttl)
	}
	p.l1.Set(key, payload)
}

// deferRequest notifies and enqueues after a session-expired failure.
// Failures of either step are logged and counted only.
func (p *Pipeline) deferRequest(ctx context.Context, up Upstream, r *http.Request, cause error) {
	log.Warnf("%s %s session credential rejected: %v", logcolors.LogAuthError, logcolors.Upstream(up.Name()), cause)

	if p.events != nil {
		status := 0
		var upErr *upstream.Error
		if errors.As(cause, &upErr) {
			status = upErr.Status
		}
		p.events.PublishSessionExpired(up.Name(), status)
	}

	if p.notifier != nil {
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		if err := p.notifier.Notify(nctx); err != nil {
			log.Errorf("%s Session expiry notification failed: %v", logcolors.LogNotifier, err)
		}
		cancel()
	}

	if p.queue == nil {
		return
	}
	item := retryqueue.NewItem(up.Name(), r, p.now(), p.retryDelay)
	if err := p.queue.Enqueue(ctx, item); err != nil {
		p.stats.RecordEnqueue(false)
		log.Errorf("%s Failed to enqueue %s %s: %v", logcolors.LogRetryQueue, r.Method, r.URL.Path, err)
		return
	}
	p.stats.RecordEnqueue(true)
	log.Infof("%s Queued %s %s as %s, visible at %s", logcolors.LogRetryQueue,
		r.Method, r.URL.Path, item.ID, item.VisibleAt.Format(time.RFC3339))
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}
