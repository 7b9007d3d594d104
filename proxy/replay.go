package proxy

import (
	"context"
	"fmt"

	"catalog-proxy-go/services/retryqueue"
)

type replayer struct {
	p  *Pipeline
	up Upstream
}

// Replayer re-runs queued requests for up. It skips the rate check and the
// cache lookups, fetches with whatever credential the upstream reads now, and
// writes a successful payload through to both tiers so the caller's own retry
// is a cache hit. A failed replay is never enqueued again.
func (p *Pipeline) Replayer(up Upstream) retryqueue.Replayer {
	return &replayer{p: p, up: up}
}

func (r *replayer) Replay(ctx context.Context, item retryqueue.Item) error {
	req := item.Request.HTTPRequest().WithContext(ctx)

	payload, err := r.up.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("replay %s %s: %w", item.Request.Method, item.Request.Path, err)
	}
	r.p.populate(ctx, r.up.CacheKey(req), payload, r.up.CacheTTL())
	return nil
}
