package retryqueue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/stats"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Replayer re-executes a captured request with a freshly fetched credential.
type Replayer interface {
	Replay(ctx context.Context, item Item) error
}

// FailureEvents receives replay failures. *notifier.EventBus satisfies it.
type FailureEvents interface {
	PublishReplayFailed(upstream, path string, err error)
}

type ConsumerOptions struct {
	Queue       Queue
	Replayers   map[string]Replayer
	BatchSize   int
	Concurrency int
	Events      FailureEvents
	Stats       *stats.Stats
	Now         func() time.Time
}

// Consumer drains due items and replays each one once.
type Consumer struct {
	queue       Queue
	replayers   map[string]Replayer
	batchSize   int
	concurrency int
	events      FailureEvents
	stats       *stats.Stats
	now         func() time.Time
}

// Report summarizes one ProcessDue pass.
type Report struct {
	Claimed   int `json:"claimed"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("retry consumer requires a queue")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Stats == nil {
		opts.Stats = stats.Get()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Consumer{
		queue:       opts.Queue,
		replayers:   opts.Replayers,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		events:      opts.Events,
		stats:       opts.Stats,
		now:         opts.Now,
	}, nil
}

// ProcessDue claims one batch of due items and replays them. Items succeed or
// fail independently; a failed item is logged and dropped.
func (c *Consumer) ProcessDue(ctx context.Context) Report {
	var report Report

	items, err := c.queue.ClaimDue(ctx, c.now(), c.batchSize)
	if err != nil {
		log.Errorf("%s Failed to claim due items: %v", logcolors.LogRetryQueue, err)
		return report
	}
	report.Claimed = len(items)

	var replayed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, item := range items {
		g.Go(func() error {
			if err := c.replay(gctx, item); err != nil {
				failed.Add(1)
				c.stats.RecordReplay(false)
				log.Warnf("%s Replay of %s %s (%s) failed: %v", logcolors.LogReplay,
					item.Request.Method, item.Request.Path, item.ID, err)
				if c.events != nil {
					c.events.PublishReplayFailed(item.Upstream, item.Request.Path, err)
				}
				return nil
			}
			replayed.Add(1)
			c.stats.RecordReplay(true)
			log.Infof("%s Replayed %s %s (%s)", logcolors.LogReplay,
				item.Request.Method, item.Request.Path, item.ID)
			return nil
		})
	}
	g.Wait()

	report.Replayed = int(replayed.Load())
	report.Failed = int(failed.Load())

	if n, err := c.queue.Len(ctx); err == nil {
		report.Remaining = n
		stats.RetryQueueDepth.Set(float64(n))
	}
	return report
}

func (c *Consumer) replay(ctx context.Context, item Item) error {
	r, ok := c.replayers[item.Upstream]
	if !ok {
		return fmt.Errorf("no replayer for upstream %q", item.Upstream)
	}
	return r.Replay(ctx, item)
}

// Run polls the queue until ctx is done.
func (c *Consumer) Run(ctx context.Context, interval time.Duration) {
	log.Infof("%s Retry worker started (every %v, batch %d)", logcolors.LogRetryQueue, interval, c.batchSize)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("%s Retry worker stopped", logcolors.LogRetryQueue)
			return
		case <-ticker.C:
			report := c.ProcessDue(ctx)
			if report.Claimed > 0 {
				log.Infof("%s Processed %d items (%d replayed, %d failed, %d remaining)",
					logcolors.LogRetryQueue, report.Claimed, report.Replayed, report.Failed, report.Remaining)
			}
		}
	}
}
