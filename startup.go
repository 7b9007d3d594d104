package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"catalog-proxy-go/cache"
	"catalog-proxy-go/circuitbreaker"
	"catalog-proxy-go/config"
	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/middleware"
	"catalog-proxy-go/proxy"
	"catalog-proxy-go/ratelimit"
	"catalog-proxy-go/services/applemusic"
	"catalog-proxy-go/services/credentials"
	"catalog-proxy-go/services/musicbrainz"
	"catalog-proxy-go/services/notifier"
	"catalog-proxy-go/services/retryqueue"
	"catalog-proxy-go/services/upstream"
	"catalog-proxy-go/stats"

	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"
	log "github.com/sirupsen/logrus"
)

const (
	tokenMonitorInterval = 6 * time.Hour
	dnsRefreshInterval   = 5 * time.Minute
	statsSaveInterval    = 5 * time.Minute
)

// route binds an upstream to the path prefix it is served under
type route struct {
	prefix   string
	upstream proxy.Upstream
	client   *upstream.Client
}

// app holds every long-lived component of the server
type app struct {
	cfg   config.Config
	redis *redis.Client
	stats *stats.Stats
	bus   *notifier.EventBus

	notifiers   []notifier.Notifier
	l1          *cache.Memory
	l2          *cache.Shared
	limiter     *ratelimit.Limiter
	credentials credentials.Source
	queue       retryqueue.Queue
	resolver    *dnscache.Resolver
	routes      []route
	pipeline    *proxy.Pipeline
	consumer    *retryqueue.Consumer
	monitor     *notifier.TokenMonitor
	statsStore  *stats.Store

	closers []func() error
}

func getNotifierTypeName(n notifier.Notifier) string {
	switch n.(type) {
	case *notifier.EmailNotifier:
		return "email"
	case *notifier.TelegramNotifier:
		return "telegram"
	case *notifier.NtfyNotifier:
		return "ntfy"
	default:
		return "unknown"
	}
}

func setupNotifiers(cfg config.Config) []notifier.Notifier {
	var notifiers []notifier.Notifier
	nc := cfg.Notifier

	if nc.SMTPHost != "" {
		notifiers = append(notifiers, &notifier.EmailNotifier{
			SMTPHost:     nc.SMTPHost,
			SMTPPort:     nc.SMTPPort,
			SMTPUsername: nc.SMTPUsername,
			SMTPPassword: nc.SMTPPassword,
			FromEmail:    nc.FromEmail,
			ToEmail:      nc.ToEmail,
		})
		log.Infof("%s Email notifier enabled", logcolors.LogNotifier)
	}

	if nc.TelegramBotToken != "" {
		notifiers = append(notifiers, &notifier.TelegramNotifier{
			BotToken: nc.TelegramBotToken,
			ChatID:   nc.TelegramChatID,
		})
		log.Infof("%s Telegram notifier enabled", logcolors.LogNotifier)
	}

	if nc.NtfyTopic != "" {
		notifiers = append(notifiers, &notifier.NtfyNotifier{
			Topic:  nc.NtfyTopic,
			Server: nc.NtfyServer,
		})
		log.Infof("%s Ntfy.sh notifier enabled", logcolors.LogNotifier)
	}

	return notifiers
}

func setupCredentials(cfg config.Config, rdb redis.Cmdable) credentials.Source {
	cc := cfg.Credentials
	if cc.Backend == "redis" {
		log.Infof("%s Reading tokens from Redis keys %s, %s", logcolors.LogCredentials, cc.DeveloperTokenKey, cc.SessionTokenKey)
		return credentials.NewRedisSource(rdb, credentials.RedisSourceOptions{
			DeveloperTokenKey: cc.DeveloperTokenKey,
			SessionTokenKey:   cc.SessionTokenKey,
			Location:          cc.SessionTokenLocation,
			Timeout:           cfg.RedisTimeout(),
		})
	}

	if cfg.AppleMusic.DeveloperToken == "" {
		log.Warnf("%s APPLE_MUSIC_DEVELOPER_TOKEN is not set, relying on caller-supplied tokens", logcolors.LogCredentials)
	}
	return credentials.NewStatic(cfg.AppleMusic.DeveloperToken, cfg.AppleMusic.SessionToken, cc.SessionTokenLocation)
}

func setupQueue(cfg config.Config, rdb redis.Cmdable) (retryqueue.Queue, func() error, error) {
	rq := cfg.RetryQueue
	if rq.Backend == "bolt" {
		q, err := retryqueue.NewBoltQueue(rq.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return q, q.Close, nil
	}
	log.Infof("%s Using Redis sorted set %s", logcolors.LogRetryQueue, rq.RedisKey)
	return retryqueue.NewRedisQueue(rdb, rq.RedisKey, cfg.RedisTimeout()), nil, nil
}

// newUpstreamClient builds a client with its own breaker. perSecond > 0 adds
// the fleet-wide quota when the feature flag is on.
func (a *app) newUpstreamClient(name, baseURL, userAgent string, timeout, spacing time.Duration, perSecond int) (*upstream.Client, error) {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:      name,
		Threshold: a.cfg.CircuitBreaker.Threshold,
		Cooldown:  a.cfg.CircuitBreakerCooldown(),
		Events:    a.bus,
	})

	opts := upstream.Options{
		Name:        name,
		BaseURL:     baseURL,
		Timeout:     timeout,
		MinInterval: spacing,
		UserAgent:   userAgent,
		Transport:   upstream.NewTransport(a.resolver),
		Breaker:     breaker,
		Stats:       a.stats,
	}
	if a.cfg.FeatureFlags.GlobalUpstreamQuota && perSecond > 0 {
		opts.Quota = &upstream.Quota{Counter: a.limiter, Limit: perSecond, Window: time.Second}
		log.Infof("%s %s global quota: %d/s", logcolors.LogConfig, logcolors.Upstream(name), perSecond)
	}
	return upstream.NewClient(opts)
}

func (a *app) setupUpstreams() error {
	am := a.cfg.AppleMusic
	appleClient, err := a.newUpstreamClient(applemusic.Name, am.BaseURL, "",
		time.Duration(am.TimeoutSecs)*time.Second, a.cfg.AppleMusicMinInterval(), perSecond(a.cfg.AppleMusicMinInterval()))
	if err != nil {
		return err
	}
	apple := applemusic.New(applemusic.Options{
		Client:      appleClient,
		Credentials: a.credentials,
		RoutePrefix: am.RoutePrefix,
		CacheTTL:    time.Duration(a.cfg.Cache.AppleMusicTTLSeconds) * time.Second,
	})

	mb := a.cfg.MusicBrainz
	mbClient, err := a.newUpstreamClient(musicbrainz.Name, mb.BaseURL, mb.UserAgent,
		time.Duration(mb.TimeoutSecs)*time.Second, a.cfg.MusicBrainzMinInterval(), mb.MaxRequestsPerSecond)
	if err != nil {
		return err
	}
	brainz := musicbrainz.New(musicbrainz.Options{
		Client:      mbClient,
		RoutePrefix: mb.RoutePrefix,
		CacheTTL:    time.Duration(a.cfg.Cache.MusicBrainzTTLSeconds) * time.Second,
	})

	a.routes = []route{
		{prefix: am.RoutePrefix, upstream: apple, client: appleClient},
		{prefix: mb.RoutePrefix, upstream: brainz, client: mbClient},
	}
	return nil
}

func perSecond(spacing time.Duration) int {
	if spacing <= 0 {
		return 0
	}
	n := int(time.Second / spacing)
	if n < 1 {
		n = 1
	}
	return n
}

// newApp wires every component. Nothing is started; see start.
func newApp(cfg config.Config, rdb *redis.Client) (*app, error) {
	a := &app{
		cfg:   cfg,
		redis: rdb,
		stats: stats.Get(),
		bus:   notifier.NewEventBus(),
	}

	a.notifiers = setupNotifiers(cfg)
	if len(a.notifiers) == 0 {
		log.Warnf("%s No notifiers configured, expiry alerts will only be logged", logcolors.LogNotifier)
	}
	notifier.NewAlertHandler(notifier.AlertConfig{
		Notifiers:        a.notifiers,
		CooldownDuration: time.Duration(cfg.Notifier.AlertCooldownMins) * time.Minute,
	}).Start(a.bus)

	l1, err := cache.NewMemory(cache.MemoryOptions{
		TTL:        cfg.L1TTL(),
		MaxEntries: cfg.Cache.L1MaxEntries,
	})
	if err != nil {
		return nil, err
	}
	a.l1 = l1
	a.l2 = cache.NewShared(rdb, cache.SharedOptions{
		Timeout:     cfg.RedisTimeout(),
		Compression: cfg.FeatureFlags.CacheCompression,
		Stats:       a.stats,
	})
	a.limiter = ratelimit.New(rdb,
		ratelimit.WithFallbackRetryAfter(time.Duration(cfg.RateLimit.FallbackRetryAfterSecs)*time.Second))

	a.credentials = setupCredentials(cfg, rdb)

	queue, closeQueue, err := setupQueue(cfg, rdb)
	if err != nil {
		return nil, fmt.Errorf("open retry queue: %w", err)
	}
	a.queue = queue
	if closeQueue != nil {
		a.closers = append(a.closers, closeQueue)
	}

	if cfg.FeatureFlags.DNSCache {
		a.resolver = &dnscache.Resolver{}
	}
	if err := a.setupUpstreams(); err != nil {
		return nil, fmt.Errorf("configure upstreams: %w", err)
	}

	trustForwarded := cfg.Server.TrustForwardedFor
	a.pipeline = proxy.New(proxy.Options{
		L1:         a.l1,
		L2:         a.l2,
		Limiter:    a.limiter,
		Policy:     cfg.RatePolicies().For(ratelimit.ClassExternalAPI),
		ClientKey:  func(r *http.Request) string { return middleware.ClientIP(r, trustForwarded) },
		Queue:      a.queue,
		RetryDelay: cfg.RetryDelay(),
		Notifier: notifier.NewSessionExpiryNotifier(notifier.SessionExpiryConfig{
			Notifiers: a.notifiers,
			Location:  a.credentials.Location(),
			Cooldown:  time.Duration(cfg.Notifier.AlertCooldownMins) * time.Minute,
			Stats:     a.stats,
		}),
		Events: a.bus,
		Stats:  a.stats,
	})

	replayers := make(map[string]retryqueue.Replayer, len(a.routes))
	for _, rt := range a.routes {
		replayers[rt.upstream.Name()] = a.pipeline.Replayer(rt.upstream)
	}
	a.consumer, err = retryqueue.NewConsumer(retryqueue.ConsumerOptions{
		Queue:       a.queue,
		Replayers:   replayers,
		BatchSize:   cfg.RetryQueue.BatchSize,
		Concurrency: cfg.RetryQueue.Concurrency,
		Events:      a.bus,
		Stats:       a.stats,
	})
	if err != nil {
		return nil, err
	}

	if len(a.notifiers) > 0 {
		a.monitor = notifier.NewTokenMonitor(notifier.MonitorConfig{
			Source:           a.credentials,
			WarningThreshold: cfg.Notifier.TokenWarningDays,
			ReminderInterval: cfg.Notifier.ReminderHours,
			StateFile:        cfg.Notifier.MonitorStateFile,
			Notifiers:        a.notifiers,
		})
	}

	if cfg.Server.StatsDBPath != "" {
		store, err := stats.NewStore(cfg.Server.StatsDBPath, a.stats)
		if err != nil {
			log.Warnf("%s Stats persistence disabled: %v", logcolors.LogStats, err)
		} else {
			if err := store.Load(); err != nil {
				log.Warnf("%s Failed to load persisted stats: %v", logcolors.LogStats, err)
			}
			a.statsStore = store
		}
	}

	return a, nil
}

// start launches the background loops. They stop when ctx is done.
func (a *app) start(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		log.Warnf("%s Redis unreachable at startup, shared cache and rate limits degrade: %v", logcolors.LogRedis, err)
		a.bus.PublishCacheUnavailable(err)
	} else {
		log.Infof("%s Connected to %s", logcolors.LogRedis, a.cfg.Redis.Addr)
	}
	cancel()

	if a.resolver != nil {
		go upstream.RefreshDNS(ctx, a.resolver, dnsRefreshInterval)
	}

	if a.cfg.FeatureFlags.RetryWorker {
		go a.consumer.Run(ctx, time.Duration(a.cfg.RetryQueue.PollIntervalSecs)*time.Second)
	} else {
		log.Infof("%s Background worker disabled, use POST /retry-queue/drain", logcolors.LogRetryQueue)
	}

	if a.monitor != nil {
		go a.monitor.Run(ctx, tokenMonitorInterval)
	} else {
		log.Infof("%s No notifiers configured, developer token monitoring disabled", logcolors.LogTokenMonitor)
	}

	if a.statsStore != nil {
		a.statsStore.StartAutoSave(ctx, statsSaveInterval)
	}
}

// close releases resources after the background loops have been cancelled
func (a *app) close() {
	if a.statsStore != nil {
		if err := a.statsStore.Close(); err != nil {
			log.Warnf("%s Failed to close stats store: %v", logcolors.LogStats, err)
		}
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warnf("%s Close failed: %v", logcolors.LogServer, err)
		}
	}
	if err := a.redis.Close(); err != nil {
		log.Warnf("%s Failed to close client: %v", logcolors.LogRedis, err)
	}
}

func (a *app) upstreamNames() []string {
	names := make([]string, 0, len(a.routes))
	for _, rt := range a.routes {
		names = append(names, rt.upstream.Name())
	}
	return names
}
