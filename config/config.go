package config

import (
	"fmt"
	"time"

	"catalog-proxy-go/ratelimit"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

var conf = mustLoad()

var validate = validator.New()

type Config struct {
	Server struct {
		Port                string   `envconfig:"PORT" default:"8080"`
		AllowedOrigins      []string `envconfig:"ALLOWED_ORIGINS" default:"https://music.mariolopez.org,https://www.music.mariolopez.org,http://localhost:3000"`
		AdminAPIKey         string   `envconfig:"ADMIN_API_KEY" default:""`
		TrustForwardedFor   bool     `envconfig:"TRUST_FORWARDED_FOR" default:"true"`
		LogLevel            string   `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
		ShutdownTimeoutSecs int      `envconfig:"SHUTDOWN_TIMEOUT_SECS" default:"15" validate:"min=1"`
		StatsDBPath         string   `envconfig:"STATS_DB_PATH" default:"./data/stats.db"`
	}

	Redis struct {
		Addr               string `envconfig:"REDIS_ADDR" default:"localhost:6379" validate:"required"`
		Password           string `envconfig:"REDIS_PASSWORD" default:""`
		DB                 int    `envconfig:"REDIS_DB" default:"0" validate:"min=0"`
		OperationTimeoutMs int    `envconfig:"REDIS_OPERATION_TIMEOUT_MS" default:"250" validate:"min=1"`
	}

	Cache struct {
		L1TTLSeconds          int `envconfig:"L1_CACHE_TTL_SECONDS" default:"60" validate:"min=1"`
		L1MaxEntries          int `envconfig:"L1_CACHE_MAX_ENTRIES" default:"10000" validate:"min=1"`
		AppleMusicTTLSeconds  int `envconfig:"APPLE_MUSIC_CACHE_TTL_SECONDS" default:"300" validate:"min=1"`
		MusicBrainzTTLSeconds int `envconfig:"MUSICBRAINZ_CACHE_TTL_SECONDS" default:"3600" validate:"min=1"`
	}

	RateLimit struct {
		ExternalAPIThreshold   int `envconfig:"RATE_LIMIT_EXTERNAL_API_THRESHOLD" default:"30" validate:"min=1"`
		ExternalAPIWindowSecs  int `envconfig:"RATE_LIMIT_EXTERNAL_API_WINDOW_SECS" default:"60" validate:"min=1"`
		AdminThreshold         int `envconfig:"RATE_LIMIT_ADMIN_THRESHOLD" default:"100" validate:"min=1"`
		AdminWindowSecs        int `envconfig:"RATE_LIMIT_ADMIN_WINDOW_SECS" default:"60" validate:"min=1"`
		ReadThreshold          int `envconfig:"RATE_LIMIT_READ_THRESHOLD" default:"30" validate:"min=1"`
		ReadWindowSecs         int `envconfig:"RATE_LIMIT_READ_WINDOW_SECS" default:"60" validate:"min=1"`
		WriteThreshold         int `envconfig:"RATE_LIMIT_WRITE_THRESHOLD" default:"10" validate:"min=1"`
		WriteWindowSecs        int `envconfig:"RATE_LIMIT_WRITE_WINDOW_SECS" default:"60" validate:"min=1"`
		FallbackRetryAfterSecs int `envconfig:"RATE_LIMIT_FALLBACK_RETRY_AFTER_SECS" default:"60" validate:"min=1"`
	}

	AppleMusic struct {
		BaseURL        string `envconfig:"APPLE_MUSIC_API_BASE_URL" default:"https://api.music.apple.com/v1" validate:"url"`
		RoutePrefix    string `envconfig:"APPLE_MUSIC_ROUTE_PREFIX" default:"/api/v1/apple-music" validate:"startswith=/"`
		MinIntervalMs  int    `envconfig:"APPLE_MUSIC_MIN_INTERVAL_MS" default:"0" validate:"min=0"`
		TimeoutSecs    int    `envconfig:"APPLE_MUSIC_TIMEOUT_SECS" default:"10" validate:"min=1"`
		DeveloperToken string `envconfig:"APPLE_MUSIC_DEVELOPER_TOKEN" default:""`
		SessionToken   string `envconfig:"APPLE_MUSIC_USER_TOKEN" default:""`
	}

	MusicBrainz struct {
		BaseURL              string `envconfig:"MUSICBRAINZ_API_BASE_URL" default:"https://musicbrainz.org/ws/2" validate:"url"`
		RoutePrefix          string `envconfig:"MUSICBRAINZ_ROUTE_PREFIX" default:"/api/v1/musicbrainz" validate:"startswith=/"`
		UserAgent            string `envconfig:"MUSICBRAINZ_USER_AGENT" default:"music.mariolopez.org/1.0 (mario@mariolopez.org)" validate:"required"`
		MaxRequestsPerSecond int    `envconfig:"MUSICBRAINZ_MAX_REQUESTS_PER_SECOND" default:"1" validate:"min=1"`
		TimeoutSecs          int    `envconfig:"MUSICBRAINZ_TIMEOUT_SECS" default:"10" validate:"min=1"`
	}

	Credentials struct {
		Backend           string `envconfig:"CREDENTIALS_BACKEND" default:"env" validate:"oneof=env redis"`
		DeveloperTokenKey string `envconfig:"CREDENTIALS_DEVELOPER_TOKEN_KEY" default:"credentials:apple-music:developer-token"`
		SessionTokenKey   string `envconfig:"CREDENTIALS_SESSION_TOKEN_KEY" default:"credentials:apple-music:user-token"`
		// Where an operator refreshes the session token by hand; quoted in notifications
		SessionTokenLocation string `envconfig:"CREDENTIALS_SESSION_TOKEN_LOCATION" default:"/Music/AdminPanel/MUT"`
	}

	RetryQueue struct {
		Backend             string `envconfig:"RETRY_QUEUE_BACKEND" default:"redis" validate:"oneof=redis bolt"`
		RedisKey            string `envconfig:"RETRY_QUEUE_REDIS_KEY" default:"retry-queue:failed-requests"`
		BoltPath            string `envconfig:"RETRY_QUEUE_BOLT_PATH" default:"./data/retry-queue.db"`
		VisibilityDelaySecs int    `envconfig:"RETRY_QUEUE_VISIBILITY_DELAY_SECS" default:"300" validate:"min=0"`
		PollIntervalSecs    int    `envconfig:"RETRY_QUEUE_POLL_INTERVAL_SECS" default:"30" validate:"min=1"`
		BatchSize           int    `envconfig:"RETRY_QUEUE_BATCH_SIZE" default:"10" validate:"min=1"`
		Concurrency         int    `envconfig:"RETRY_QUEUE_CONCURRENCY" default:"4" validate:"min=1"`
	}

	Notifier struct {
		SMTPHost          string `envconfig:"NOTIFIER_SMTP_HOST" default:""`
		SMTPPort          string `envconfig:"NOTIFIER_SMTP_PORT" default:"587"`
		SMTPUsername      string `envconfig:"NOTIFIER_SMTP_USERNAME" default:""`
		SMTPPassword      string `envconfig:"NOTIFIER_SMTP_PASSWORD" default:""`
		FromEmail         string `envconfig:"NOTIFIER_FROM_EMAIL" default:""`
		ToEmail           string `envconfig:"NOTIFIER_TO_EMAIL" default:""`
		TelegramBotToken  string `envconfig:"NOTIFIER_TELEGRAM_BOT_TOKEN" default:""`
		TelegramChatID    string `envconfig:"NOTIFIER_TELEGRAM_CHAT_ID" default:""`
		NtfyTopic         string `envconfig:"NOTIFIER_NTFY_TOPIC" default:""`
		NtfyServer        string `envconfig:"NOTIFIER_NTFY_SERVER" default:"https://ntfy.sh"`
		AlertCooldownMins int    `envconfig:"NOTIFIER_ALERT_COOLDOWN_MINS" default:"15" validate:"min=0"`
		TokenWarningDays  int    `envconfig:"NOTIFIER_TOKEN_WARNING_DAYS" default:"7" validate:"min=1"`
		ReminderHours     int    `envconfig:"NOTIFIER_REMINDER_HOURS" default:"24" validate:"min=1"`
		MonitorStateFile  string `envconfig:"NOTIFIER_MONITOR_STATE_FILE" default:"/tmp/catalog-proxy-token-monitor.state"`
	}

	CircuitBreaker struct {
		Threshold    int `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5" validate:"min=1"`
		CooldownSecs int `envconfig:"CIRCUIT_BREAKER_COOLDOWN_SECS" default:"300" validate:"min=1"`
	}

	FeatureFlags struct {
		CacheCompression    bool `envconfig:"FF_CACHE_COMPRESSION" default:"false"`
		DNSCache            bool `envconfig:"FF_DNS_CACHE" default:"true"`
		GlobalUpstreamQuota bool `envconfig:"FF_GLOBAL_UPSTREAM_QUOTA" default:"false"`
		RetryWorker         bool `envconfig:"FF_RETRY_WORKER" default:"true"`
	}
}

// load loads the configuration from the environment.
func load() (Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Warnf("Error loading env config: %v", err)
	}

	cfg := Config{}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func mustLoad() Config {
	c, err := load()
	if err != nil {
		log.WithError(err).Warnf("Unable to load configuration")
	}

	return c
}

func Get() Config {
	return conf
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// L1TTL is the process-local cache lifetime
func (c Config) L1TTL() time.Duration { return seconds(c.Cache.L1TTLSeconds) }

// RedisTimeout bounds every shared-cache and rate-limit call
func (c Config) RedisTimeout() time.Duration {
	return time.Duration(c.Redis.OperationTimeoutMs) * time.Millisecond
}

// AppleMusicMinInterval is the soft spacing between Apple Music calls
func (c Config) AppleMusicMinInterval() time.Duration {
	return time.Duration(c.AppleMusic.MinIntervalMs) * time.Millisecond
}

// MusicBrainzMinInterval derives spacing from the published per-second quota
func (c Config) MusicBrainzMinInterval() time.Duration {
	return time.Second / time.Duration(c.MusicBrainz.MaxRequestsPerSecond)
}

// RetryDelay is how long a failed request stays invisible in the retry queue
func (c Config) RetryDelay() time.Duration { return seconds(c.RetryQueue.VisibilityDelaySecs) }

// RatePolicies builds the per-caller-class rate limit policies
func (c Config) RatePolicies() ratelimit.Policies {
	rl := c.RateLimit
	return ratelimit.Policies{
		ratelimit.ClassExternalAPI: {Class: ratelimit.ClassExternalAPI, Threshold: rl.ExternalAPIThreshold, Window: seconds(rl.ExternalAPIWindowSecs)},
		ratelimit.ClassAdmin:       {Class: ratelimit.ClassAdmin, Threshold: rl.AdminThreshold, Window: seconds(rl.AdminWindowSecs)},
		ratelimit.ClassRead:        {Class: ratelimit.ClassRead, Threshold: rl.ReadThreshold, Window: seconds(rl.ReadWindowSecs)},
		ratelimit.ClassWrite:       {Class: ratelimit.ClassWrite, Threshold: rl.WriteThreshold, Window: seconds(rl.WriteWindowSecs)},
	}
}

// CircuitBreakerCooldown is how long an open breaker blocks calls
func (c Config) CircuitBreakerCooldown() time.Duration { return seconds(c.CircuitBreaker.CooldownSecs) }
