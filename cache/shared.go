package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/stats"
	"catalog-proxy-go/utils"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ErrBackendUnavailable wraps any failure talking to the shared store.
var ErrBackendUnavailable = errors.New("shared cache backend unavailable")

// Shared is the cross-instance tier backed by Redis. Caching is an
// optimization: Get degrades every backend error to a miss and Set to a no-op.
type Shared struct {
	client      redis.Cmdable
	timeout     time.Duration
	compression bool
	stats       *stats.Stats
}

// SharedOptions configures the shared tier.
type SharedOptions struct {
	// Timeout bounds each individual Redis call.
	Timeout time.Duration
	// Compression gzips payloads before they are stored.
	Compression bool
	Stats       *stats.Stats
}

func NewShared(client redis.Cmdable, opts SharedOptions) *Shared {
	if opts.Timeout <= 0 {
		opts.Timeout = 250 * time.Millisecond
	}
	if opts.Stats == nil {
		opts.Stats = stats.Get()
	}
	return &Shared{
		client:      client,
		timeout:     opts.Timeout,
		compression: opts.Compression,
		stats:       opts.Stats,
	}
}

// Get returns the payload for key, or false on a miss or any backend error.
func (s *Shared) Get(ctx context.Context, key string) ([]byte, bool) {
	payload, err := s.Lookup(ctx, key)
	if err != nil {
		log.Warnf("%s Get %s degraded to miss: %v", logcolors.LogCacheL2, key, err)
		s.stats.RecordCacheError("get")
		return nil, false
	}
	return payload, payload != nil
}

// Lookup is Get with the error surfaced. A miss is (nil, nil).
func (s *Shared) Lookup(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !s.compression {
		return raw, nil
	}

	payload, err := utils.Decompress(raw)
	if err != nil {
		// Entries written before compression was enabled are stored as-is
		return raw, nil
	}
	return payload, nil
}

// Set stores payload with the given TTL. Errors are logged and counted, never returned.
func (s *Shared) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if err := s.Store(ctx, key, payload, ttl); err != nil {
		log.Warnf("%s Set %s skipped: %v", logcolors.LogCacheL2, key, err)
		s.stats.RecordCacheError("set")
	}
}

// Store is Set with the error surfaced.
func (s *Shared) Store(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	value := payload
	if s.compression {
		compressed, err := utils.Compress(payload)
		if err != nil {
			return fmt.Errorf("compress %s: %w", key, err)
		}
		value = compressed
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// TTL reports the remaining lifetime of key; zero when absent or unknown.
func (s *Shared) TTL(ctx context.Context, key string) time.Duration {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil || d < 0 {
		return 0
	}
	return d
}

func (s *Shared) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
