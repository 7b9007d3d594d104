// Package ratelimit implements fixed-window request counters in Redis.
//
// A window starts with the increment that takes a counter from 0 to 1; that
// increment, and only that one, sets the key's expiry. Increment and expiry run
// as one Lua script, so concurrent first requests from different processes
// cannot both set the expiry or see a counter without one.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript increments KEYS[1]; when the new count is 1 it sets the expiry
// to ARGV[1] milliseconds. Returns {count, pttl}.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {count, redis.call('PTTL', KEYS[1])}
`)

// DefaultRetryAfter is used when the remaining window cannot be determined.
const DefaultRetryAfter = 60 * time.Second

const keyPrefix = "ratelimit:"

var ErrInvalidPolicy = errors.New("rate limit policy needs a positive threshold and window")

// Policy is a per-caller-class allowance: at most Threshold requests per Window.
type Policy struct {
	Class     string
	Threshold int
	Window    time.Duration
}

// Counter is the state of one window after an increment.
type Counter struct {
	Count     int64
	Remaining time.Duration // time until the window resets; 0 if unknown
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	Remaining  int           // requests left in the window
	RetryAfter time.Duration // set when rejected
	ResetIn    time.Duration
}

// Limiter counts requests in fixed windows stored in Redis.
type Limiter struct {
	client             redis.Scripter
	fallbackRetryAfter time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithFallbackRetryAfter sets the Retry-After used when the window's TTL is not available.
func WithFallbackRetryAfter(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.fallbackRetryAfter = d
		}
	}
}

// New creates a limiter on the given Redis client.
func New(client redis.Scripter, opts ...Option) *Limiter {
	l := &Limiter{client: client, fallbackRetryAfter: DefaultRetryAfter}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key namespaces a caller identity for a policy class.
func Key(class, identity string) string {
	if class == "" {
		return keyPrefix + identity
	}
	return keyPrefix + class + ":" + identity
}

// Increment atomically bumps the counter at key, starting a new window of the
// given length when the counter did not exist.
func (l *Limiter) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	if window <= 0 {
		return Counter{}, ErrInvalidPolicy
	}
	res, err := incrementScript.Run(ctx, l.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Counter{}, fmt.Errorf("redis increment %s: %w", key, err)
	}
	if len(res) != 2 {
		return Counter{}, fmt.Errorf("redis increment %s: unexpected reply %v", key, res)
	}

	c := Counter{Count: res[0]}
	if res[1] > 0 {
		c.Remaining = time.Duration(res[1]) * time.Millisecond
	}
	return c, nil
}

// Allow increments the caller's counter and compares it to the policy threshold.
// The request that produces count == Threshold is still allowed.
func (l *Limiter) Allow(ctx context.Context, key string, p Policy) (Decision, error) {
	if p.Threshold <= 0 || p.Window <= 0 {
		return Decision{}, ErrInvalidPolicy
	}

	c, err := l.Increment(ctx, key, p.Window)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Count:   c.Count,
		Limit:   p.Threshold,
		ResetIn: c.Remaining,
	}
	if left := int64(p.Threshold) - c.Count; left > 0 {
		d.Remaining = int(left)
	}
	if c.Count <= int64(p.Threshold) {
		d.Allowed = true
		return d, nil
	}

	d.RetryAfter = c.Remaining
	if d.RetryAfter <= 0 {
		d.RetryAfter = l.fallbackRetryAfter
	}
	return d, nil
}

// RetryAfterSeconds rounds a retry-after duration up to whole seconds (minimum 1).
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
