package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/ratelimit"
	"catalog-proxy-go/stats"

	log "github.com/sirupsen/logrus"
)

// Limiter is the shared fixed-window counter.
type Limiter interface {
	Allow(ctx context.Context, key string, p ratelimit.Policy) (ratelimit.Decision, error)
}

type RateLimitOptions struct {
	Limiter           Limiter
	Policies          ratelimit.Policies
	AdminKey          string
	TrustForwardedFor bool
	Stats             *stats.Stats
}

// ClientIP returns the caller identity used for rate limiting: the first
// X-Forwarded-For entry when trusted, else the RemoteAddr host, else "unknown".
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// CallerClass picks the policy class for an admin route. A valid admin key
// lifts the caller to the admin allowance.
func CallerClass(r *http.Request, adminKey string) string {
	if ValidAPIKey(r, adminKey) {
		return ratelimit.ClassAdmin
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ratelimit.ClassRead
	default:
		return ratelimit.ClassWrite
	}
}

// RateLimitMiddleware enforces the per-class policies. Counter failures let
// the request through.
func RateLimitMiddleware(opts RateLimitOptions) func(http.Handler) http.Handler {
	if opts.Policies == nil {
		opts.Policies = ratelimit.DefaultPolicies()
	}
	if opts.Stats == nil {
		opts.Stats = stats.Get()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class := CallerClass(r, opts.AdminKey)
			policy := opts.Policies.For(class)
			ip := ClientIP(r, opts.TrustForwardedFor)

			d, err := opts.Limiter.Allow(r.Context(), ratelimit.Key(class, ip), policy)
			if err != nil {
				opts.Stats.RecordRateLimitError()
				log.Warnf("%s Counter unavailable, allowing %s: %v", logcolors.LogRateLimit, ip, err)
				next.ServeHTTP(w, r)
				return
			}
			opts.Stats.RecordRateLimit(class, d.Allowed)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Type", class)

			if !d.Allowed {
				log.Warnf("%s %s exceeded the %s limit (%d/%v)", logcolors.LogRateLimit, ip, class, policy.Threshold, policy.Window)
				w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(d.RetryAfter)))
				writeJSONError(w, http.StatusTooManyRequests, "Too Many Requests", "Please try again later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": errMsg, "message": message})
}
