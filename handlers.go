package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"catalog-proxy-go/circuitbreaker"
	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/middleware"
	"catalog-proxy-go/services/credentials"
	"catalog-proxy-go/services/notifier"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
)

const healthCheckTimeout = 2 * time.Second

const maxRotationBody = 64 << 10

var validate = validator.New()

// credentialStore is a credential source that can also be written.
type credentialStore interface {
	Store(ctx context.Context, cred credentials.Credential) error
}

func (a *app) breakerSnapshots() []circuitbreaker.Snapshot {
	snapshots := make([]circuitbreaker.Snapshot, 0, len(a.routes))
	for _, rt := range a.routes {
		if cb := rt.client.Breaker(); cb != nil {
			snapshots = append(snapshots, cb.Snapshot())
		}
	}
	return snapshots
}

func (a *app) credentialStatus(ctx context.Context) *CredentialStatus {
	status := &CredentialStatus{
		Source:   a.cfg.Credentials.Backend,
		Location: a.credentials.Location(),
		Status:   "healthy",
	}

	cred, err := a.credentials.Current(ctx)
	if err != nil {
		status.Status = "error"
		status.Error = err.Error()
		return status
	}
	status.DeveloperToken = cred.DeveloperToken != ""
	status.SessionToken = cred.SessionToken != ""
	if !status.DeveloperToken {
		status.Status = "missing"
		return status
	}

	now := time.Now()
	exp, err := notifier.ExpirationDate(cred.DeveloperToken)
	if err != nil {
		status.Status = "error"
		status.Error = err.Error()
		return status
	}
	days, _ := notifier.DaysUntilExpiration(cred.DeveloperToken, now)
	status.DeveloperExpires = exp.Format("2006-01-02 15:04:05")
	status.DaysRemaining = &days

	switch {
	case days < 0:
		status.Status = "expired"
	case days <= a.cfg.Notifier.TokenWarningDays:
		status.Status = "expiring_soon"
	}
	return status
}

func (a *app) getHealthStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	health := HealthResponse{
		Status:          "ok",
		Redis:           "ok",
		Upstreams:       a.upstreamNames(),
		CircuitBreakers: a.breakerSnapshots(),
	}

	if err := a.redis.Ping(ctx).Err(); err != nil {
		// Caching and rate limiting degrade, requests are still served
		health.Redis = "unreachable"
		health.Status = "degraded"
	}
	for _, snap := range health.CircuitBreakers {
		if snap.State == circuitbreaker.StateOpen.String() {
			health.Status = "degraded"
		}
	}

	// Details are for operators only
	if middleware.ValidAPIKey(r, a.cfg.Server.AdminAPIKey) {
		if depth, err := a.queue.Len(ctx); err == nil {
			health.RetryQueueDepth = &depth
		}
		health.Credentials = a.credentialStatus(ctx)
		if s := health.Credentials.Status; s != "healthy" && health.Status == "ok" {
			health.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, health)
}

func (a *app) getStats(w http.ResponseWriter, r *http.Request) {
	snapshot := a.stats.Snapshot()

	snapshot["cache_storage"] = map[string]interface{}{
		"l1_entries": a.l1.Len(),
		"l1_ttl":     a.l1.TTL().String(),
	}
	snapshot["circuit_breakers"] = a.breakerSnapshots()

	if depth, err := a.queue.Len(r.Context()); err == nil {
		snapshot["retry_queue_depth"] = depth
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (a *app) cacheLookup(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "Missing 'key' query parameter")
		return
	}

	resp := CacheLookupResponse{Key: key}
	if payload, ok := a.l1.Get(key); ok {
		resp.InL1 = true
		resp.SizeBytes = len(payload)
	}

	payload, err := a.l2.Lookup(r.Context(), key)
	switch {
	case err != nil:
		resp.L2Error = err.Error()
	case payload != nil:
		resp.InL2 = true
		resp.SizeBytes = len(payload)
		if ttl := a.l2.TTL(r.Context(), key); ttl > 0 {
			resp.L2TTL = ttl.Round(time.Second).String()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// clearCache purges L1. With ?key= only that entry is removed, from both tiers.
func (a *app) clearCache(w http.ResponseWriter, r *http.Request) {
	if key := r.URL.Query().Get("key"); key != "" {
		a.l1.Delete(key)
		if err := a.l2.Delete(r.Context(), key); err != nil {
			log.Warnf("%s Failed to delete %s from L2: %v", logcolors.LogCacheClear, key, err)
			writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("Removed from L1 only: %v", err))
			return
		}
		log.Infof("%s Removed %s", logcolors.LogCacheClear, key)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Cache entry removed",
			"key":     key,
		})
		return
	}

	n := a.l1.Purge()
	log.Infof("%s Purged %d L1 entries", logcolors.LogCacheClear, n)
	a.bus.PublishCacheCleared(n)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Cache cleared successfully",
		"entries": n,
	})
}

func (a *app) getCircuitBreakerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"circuit_breakers": a.breakerSnapshots(),
		"config": map[string]interface{}{
			"threshold":    a.cfg.CircuitBreaker.Threshold,
			"cooldown_sec": a.cfg.CircuitBreaker.CooldownSecs,
		},
	})
}

// resetCircuitBreaker closes the named breaker, or every breaker without ?name=
func (a *app) resetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")

	var reset []string
	for _, rt := range a.routes {
		cb := rt.client.Breaker()
		if cb == nil || (name != "" && cb.Name() != name) {
			continue
		}
		cb.Reset()
		reset = append(reset, cb.Name())
	}

	if len(reset) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown circuit breaker %q", name))
		return
	}

	log.Infof("%s Reset to CLOSED: %s", logcolors.LogServer, strings.Join(reset, ", "))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Circuit breaker reset to CLOSED state",
		"reset":   reset,
	})
}

func (a *app) getRetryQueueStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := a.queue.Len(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend":          a.cfg.RetryQueue.Backend,
		"depth":            depth,
		"visibility_delay": a.cfg.RetryDelay().String(),
		"worker_enabled":   a.cfg.FeatureFlags.RetryWorker,
	})
}

// drainRetryQueue replays one batch of due items now
func (a *app) drainRetryQueue(w http.ResponseWriter, r *http.Request) {
	report := a.consumer.ProcessDue(r.Context())
	log.Infof("%s Manual drain: %+v", logcolors.LogRetryQueue, report)
	writeJSON(w, http.StatusOK, report)
}

func (a *app) testNotifications(w http.ResponseWriter, r *http.Request) {
	if len(a.notifiers) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "No notifiers configured. Please configure at least one notifier in your .env file.",
			"help": map[string]string{
				"telegram": "Set NOTIFIER_TELEGRAM_BOT_TOKEN and NOTIFIER_TELEGRAM_CHAT_ID",
				"email":    "Set NOTIFIER_SMTP_HOST, NOTIFIER_SMTP_USERNAME, NOTIFIER_SMTP_PASSWORD, etc.",
				"ntfy":     "Set NOTIFIER_NTFY_TOPIC",
			},
		})
		return
	}

	creds := a.credentialStatus(r.Context())
	tokenInfo := fmt.Sprintf("Credential source:    %s\nSession token found:  %v\nDeveloper token:      %s",
		creds.Source, creds.SessionToken, creds.Status)
	if creds.DaysRemaining != nil {
		tokenInfo += fmt.Sprintf(" (%d days remaining)", *creds.DaysRemaining)
	}

	subject := "🧪 Test: Catalog Proxy Notifications"
	message := fmt.Sprintf(
		"🧪 CATALOG PROXY - TEST NOTIFICATION\n\n"+
			"✅ Status: Your notification setup is working correctly.\n\n"+
			"📊 Token Information:\n\n%s\n\n"+
			"You will receive similar notifications when a token\n"+
			"expires or is approaching expiration.",
		tokenInfo,
	)

	results := make(map[string]NotificationResult)
	failCount := 0
	for _, n := range a.notifiers {
		name := getNotifierTypeName(n)
		if err := n.Send(r.Context(), subject, message); err != nil {
			results[name] = NotificationResult{Status: "failed", Error: err.Error()}
			failCount++
			log.Errorf("%s %s failed: %v", logcolors.LogTestNotifications, name, err)
			continue
		}
		results[name] = NotificationResult{Status: "success"}
		log.Infof("%s %s sent successfully", logcolors.LogTestNotifications, name)
	}

	status := http.StatusOK
	if failCount > 0 {
		status = http.StatusPartialContent
	}
	writeJSON(w, status, map[string]interface{}{
		"message":     "Test notifications sent",
		"total":       len(a.notifiers),
		"successful":  len(a.notifiers) - failCount,
		"failed":      failCount,
		"results":     results,
		"credentials": creds,
	})
}

// rotateCredentials writes new tokens to the Redis credential store. Upstream
// calls and replays read the store on every request, so no restart is needed.
func (a *app) rotateCredentials(w http.ResponseWriter, r *http.Request) {
	store, ok := a.credentials.(credentialStore)
	if !ok {
		writeError(w, http.StatusConflict, "Credentials come from the environment; set CREDENTIALS_BACKEND=redis to rotate them here")
		return
	}

	var req CredentialRotation
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRotationBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "developer_token or session_token is required")
		return
	}

	err := store.Store(r.Context(), credentials.Credential{
		DeveloperToken: req.DeveloperToken,
		SessionToken:   req.SessionToken,
	})
	if err != nil {
		log.Errorf("%s Failed to rotate credentials at %s: %v", logcolors.LogCredentials, a.credentials.Location(), err)
		writeError(w, http.StatusServiceUnavailable, "Credential store unavailable")
		return
	}

	log.Infof("%s Rotated credentials at %s (developer=%v session=%v)", logcolors.LogCredentials,
		a.credentials.Location(), req.DeveloperToken != "", req.SessionToken != "")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":         "Credentials updated",
		"developer_token": req.DeveloperToken != "",
		"session_token":   req.SessionToken != "",
	})
}

func (a *app) helpHandler(w http.ResponseWriter, r *http.Request) {
	proxied := make(map[string]string, len(a.routes))
	for _, rt := range a.routes {
		proxied[rt.upstream.Name()] = rt.prefix + "/..."
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"upstreams": proxied,
		"examples": []string{
			a.cfg.AppleMusic.RoutePrefix + "/catalog/us/search?term=queen&types=songs",
			a.cfg.MusicBrainz.RoutePrefix + "/artist?query=queen&limit=10",
			a.cfg.MusicBrainz.RoutePrefix + "/artist/0383dadf-2a4e-4d10-a46a-e9e041da8eb3?inc=releases+tags",
		},
		"admin": []string{
			"GET /health", "GET /stats", "GET /metrics",
			"GET /cache/lookup?key=", "POST /cache/clear[?key=]",
			"GET /circuit-breaker", "POST /circuit-breaker/reset[?name=]",
			"GET /retry-queue", "POST /retry-queue/drain",
			"POST /test-notifications", "POST /credentials/rotate",
		},
		"auth": "Admin routes require the X-API-Key header when ADMIN_API_KEY is set",
	})
}
