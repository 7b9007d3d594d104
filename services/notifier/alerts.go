package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"catalog-proxy-go/logcolors"

	log "github.com/sirupsen/logrus"
)

// DefaultAlertCooldown is the minimum gap between alerts of the same type
const DefaultAlertCooldown = 15 * time.Minute

// AlertHandler turns bus events into operator notifications, at most one per
// event type per cooldown.
type AlertHandler struct {
	notifiers        []Notifier
	cooldowns        map[EventType]time.Time
	cooldownDuration time.Duration
	now              func() time.Time
	mu               sync.Mutex
}

type AlertConfig struct {
	Notifiers        []Notifier
	CooldownDuration time.Duration
	Now              func() time.Time
}

func NewAlertHandler(config AlertConfig) *AlertHandler {
	cooldown := config.CooldownDuration
	if cooldown == 0 {
		cooldown = DefaultAlertCooldown
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &AlertHandler{
		notifiers:        config.Notifiers,
		cooldowns:        make(map[EventType]time.Time),
		cooldownDuration: cooldown,
		now:              now,
	}
}

// Start subscribes the handler to every event on bus
func (h *AlertHandler) Start(bus *EventBus) {
	bus.SubscribeAll(h.HandleEvent)
	log.Infof("%s Alert handler started (cooldown: %v, notifiers: %d)",
		logcolors.LogNotifier, h.cooldownDuration, len(h.notifiers))
}

func (h *AlertHandler) HandleEvent(event *Event) {
	subject, message := formatAlert(event)
	if subject == "" {
		return
	}
	if !h.shouldAlert(event.Type) {
		log.Debugf("%s Skipping alert for %s (cooldown active)", logcolors.LogNotifier, event.Type)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Infof("%s Sending alert: %s", logcolors.LogNotifier, subject)
	sent, err := Broadcast(ctx, h.notifiers, subject, message)
	if err != nil {
		log.Warnf("%s Alert %s not delivered: %v", logcolors.LogNotifier, event.Type, err)
		return
	}
	log.Infof("%s Alert sent via %d/%d notifiers", logcolors.LogNotifier, sent, len(h.notifiers))
}

func (h *AlertHandler) shouldAlert(eventType EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	last, seen := h.cooldowns[eventType]
	if seen && now.Sub(last) < h.cooldownDuration {
		return false
	}
	h.cooldowns[eventType] = now
	return true
}

// ResetAllCooldowns lets the next event of every type through
func (h *AlertHandler) ResetAllCooldowns() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cooldowns = make(map[EventType]time.Time)
}

// formatAlert renders an event. Types without an operator-facing message
// return an empty subject.
func formatAlert(event *Event) (subject, message string) {
	str := func(key string) string {
		v, _ := event.Data[key].(string)
		return v
	}
	num := func(key string) int {
		v, _ := event.Data[key].(int)
		return v
	}

	switch event.Type {
	case EventCircuitBreakerOpen:
		subject = "Circuit Breaker OPEN"
		message = fmt.Sprintf(
			"The %s circuit breaker has tripped after %d consecutive failures.\n\n"+
				"Cache misses for this upstream will fail for %s.\n\n"+
				"Action: Check the upstream's status page and recent error logs.",
			str("name"), num("failures"), str("cooldown"))

	case EventServerStartupFailed:
		subject = "Server Startup FAILED"
		message = fmt.Sprintf(
			"The server failed to start.\n\nComponent: %s\nError: %s\n\n"+
				"Action: Check logs and fix the issue immediately.",
			str("component"), str("error"))

	case EventHighFailureRate:
		subject = "High Failure Rate Warning"
		message = fmt.Sprintf(
			"The %s circuit breaker has recorded %d/%d failures.\n\n"+
				"If failures continue, the circuit will open.",
			str("name"), num("failures"), num("threshold"))

	case EventReplayFailed:
		subject = "Queued Request Dropped"
		message = fmt.Sprintf(
			"A queued %s request for %s failed on replay and was dropped.\n\nError: %s",
			str("upstream"), str("path"), str("error"))

	case EventCacheUnavailable:
		subject = "Shared Cache Unavailable"
		message = fmt.Sprintf(
			"Redis could not be reached. Requests are served without the shared cache "+
				"and rate limits are not enforced.\n\nError: %s", str("error"))

	case EventCircuitBreakerRecovered:
		subject = "Circuit Breaker Recovered"
		message = fmt.Sprintf("The %s circuit breaker has recovered and is now operational.", str("name"))

	case EventServerStarted:
		upstreams, _ := event.Data["upstreams"].([]string)
		subject = "Server Started"
		message = fmt.Sprintf("Server started on port %s proxying %s.", str("port"), strings.Join(upstreams, ", "))

	default:
		// Session expiry is delivered by SessionExpiryNotifier; cache clears are routine.
		return "", ""
	}

	switch event.Severity {
	case SeverityCritical:
		subject = "🚨 " + subject
	case SeverityWarning:
		subject = "⚠️ " + subject
	case SeverityInfo:
		subject = "ℹ️ " + subject
	}
	return subject, message
}
