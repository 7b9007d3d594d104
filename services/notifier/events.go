package notifier

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// Critical
	EventCircuitBreakerOpen  EventType = "circuit_breaker_open"
	EventSessionExpired      EventType = "session_expired"
	EventServerStartupFailed EventType = "server_startup_failed"

	// Warning
	EventHighFailureRate  EventType = "high_failure_rate"
	EventReplayFailed     EventType = "replay_failed"
	EventCacheUnavailable EventType = "cache_unavailable"

	// Info
	EventCircuitBreakerRecovered EventType = "circuit_breaker_recovered"
	EventServerStarted           EventType = "server_started"
	EventCacheCleared            EventType = "cache_cleared"
)

// Severity represents the severity level of an event
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

type Event struct {
	Type      EventType
	Severity  Severity
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

func NewEvent(eventType EventType, severity Severity, message string) *Event {
	return &Event{
		Type:      eventType,
		Severity:  severity,
		Message:   message,
		Data:      make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}

// WithData adds data to the event (chainable)
func (e *Event) WithData(key string, value interface{}) *Event {
	e.Data[key] = value
	return e
}

type EventHandler func(event *Event)

// EventBus fans events out to subscribers, each on its own goroutine. A nil
// *EventBus accepts and drops every event, so components can publish without
// checking whether alerting is wired.
type EventBus struct {
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType][]EventHandler)}
}

func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll adds a handler that receives every event
func (b *EventBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

func (b *EventBus) Publish(event *Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, handler := range b.handlers[event.Type] {
		go handler(event)
	}
	for _, handler := range b.allHandlers {
		go handler(event)
	}
}

// CircuitOpened, CircuitRecovered and HighFailureRate let the bus receive
// circuit breaker transitions directly.

func (b *EventBus) CircuitOpened(name string, failures int, cooldown time.Duration) {
	b.Publish(NewEvent(EventCircuitBreakerOpen, SeverityCritical,
		"Circuit breaker has opened due to consecutive failures").
		WithData("name", name).
		WithData("failures", failures).
		WithData("cooldown", cooldown.String()))
}

func (b *EventBus) CircuitRecovered(name string) {
	b.Publish(NewEvent(EventCircuitBreakerRecovered, SeverityInfo,
		"Circuit breaker has recovered and is operational").
		WithData("name", name))
}

func (b *EventBus) HighFailureRate(name string, failures, threshold int) {
	b.Publish(NewEvent(EventHighFailureRate, SeverityWarning,
		"High failure rate detected, circuit breaker may trip soon").
		WithData("name", name).
		WithData("failures", failures).
		WithData("threshold", threshold))
}

// PublishSessionExpired records an upstream refusing the session credential.
// The dedicated session-expiry notifier reaches the operator; this event is
// for other subscribers such as audit logging.
func (b *EventBus) PublishSessionExpired(upstream string, status int) {
	b.Publish(NewEvent(EventSessionExpired, SeverityCritical,
		"Upstream rejected the session credential").
		WithData("upstream", upstream).
		WithData("status_code", status))
}

func (b *EventBus) PublishReplayFailed(upstream, path string, err error) {
	b.Publish(NewEvent(EventReplayFailed, SeverityWarning,
		"A queued request failed on replay and was dropped").
		WithData("upstream", upstream).
		WithData("path", path).
		WithData("error", err.Error()))
}

func (b *EventBus) PublishCacheUnavailable(err error) {
	b.Publish(NewEvent(EventCacheUnavailable, SeverityWarning,
		"Shared cache is unreachable; serving without it").
		WithData("error", err.Error()))
}

func (b *EventBus) PublishCacheCleared(entries int) {
	b.Publish(NewEvent(EventCacheCleared, SeverityInfo,
		"Process-local cache has been cleared").
		WithData("entries", entries))
}

func (b *EventBus) PublishServerStarted(port string, upstreams []string) {
	b.Publish(NewEvent(EventServerStarted, SeverityInfo,
		"Server started successfully").
		WithData("port", port).
		WithData("upstreams", upstreams))
}

func (b *EventBus) PublishServerStartupFailed(component string, err error) {
	b.Publish(NewEvent(EventServerStartupFailed, SeverityCritical,
		"Server failed to start").
		WithData("component", component).
		WithData("error", err.Error()))
}
