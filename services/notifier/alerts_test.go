package notifier

import (
	"strings"
	"testing"
	"time"
)

func TestAlertHandler_ReceivesBreakerEvents(t *testing.T) {
	mock := newMockNotifier()
	bus := NewEventBus()
	h := NewAlertHandler(AlertConfig{Notifiers: []Notifier{mock}, CooldownDuration: time.Minute})
	h.Start(bus)

	bus.CircuitOpened("apple-music", 5, 5*time.Minute)
	mock.waitForSend(t)

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if !strings.Contains(mock.subjects[0], "Circuit Breaker OPEN") {
		t.Errorf("Unexpected subject %q", mock.subjects[0])
	}
	if !strings.Contains(mock.messages[0], "apple-music") || !strings.Contains(mock.messages[0], "5 consecutive") {
		t.Errorf("Unexpected message %q", mock.messages[0])
	}
}

func TestAlertHandler_Cooldown(t *testing.T) {
	mock := newMockNotifier()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewAlertHandler(AlertConfig{
		Notifiers:        []Notifier{mock},
		CooldownDuration: 10 * time.Minute,
		Now:              func() time.Time { return now },
	})

	event := NewEvent(EventHighFailureRate, SeverityWarning, "").
		WithData("name", "musicbrainz").WithData("failures", 3).WithData("threshold", 5)

	h.HandleEvent(event)
	h.HandleEvent(event)
	if mock.count() != 1 {
		t.Fatalf("Expected 1 alert within cooldown, got %d", mock.count())
	}

	// A different type is not blocked
	h.HandleEvent(NewEvent(EventCircuitBreakerRecovered, SeverityInfo, "").WithData("name", "musicbrainz"))
	if mock.count() != 2 {
		t.Errorf("Expected recovery alert, got %d alerts", mock.count())
	}

	now = now.Add(11 * time.Minute)
	h.HandleEvent(event)
	if mock.count() != 3 {
		t.Errorf("Expected alert after cooldown, got %d", mock.count())
	}

	h.ResetAllCooldowns()
	h.HandleEvent(event)
	if mock.count() != 4 {
		t.Errorf("Expected alert after reset, got %d", mock.count())
	}
}

func TestAlertHandler_IgnoresUnformattedEvents(t *testing.T) {
	mock := newMockNotifier()
	h := NewAlertHandler(AlertConfig{Notifiers: []Notifier{mock}})

	h.HandleEvent(NewEvent(EventCacheCleared, SeverityInfo, "").WithData("entries", 3))
	h.HandleEvent(NewEvent(EventSessionExpired, SeverityCritical, ""))

	if mock.count() != 0 {
		t.Errorf("Expected no alerts, got %d", mock.count())
	}
}

func TestEventBus_NilIsSafe(t *testing.T) {
	var bus *EventBus
	bus.CircuitOpened("x", 1, time.Second)
	bus.PublishCacheCleared(1)
}

func TestEventBus_SubscribeByType(t *testing.T) {
	bus := NewEventBus()
	got := make(chan *Event, 1)
	bus.Subscribe(EventReplayFailed, func(e *Event) { got <- e })

	bus.PublishCacheCleared(1)
	bus.PublishReplayFailed("apple-music", "/v1/me/library", errTest("boom"))

	select {
	case e := <-got:
		if e.Data["path"] != "/v1/me/library" {
			t.Errorf("Unexpected event data %v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
