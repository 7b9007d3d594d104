package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/stats"

	log "github.com/sirupsen/logrus"
)

const SessionExpirySubject = "Apple Music API Token Refresh Required"

// SessionExpiryNotifier tells an operator that the session credential must be
// refreshed. Repeat calls within the cooldown are suppressed, since every
// request after expiry fails the same way until someone acts.
type SessionExpiryNotifier struct {
	notifiers []Notifier
	location  string
	cooldown  time.Duration
	now       func() time.Time
	stats     *stats.Stats

	mu       sync.Mutex
	lastSent time.Time
}

type SessionExpiryConfig struct {
	Notifiers []Notifier
	// Location is where the operator updates the token, quoted in the message.
	Location string
	Cooldown time.Duration
	Now      func() time.Time
	Stats    *stats.Stats
}

func NewSessionExpiryNotifier(cfg SessionExpiryConfig) *SessionExpiryNotifier {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.Get()
	}
	return &SessionExpiryNotifier{
		notifiers: cfg.Notifiers,
		location:  cfg.Location,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
		stats:     cfg.Stats,
	}
}

// Message is the body sent to operators
func (n *SessionExpiryNotifier) Message() string {
	return fmt.Sprintf("The Apple Music session token (Music User Token) has expired or been revoked.\n\n"+
		"Catalog requests that need it are failing and are queued for replay.\n\n"+
		"Action: Refresh the token at %s. Queued requests will be retried with the new token.",
		n.location)
}

// Notify delivers the expiry message. It returns a wrapped ErrDeliveryFailed
// when no channel accepted it; callers log and continue.
func (n *SessionExpiryNotifier) Notify(ctx context.Context) error {
	now := n.now()

	n.mu.Lock()
	if !n.lastSent.IsZero() && now.Sub(n.lastSent) < n.cooldown {
		n.mu.Unlock()
		log.Debugf("%s Session expiry already reported at %s", logcolors.LogNotifier, n.lastSent.Format(time.RFC3339))
		return nil
	}
	prev := n.lastSent
	n.lastSent = now
	n.mu.Unlock()

	sent, err := Broadcast(ctx, n.notifiers, SessionExpirySubject, n.Message())
	if err != nil {
		// Let the next failure try again
		n.mu.Lock()
		if n.lastSent.Equal(now) {
			n.lastSent = prev
		}
		n.mu.Unlock()

		n.stats.RecordNotification(false)
		return fmt.Errorf("session expiry notice: %w", err)
	}

	n.stats.RecordNotification(true)
	log.Infof("%s Session expiry reported via %d channel(s)", logcolors.LogNotifier, sent)
	return nil
}
