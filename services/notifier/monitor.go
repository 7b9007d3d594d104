package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"catalog-proxy-go/logcolors"
	"catalog-proxy-go/services/credentials"

	log "github.com/sirupsen/logrus"
)

var ErrNoToken = errors.New("no developer token to monitor")

// MonitorConfig holds the configuration for the developer token monitor
type MonitorConfig struct {
	Source           credentials.Source
	WarningThreshold int // days before expiry to start warning
	ReminderInterval int // hours between repeated reminders
	StateFile        string
	Notifiers        []Notifier
	Now              func() time.Time
}

// MonitorState tracks when we last notified so restarts do not re-alert
type MonitorState struct {
	LastNotificationSent time.Time `json:"last_notification_sent"`
	LastDaysRemaining    int       `json:"last_days_remaining"`
}

// TokenMonitor warns ahead of developer token expiry. The developer token is
// a JWT with a readable exp claim; session tokens are opaque and are only
// detected as expired when an upstream rejects them.
type TokenMonitor struct {
	config MonitorConfig
	state  MonitorState
}

func NewTokenMonitor(config MonitorConfig) *TokenMonitor {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.ReminderInterval <= 0 {
		config.ReminderInterval = 24
	}
	m := &TokenMonitor{config: config}
	m.loadState()
	return m
}

func (m *TokenMonitor) loadState() {
	if m.config.StateFile == "" {
		return
	}
	data, err := os.ReadFile(m.config.StateFile)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		log.Warnf("%s Ignoring unreadable state file: %v", logcolors.LogTokenMonitor, err)
	}
}

func (m *TokenMonitor) saveState() {
	if m.config.StateFile == "" {
		return
	}
	data, err := json.Marshal(m.state)
	if err != nil {
		log.Errorf("%s Failed to marshal state: %v", logcolors.LogTokenMonitor, err)
		return
	}
	if err := os.WriteFile(m.config.StateFile, data, 0644); err != nil {
		log.Errorf("%s Failed to write state file: %v", logcolors.LogTokenMonitor, err)
	}
}

// shouldNotify is true when the day count changed or the reminder interval passed
func (m *TokenMonitor) shouldNotify(daysRemaining int, now time.Time) bool {
	if m.state.LastNotificationSent.IsZero() || daysRemaining != m.state.LastDaysRemaining {
		return true
	}
	return now.Sub(m.state.LastNotificationSent) >= time.Duration(m.config.ReminderInterval)*time.Hour
}

// Check reads the current developer token and notifies when it is close to expiry.
func (m *TokenMonitor) Check(ctx context.Context) error {
	if m.config.Source == nil {
		return ErrNoToken
	}
	cred, err := m.config.Source.Current(ctx)
	if err != nil {
		return fmt.Errorf("read developer token: %w", err)
	}
	if cred.DeveloperToken == "" {
		return ErrNoToken
	}

	now := m.config.Now()
	expiring, days, err := IsExpiringSoon(cred.DeveloperToken, m.config.WarningThreshold, now)
	if err != nil {
		return fmt.Errorf("inspect developer token: %w", err)
	}
	log.Debugf("%s expiring_soon=%v days_remaining=%d", logcolors.LogTokenMonitor, expiring, days)

	if !expiring {
		return nil
	}
	if !m.shouldNotify(days, now) {
		log.Debugf("%s Skipping notification (reminder interval not reached)", logcolors.LogTokenMonitor)
		return nil
	}

	subject, message := expiryMessage(days)
	sent, err := Broadcast(ctx, m.config.Notifiers, subject, message)
	if err != nil {
		return fmt.Errorf("notify developer token expiry: %w", err)
	}
	log.Infof("%s %s (sent via %d notifiers)", logcolors.LogTokenMonitor, subject, sent)

	m.state.LastNotificationSent = now
	m.state.LastDaysRemaining = days
	m.saveState()
	return nil
}

func expiryMessage(days int) (subject, message string) {
	const action = "Generate a new Apple Music developer token and update it in the credential store."

	switch {
	case days < 0:
		subject = "🚨 URGENT: Apple Music developer token EXPIRED"
		message = "The Apple Music developer token has expired. Catalog requests will fail " +
			"until it is replaced.\n\n" + action
	case days <= 1:
		subject = "⚠️ Alert: Apple Music developer token expires within a day"
		message = "The Apple Music developer token expires within 24 hours.\n\n" + action
	default:
		subject = "⏰ Notice: Apple Music developer token expiring soon"
		message = fmt.Sprintf("The Apple Music developer token expires in %d days.\n\n%s\n\n"+
			"You will receive reminders until the token is updated.", days, action)
	}
	return subject, message
}

// Run checks immediately, then on every interval until ctx is done.
func (m *TokenMonitor) Run(ctx context.Context, interval time.Duration) {
	log.Infof("%s Started (interval: %v, warning threshold: %d days, reminder interval: %d hours)",
		logcolors.LogTokenMonitor, interval, m.config.WarningThreshold, m.config.ReminderInterval)

	if err := m.Check(ctx); err != nil {
		log.Warnf("%s Initial check failed: %v", logcolors.LogTokenMonitor, err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				log.Warnf("%s Check failed: %v", logcolors.LogTokenMonitor, err)
			}
		}
	}
}
