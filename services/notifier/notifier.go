package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"catalog-proxy-go/logcolors"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrDeliveryFailed means no configured channel accepted the message.
	ErrDeliveryFailed = errors.New("notification delivery failed")

	ErrNoNotifiers = errors.New("no notifiers configured")
)

// Notifier delivers a message to one operator channel.
type Notifier interface {
	Send(ctx context.Context, subject, message string) error
}

// Broadcast sends through every notifier and reports how many succeeded.
// It fails with ErrDeliveryFailed only when every channel failed.
func Broadcast(ctx context.Context, notifiers []Notifier, subject, message string) (int, error) {
	if len(notifiers) == 0 {
		return 0, fmt.Errorf("%w: %w", ErrDeliveryFailed, ErrNoNotifiers)
	}

	sent := 0
	var errs []error
	for _, n := range notifiers {
		if err := n.Send(ctx, subject, message); err != nil {
			log.Errorf("%s Channel failed: %v", logcolors.LogNotifier, err)
			errs = append(errs, err)
			continue
		}
		sent++
	}

	if sent == 0 {
		return 0, fmt.Errorf("%w: %w", ErrDeliveryFailed, errors.Join(errs...))
	}
	return sent, nil
}

var defaultHTTPClient = &http.Client{Timeout: 10 * time.Second}

// =============================================================================
// EMAIL NOTIFIER
// =============================================================================

type EmailNotifier struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	ToEmail      string
}

// Send uses net/smtp, which has no context support; ctx is only checked up front.
func (e *EmailNotifier) Send(ctx context.Context, subject, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if e.SMTPUsername != "" {
		auth = smtp.PlainAuth("", e.SMTPUsername, e.SMTPPassword, e.SMTPHost)
	}

	msg := []byte("From: " + e.FromEmail + "\r\n" +
		"To: " + e.ToEmail + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"\r\n" +
		strings.ReplaceAll(message, "\n", "\r\n") + "\r\n")

	addr := e.SMTPHost + ":" + e.SMTPPort
	if err := smtp.SendMail(addr, auth, e.FromEmail, []string{e.ToEmail}, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	log.Infof("%s Email sent to %s", logcolors.LogNotifier, e.ToEmail)
	return nil
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

type TelegramNotifier struct {
	BotToken string
	ChatID   string
	// APIBase defaults to https://api.telegram.org
	APIBase string
	Client  *http.Client
}

func (t *TelegramNotifier) Send(ctx context.Context, subject, message string) error {
	base := t.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(base, "/"), t.BotToken)

	payload, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.ChatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", subject, message),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient(t.Client).Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	log.Infof("%s Telegram message sent to chat %s", logcolors.LogNotifier, t.ChatID)
	return nil
}

// =============================================================================
// NTFY NOTIFIER
// =============================================================================

type NtfyNotifier struct {
	Topic  string
	Server string // defaults to https://ntfy.sh
	Client *http.Client
}

func (n *NtfyNotifier) Send(ctx context.Context, subject, message string) error {
	server := n.Server
	if server == "" {
		server = "https://ntfy.sh"
	}
	url := strings.TrimRight(server, "/") + "/" + n.Topic

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("Title", subject)
	req.Header.Set("Priority", "high")
	req.Header.Set("Tags", "warning")

	resp, err := httpClient(n.Client).Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}

	log.Infof("%s Ntfy notification sent to topic %s", logcolors.LogNotifier, n.Topic)
	return nil
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return defaultHTTPClient
}
