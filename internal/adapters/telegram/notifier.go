// Package telegram delivers user and admin notifications. Primary transport
// is an in-process bot handle when the bot runs in the same binary; fallback
// is the Telegram HTTP API directly.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/pkg/observability"
	"github.com/outpostvpn/billing-service/pkg/resilience"
)

// notifierAttempts bounds delivery retries per transport
const notifierAttempts = 3

// BotHandle is the optional in-process transport. When the bot framework
// lives in the same process it registers itself here and skips the HTTP
// round-trip.
type BotHandle interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Notifier implements ports.Notifier over Telegram
type Notifier struct {
	bot         BotHandle
	botToken    string
	apiBaseURL  string
	adminUserID int64
	httpClient  ports.HTTPClient
	logger      ports.Logger
	backoff     resilience.BackoffStrategy
}

// Config holds notifier transport configuration
type Config struct {
	BotToken    string
	AdminUserID int64
	APIBaseURL  string
}

// NewNotifier creates a notifier. bot may be nil, in which case every
// delivery goes over HTTP.
func NewNotifier(cfg Config, bot BotHandle, httpClient ports.HTTPClient, logger ports.Logger) *Notifier {
	apiBaseURL := cfg.APIBaseURL
	if apiBaseURL == "" {
		apiBaseURL = "https://api.telegram.org"
	}
	return &Notifier{
		bot:         bot,
		botToken:    cfg.BotToken,
		apiBaseURL:  strings.TrimRight(apiBaseURL, "/"),
		adminUserID: cfg.AdminUserID,
		httpClient:  httpClient,
		logger:      logger,
		backoff:     resilience.NotifierBackoff(),
	}
}

// NotifyUser implements ports.Notifier
func (n *Notifier) NotifyUser(ctx context.Context, userID int64, text string) error {
	return n.deliver(ctx, "user", userID, text)
}

// NotifyAdmin implements ports.Notifier
func (n *Notifier) NotifyAdmin(ctx context.Context, text string) error {
	if n.adminUserID == 0 {
		n.logger.Warn("admin notification dropped, no admin user configured")
		return nil
	}
	return n.deliver(ctx, "admin", n.adminUserID, text)
}

// deliver tries the in-process handle first, then the HTTP API, each with
// retries
func (n *Notifier) deliver(ctx context.Context, audience string, chatID int64, text string) error {
	if n.bot != nil {
		err := resilience.Retry(ctx, notifierAttempts, n.backoff, nil, func() error {
			return n.bot.SendMessage(ctx, chatID, text)
		})
		if err == nil {
			observability.NotificationsSent.WithLabelValues(audience, "bot").Inc()
			return nil
		}
		n.logger.Warn("in-process bot delivery failed, falling back to HTTP",
			ports.Int64("chat_id", chatID),
			ports.Err(err))
	}

	if n.botToken == "" {
		return domain.NewDomainError(domain.ErrorCodeNotificationFailed,
			"no notification transport available")
	}

	err := resilience.Retry(ctx, notifierAttempts, n.backoff, nil, func() error {
		return n.sendHTTP(ctx, chatID, text)
	})
	if err != nil {
		return domain.WrapError(domain.ErrorCodeNotificationFailed, "telegram delivery failed", err)
	}
	observability.NotificationsSent.WithLabelValues(audience, "http").Inc()
	return nil
}

func (n *Notifier) sendHTTP(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBaseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

var _ ports.Notifier = (*Notifier)(nil)
