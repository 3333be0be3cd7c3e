// Package notification pushes operator alerts for critical engine events to
// Telegram and Discord.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/logging"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyTradeClose NotificationType = "trade_close"
	NotifyStopLoss   NotificationType = "stop_loss"
	NotifyEmergency  NotificationType = "emergency"
	NotifyError      NotificationType = "error"
)

// Notification represents a notification message
type Notification struct {
	Type       NotificationType
	Title      string
	Message    string
	TraderID   string
	Symbol     string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
}

// Config selects the providers. Empty credentials disable a provider.
type Config struct {
	Enabled          bool   `json:"enabled"`
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   string `json:"telegram_chat_id"`
	DiscordWebhook   string `json:"discord_webhook"`
	MaxRetries       uint64 `json:"max_retries"`
}

// Manager fans notifications out to every provider
type Manager struct {
	notifiers  []Notifier
	maxRetries uint64
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewManager creates a manager with the providers cfg enables
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	m := &Manager{
		maxRetries: cfg.MaxRetries,
		timeout:    10 * time.Second,
		logger:     logging.Component(logger, "Notification"),
	}
	if !cfg.Enabled {
		return m
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		m.AddNotifier(NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhook != "" {
		m.AddNotifier(NewDiscordNotifier(cfg.DiscordWebhook))
	}
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Enabled reports whether any provider is configured
func (m *Manager) Enabled() bool {
	return len(m.notifiers) > 0
}

// Send delivers to every provider, retrying each with backoff. The last
// provider error is returned.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.MaxElapsedTime = 0
		policy := backoff.WithContext(backoff.WithMaxRetries(eb, m.maxRetries), ctx)

		err := backoff.Retry(func() error {
			return notifier.Send(ctx, n)
		}, policy)
		if err != nil {
			m.logger.Warn().Err(err).Str("provider", notifier.Name()).Str("type", string(n.Type)).Msg("Notification failed")
			lastErr = err
		}
	}
	return lastErr
}

// Attach subscribes the manager to the critical events on bus
func (m *Manager) Attach(bus *events.EventBus) {
	if !m.Enabled() {
		return
	}
	handler := func(ev events.Event) {
		n := FromEvent(ev)
		if n == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		_ = m.Send(ctx, n)
	}
	for _, t := range []events.EventType{
		events.EventPositionClosed,
		events.EventStopLossTriggered,
		events.EventEmergencyStop,
		events.EventTraderStateChanged,
	} {
		bus.Subscribe(t, handler)
	}
	m.logger.Info().Int("providers", len(m.notifiers)).Msg("Notifications attached to event bus")
}

// FromEvent turns an event into a notification, or nil when the event is
// not worth an alert
func FromEvent(ev events.Event) *Notification {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	switch ev.Type {
	case events.EventPositionClosed:
		pnl := floatOf(ev.Data, "pnl")
		pct := floatOf(ev.Data, "pnl_percent")
		title := "Trade Closed: " + stringOf(ev.Data, "symbol")
		if pnl < 0 {
			title = "Losing " + title
		}
		return &Notification{
			Type:  NotifyTradeClose,
			Title: title,
			Message: fmt.Sprintf("Entry: %.4f -> Exit: %.4f\nP&L: %.4f (%.2f%%)\nReason: %s",
				floatOf(ev.Data, "entry_price"), floatOf(ev.Data, "exit_price"), pnl, pct, stringOf(ev.Data, "reason")),
			TraderID:   ev.TraderID,
			Symbol:     stringOf(ev.Data, "symbol"),
			Price:      floatOf(ev.Data, "exit_price"),
			PnL:        pnl,
			PnLPercent: pct,
			Timestamp:  ts,
		}

	case events.EventStopLossTriggered:
		return &Notification{
			Type:      NotifyStopLoss,
			Title:     "Stop Loss: " + stringOf(ev.Data, "symbol"),
			Message:   fmt.Sprintf("Stop %.4f hit at %.4f", floatOf(ev.Data, "stop_loss"), floatOf(ev.Data, "price")),
			TraderID:  ev.TraderID,
			Symbol:    stringOf(ev.Data, "symbol"),
			Price:     floatOf(ev.Data, "price"),
			Timestamp: ts,
		}

	case events.EventEmergencyStop:
		scope := "all traders"
		if ev.TraderID != "" {
			scope = "trader " + ev.TraderID
		}
		return &Notification{
			Type:      NotifyEmergency,
			Title:     "EMERGENCY STOP",
			Message:   fmt.Sprintf("Scope: %s\nReason: %s", scope, stringOf(ev.Data, "reason")),
			TraderID:  ev.TraderID,
			Timestamp: ts,
		}

	case events.EventTraderStateChanged:
		if stringOf(ev.Data, "to") != "ERROR" {
			return nil
		}
		return &Notification{
			Type:      NotifyError,
			Title:     "Trader Failed",
			Message:   fmt.Sprintf("Trader %s entered ERROR: %s", ev.TraderID, stringOf(ev.Data, "reason")),
			TraderID:  ev.TraderID,
			Timestamp: ts,
		}
	}
	return nil
}

func stringOf(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func floatOf(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// postJSON posts payload and treats any 2xx as success. 4xx responses are
// permanent.
func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("provider returned status %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via the Telegram bot API
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message),
		"parse_mode": "Markdown",
	}
	return postJSON(ctx, t.client, fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken), payload)
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) Send(ctx context.Context, n *Notification) error {
	color := 0x00FF00 // Green
	switch {
	case n.Type == NotifyError, n.Type == NotifyEmergency, n.Type == NotifyStopLoss:
		color = 0xFF0000
	case n.Type == NotifyTradeClose && n.PnL < 0:
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       n.Title,
		"description": n.Message,
		"color":       color,
		"timestamp":   n.Timestamp.Format(time.RFC3339),
	}

	fields := make([]map[string]interface{}, 0, 3)
	if n.TraderID != "" {
		fields = append(fields, map[string]interface{}{"name": "Trader", "value": n.TraderID, "inline": true})
	}
	if n.Symbol != "" {
		fields = append(fields, map[string]interface{}{"name": "Symbol", "value": n.Symbol, "inline": true})
	}
	if n.PnL != 0 {
		fields = append(fields, map[string]interface{}{
			"name": "P&L", "value": fmt.Sprintf("%.4f (%.2f%%)", n.PnL, n.PnLPercent), "inline": true,
		})
	}
	if len(fields) > 0 {
		embed["fields"] = fields
	}

	return postJSON(ctx, d.client, d.webhookURL, map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
}
