package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification kinds.
const (
	KindAlert      = "alert"
	KindEscalation = "escalation"
	KindExhausted  = "escalation_exhausted"
)

// Notification carries the context of an alert or escalation message.
type Notification struct {
	Kind      string
	AlertID   string
	EntityID  string
	AlertType string
	Severity  string
	Message   string
	Action    string
	Level     int
	Contact   string
	Channels  []string
	At        time.Time
}

// Notifier delivers a notification over one channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("alert_id", note.AlertID).
		Str("entity_id", note.EntityID).
		Str("kind", note.Kind).
		Int("level", note.Level).
		Msg("notification sent (telegram)")
	return nil
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds the log channel.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the notification at a level matching its severity.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	event := n.logger.Info()
	switch note.Severity {
	case "critical", "high":
		event = n.logger.Warn()
	}
	event.Str("kind", note.Kind).
		Str("alert_id", note.AlertID).
		Str("entity_id", note.EntityID).
		Str("alert_type", note.AlertType).
		Str("severity", note.Severity).
		Str("action", note.Action).
		Int("level", note.Level).
		Str("contact", note.Contact).
		Msg(note.Message)
	return nil
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindEscalation:
		builder.WriteString(fmt.Sprintf("[Compliance Escalation L%d]\n", note.Level))
	case KindExhausted:
		builder.WriteString("[Compliance Escalation Exhausted]\n")
	default:
		builder.WriteString("[Compliance Alert]\n")
	}
	builder.WriteString(fmt.Sprintf("Entity: %s\n", note.EntityID))
	if note.AlertType != "" {
		builder.WriteString(fmt.Sprintf("Type: %s\n", note.AlertType))
	}
	builder.WriteString(fmt.Sprintf("Severity: %s\n", strings.ToUpper(note.Severity)))
	if note.Action != "" {
		builder.WriteString(fmt.Sprintf("Action: %s\n", note.Action))
	}
	if note.Contact != "" {
		builder.WriteString(fmt.Sprintf("Contact: %s\n", note.Contact))
	}
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	if note.AlertID != "" {
		builder.WriteString(fmt.Sprintf("Alert: %s\n", note.AlertID))
	}
	if note.Message != "" {
		builder.WriteString(note.Message)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
