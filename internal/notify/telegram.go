package notify

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

// TelegramSink 通过 Telegram Bot API 推送引擎事件。
type TelegramSink struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramSink 构造 Telegram 事件通道。
func NewTelegramSink(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramSink{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

// Publish 调用 sendMessage API 推送文本。
func (s *TelegramSink) Publish(ctx context.Context, event Event) error {
	payload := map[string]string{
		"chat_id": s.chatID,
		"text":    renderMessage(event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	s.logger.Info().
		Str("event", string(event.Type)).
		Str("fingerprint", event.Fingerprint).
		Msg("事件已发送 (Telegram)")
	return nil
}

func renderMessage(event Event) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[dropstrike] %s\n", event.Type))
	if event.Listing != "" {
		builder.WriteString(fmt.Sprintf("Listing: %s / %s @ %s\n", event.Listing, event.Category, event.Source))
	}
	if event.Fingerprint != "" {
		builder.WriteString(fmt.Sprintf("Fingerprint: %s\n", event.Fingerprint))
	}
	if !event.Price.IsZero() {
		builder.WriteString(fmt.Sprintf("Price: %s\n", event.Price.StringFixed(2)))
	}
	if event.Priority > 0 {
		builder.WriteString(fmt.Sprintf("Priority: %d\n", event.Priority))
	}
	if event.WorkerID != "" {
		builder.WriteString(fmt.Sprintf("Worker: %s\n", event.WorkerID))
	}
	if event.ResourceID != "" {
		builder.WriteString(fmt.Sprintf("Resource: %s\n", event.ResourceID))
	}
	if event.Reason != "" {
		builder.WriteString(fmt.Sprintf("Reason: %s\n", event.Reason))
	}
	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", at.UTC().Format(time.RFC3339)))
	return builder.String()
}

var _ Sink = (*TelegramSink)(nil)
