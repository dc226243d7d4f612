// Package notify pushes trade alerts to Telegram. Notifications are
// best-effort: failures are logged and never propagate into the trading
// path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polymarket-engine/internal/config"
)

const sendTimeout = 5 * time.Second

// Telegram sends messages to a single chat via the Bot API.
type Telegram struct {
	token  string
	chatID string
	http   *http.Client
	logger *slog.Logger
}

// NewTelegram returns nil when the bot token or chat ID is missing; callers
// treat a nil notifier as disabled.
func NewTelegram(cfg config.TelegramConfig, logger *slog.Logger) *Telegram {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil
	}
	return &Telegram{
		token:  cfg.BotToken,
		chatID: cfg.ChatID,
		http:   &http.Client{Timeout: sendTimeout},
		logger: logger.With("component", "telegram"),
	}
}

// Notify sends one text message. Errors are logged, not returned.
func (t *Telegram) Notify(ctx context.Context, text string) {
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		t.logger.Error("marshal message", "error", err)
		return
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.logger.Error("build request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		t.logger.Warn("telegram send failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.logger.Warn("telegram send rejected", "status", resp.StatusCode)
	}
}
