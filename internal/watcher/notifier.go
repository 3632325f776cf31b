package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/fliqwatch/fliqwatch/internal/pkg/models"
)

// Min interval between any two Telegram messages to the same chat to avoid 429 Too Many Requests (~30/min limit).
const telegramSendInterval = 2 * time.Second

// Notifier delivers market alerts. A dispatch is confirmed only when the
// returned error is nil; the caller marks the market seen afterwards.
type Notifier interface {
	// NotifyMarket sends the alert for a newly detected or updated market.
	NotifyMarket(ctx context.Context, m models.Market, link string, updated bool) error
	// Announce sends a plain service message (heartbeat, validation summary).
	Announce(ctx context.Context, text string) error
}

// TelegramNotifier sends alerts to a fixed admin chat over the Bot API.
// Sends are synchronous: the watch loop needs delivery confirmation before it
// marks a market seen.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64

	mu       sync.Mutex
	lastSend time.Time
}

var _ Notifier = (*TelegramNotifier)(nil)

func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	bot.Debug = false

	// Test bot connection
	if _, err := bot.GetMe(); err != nil {
		return nil, fmt.Errorf("failed to get bot info: %w", err)
	}

	slog.Info("Telegram notifier initialized", "chat_id", chatID)
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) NotifyMarket(ctx context.Context, m models.Market, link string, updated bool) error {
	return n.send(ctx, FormatMarketAlert(m, link, updated))
}

func (n *TelegramNotifier) Announce(ctx context.Context, text string) error {
	return n.send(ctx, text)
}

func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if elapsed := time.Since(n.lastSend); elapsed < telegramSendInterval {
		select {
		case <-ctx.Done():
			return &models.DispatchError{Err: ctx.Err()}
		case <-time.After(telegramSendInterval - elapsed):
		}
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	n.lastSend = time.Now()
	if _, err := n.bot.Send(msg); err != nil {
		return &models.DispatchError{Err: err}
	}
	return nil
}

// LogNotifier logs alerts instead of sending them. Used when no Telegram
// token is configured, so the watcher stays runnable in dev setups.
type LogNotifier struct{}

var _ Notifier = (*LogNotifier)(nil)

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) NotifyMarket(ctx context.Context, m models.Market, link string, updated bool) error {
	slog.Info("Telegram disabled, would send market alert",
		"match", m.MatchHeader, "link", link, "updated", updated)
	return nil
}

func (n *LogNotifier) Announce(ctx context.Context, text string) error {
	slog.Info("Telegram disabled, would send message", "text", text)
	return nil
}

// FormatMarketAlert builds the Markdown alert for a market.
func FormatMarketAlert(m models.Market, link string, updated bool) string {
	var builder strings.Builder

	if updated {
		builder.WriteString("🔄 *Match Result market updated*\n")
	} else {
		builder.WriteString("🚨 *New Match Result match detected*\n")
	}
	builder.WriteString(fmt.Sprintf("Match: %s\n", escapeMarkdown(m.MatchHeader)))
	if m.EndTimeISO != "" {
		builder.WriteString(fmt.Sprintf("End time (UTC): %s\n", m.EndTimeISO))
	}
	if !m.FirstDetectedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("First detected at: %s\n", m.FirstDetectedAt.UTC().Format("2006-01-02 15:04:05")))
	}

	builder.WriteString("\nOptions:\n")
	for _, o := range m.Options {
		builder.WriteString(fmt.Sprintf("- [%s] %s\n", o.QuestionID, escapeMarkdown(o.Title)))
	}

	builder.WriteString(fmt.Sprintf("\nLink: %s", link))
	return builder.String()
}

func escapeMarkdown(text string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(text)
}
