package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/fliqwatch/fliqwatch/internal/pkg/config"
)

const statusRecentLimit = 10

// Bot serves the interactive Telegram commands (/status, /links, /validate)
// on top of the running watcher.
type Bot struct {
	bot           *tgbotapi.BotAPI
	adminChatID   int64
	maxLinks      int
	updateTimeout int

	watcher *Watcher
	source  Source
}

func NewBot(cfg *config.TelegramConfig, w *Watcher, source Source) (*Bot, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	bot.Debug = false

	slog.Info("Telegram bot authorized", "account", bot.Self.UserName)
	return &Bot{
		bot:           bot,
		adminChatID:   cfg.ChatID,
		maxLinks:      cfg.MaxLinksInMessage,
		updateTimeout: cfg.UpdateTimeout,
		watcher:       w,
		source:        source,
	}, nil
}

// Run processes bot commands until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	b.registerCommands()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.updateTimeout
	updates := b.bot.GetUpdatesChan(u)

	slog.Info("Telegram bot started")
	for {
		select {
		case <-ctx.Done():
			b.bot.StopReceivingUpdates()
			slog.Info("Telegram bot stopped")
			return
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

// registerCommands calls setMyCommands so Telegram clients show suggestions
// when the user types '/'.
func (b *Bot) registerCommands() {
	cmds := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "start", Description: "Start the bot"},
		tgbotapi.BotCommand{Command: "status", Description: "Number of current upcoming markets and latest"},
		tgbotapi.BotCommand{Command: "links", Description: "Links to current markets"},
		tgbotapi.BotCommand{Command: "validate", Description: "Force validation now (admin only)"},
		tgbotapi.BotCommand{Command: "help", Description: "Show help text"},
	)
	if _, err := b.bot.Request(cmds); err != nil {
		slog.Warn("setMyCommands failed", "error", err)
		return
	}
	slog.Info("setMyCommands: commands registered")
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	text := strings.TrimSpace(message.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	command := strings.ToLower(strings.Fields(text)[0])
	// Strip any @botname suffix
	if i := strings.Index(command, "@"); i > 0 {
		command = command[:i]
	}

	switch command {
	case "/start":
		b.reply(message.Chat.ID, "Fliq Match Watcher active. Commands: /status /links /help /validate")
	case "/help":
		b.reply(message.Chat.ID,
			"/start - start message\n"+
				"/status - count and latest matches\n"+
				"/links - links to current markets (up to first "+fmt.Sprint(b.maxLinks)+")\n"+
				"/validate - force validation of snapshot now (admin only)\n"+
				"/help - this message")
	case "/status":
		b.handleStatus(ctx, message.Chat.ID)
	case "/links":
		b.handleLinks(ctx, message.Chat.ID)
	case "/validate":
		b.handleValidate(ctx, message)
	default:
		b.reply(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	markets, err := b.watcher.Markets(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error reading snapshot: %v", err))
		return
	}
	if len(markets) == 0 {
		b.reply(chatID, "No upcoming approved Match Result markets in snapshot.")
		return
	}

	latest := markets[0]
	var builder strings.Builder
	fmt.Fprintf(&builder, "Known upcoming approved Match Result markets: %d\n", len(markets))
	fmt.Fprintf(&builder, "Latest detected: %s  (at %s)\n\n",
		latest.MatchHeader, latest.FirstDetectedAt.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&builder, "Recent (up to %d):\n", statusRecentLimit)
	for i, m := range markets {
		if i >= statusRecentLimit {
			break
		}
		fmt.Fprintf(&builder, "- %s\n", m.MatchHeader)
	}
	b.reply(chatID, builder.String())
}

func (b *Bot) handleLinks(ctx context.Context, chatID int64) {
	markets, err := b.watcher.Markets(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error reading snapshot: %v", err))
		return
	}
	if len(markets) == 0 {
		b.reply(chatID, "No upcoming approved Match Result markets in snapshot.")
		return
	}

	var lines []string
	for i, m := range markets {
		if i >= b.maxLinks {
			break
		}
		end := m.EndTimeISO
		if end == "" {
			end = "unknown"
		}
		lines = append(lines, fmt.Sprintf("- %s  (ends %s)\n  %s", m.MatchHeader, end, b.source.MarketURL(m)))
	}
	if len(markets) > b.maxLinks {
		lines = append(lines, fmt.Sprintf("...and %d more. See snapshot store.", len(markets)-b.maxLinks))
	}
	b.reply(chatID, "Upcoming markets:\n\n"+strings.Join(lines, "\n\n"))
}

func (b *Bot) handleValidate(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil || message.From.ID != b.adminChatID {
		b.reply(message.Chat.ID, "You are not authorized to run validation.")
		return
	}
	b.reply(message.Chat.ID, "Running validation now...")

	if _, err := b.watcher.TriggerValidation(ctx); err != nil {
		b.reply(message.Chat.ID, fmt.Sprintf("Validation failed: %v", err))
		return
	}
	markets, err := b.watcher.Markets(ctx)
	if err != nil {
		b.reply(message.Chat.ID, "Validation complete.")
		return
	}
	b.reply(message.Chat.ID, fmt.Sprintf("Validation complete. Current saved markets: %d", len(markets)))
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.bot.Send(msg); err != nil {
		slog.Warn("Telegram bot reply failed", "error", err)
	}
}
