package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"adrelay/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// ErrNotConnected is returned by Send before the adapter has connected.
var ErrNotConnected = errors.New("channel not connected")

// Telegram implements domain.Channel for a Telegram bot using long polling.
type Telegram struct {
	token       string
	apiEndpoint string
	parseMode   string
	retryDelay  time.Duration

	bot    atomic.Pointer[tgbotapi.BotAPI]
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token       string
	ParseMode   string
	APIEndpoint string // optional, defaults to api.telegram.org
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:       cfg.Token,
		apiEndpoint: cfg.APIEndpoint,
		parseMode:   cfg.ParseMode,
		retryDelay:  time.Second,
		logger:      cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Connect validates the token. Send works once Connect has succeeded, so the
// relay strategy can post before polling starts.
func (t *Telegram) Connect(_ context.Context) error {
	if t.bot.Load() != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.apiEndpoint)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot.Store(bot)
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return nil
}

// Start begins polling for updates and blocks until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus
	if err := t.Connect(ctx); err != nil {
		return err
	}
	bot := t.bot.Load()

	bus.OnOutbound("telegram", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		if err := t.Send(ctx, msg.ChatID, msg.Content); err != nil {
			t.logger.Error("telegram reply failed", "chat_id", msg.ChatID, "err", err)
		}
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling stops when Start's context is cancelled, and
// StopReceivingUpdates panics if called twice.
func (t *Telegram) Stop() error {
	return nil
}

// Send posts content to chatID, split into chunks under the Telegram limit.
func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	bot := t.bot.Load()
	if bot == nil {
		return fmt.Errorf("telegram: %w", ErrNotConnected)
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", chatID, err)
	}
	for _, chunk := range splitMessage(content, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, bot, id, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}
	m := update.Message
	if m.From.IsBot {
		return
	}

	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}
	chatID := m.Chat.ID

	if m.IsCommand() && m.Command() == "chatid" {
		if err := t.Send(context.Background(), strconv.FormatInt(chatID, 10), fmt.Sprintf("Chat ID: %d", chatID)); err != nil {
			t.logger.Warn("telegram chatid reply failed", "err", err)
		}
		return
	}

	t.logger.Info("telegram message received",
		"user_id", m.From.ID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	publish(context.Background(), t.bus, t, domain.InboundMessage{
		Channel:    "telegram",
		ChatID:     strconv.FormatInt(chatID, 10),
		SenderID:   strconv.FormatInt(m.From.ID, 10),
		SenderName: telegramDisplayName(m.From),
		Content:    text,
		Timestamp:  time.Unix(int64(m.Date), 0),
	}, t.logger)
}

func telegramDisplayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// sendChunk tries the configured parse mode first, falls back to plain text
// on entity errors, and backs off on rate limits and transient failures.
func (t *Telegram) sendChunk(ctx context.Context, bot *tgbotapi.BotAPI, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		errStr := err.Error()

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		}
		if strings.Contains(errStr, "chat not found") || strings.Contains(errStr, "Forbidden") {
			break
		}

		backoff := time.Duration(attempt+1) * t.retryDelay
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			backoff *= 3
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("telegram send to %d: %w", chatID, lastErr)
}
