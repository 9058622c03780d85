package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"smsagent/internal/config"
	"smsagent/internal/domain"
)

// Telegram adapts a Telegram bot to the SMS transport interface. Useful
// for exercising the full pipeline without an Android phone: each chat
// plays the role of a phone number.
type Telegram struct {
	token     string
	allowFrom map[int64]bool // empty = allow all
	logger    *slog.Logger

	bot    *tgbotapi.BotAPI
	offset int
}

func NewTelegram(cfg config.TelegramConfig, logger *slog.Logger) *Telegram {
	allowed := make(map[int64]bool)
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed[id] = true
		}
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		logger:    logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) connect() error {
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return nil
}

// PollInbox fetches pending updates since the last confirmed offset.
func (t *Telegram) PollInbox(ctx context.Context) ([]domain.InboundMessage, error) {
	if err := t.connect(); err != nil {
		return nil, err
	}

	u := tgbotapi.NewUpdate(t.offset)
	u.Timeout = 1
	updates, err := t.bot.GetUpdates(u)
	if err != nil {
		return nil, fmt.Errorf("telegram get updates: %w", err)
	}

	var msgs []domain.InboundMessage
	for _, update := range updates {
		if update.UpdateID >= t.offset {
			t.offset = update.UpdateID + 1
		}
		if update.Message == nil || update.Message.Text == "" {
			continue
		}
		from := update.Message.From
		if from != nil && len(t.allowFrom) > 0 && !t.allowFrom[from.ID] {
			t.logger.Warn("ignoring message from unauthorized user", "user_id", from.ID)
			continue
		}
		msgs = append(msgs, domain.InboundMessage{
			ID:         uuid.NewString(),
			SenderID:   strconv.FormatInt(update.Message.Chat.ID, 10),
			Body:       update.Message.Text,
			ReceivedAt: time.Unix(int64(update.Message.Date), 0),
			Transport:  t.Name(),
		})
	}
	return msgs, nil
}

// Send delivers one message to the chat identified by recipientID.
func (t *Telegram) Send(ctx context.Context, recipientID, text string) error {
	if err := t.connect(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", recipientID, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	return nil
}
