package notify

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
)

// TelegramNotifier mirrors notifications to a Telegram chat.
type TelegramNotifier struct {
	bot    *bot.Bot
	chatID int64
}

// NewTelegramNotifier creates a Telegram sink for the given bot token and
// chat.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: b, chatID: chatID}, nil
}

func (t *TelegramNotifier) Send(ctx context.Context, msg Message) error {
	text := msg.Body
	if msg.Title != "" {
		text = msg.Title + "\n" + text
	}

	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}
