package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

type telegramAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramSender delivers alerts via the Telegram Bot API.
type TelegramSender struct {
	api    telegramAPI
	chatID string
}

// NewTelegramSender creates a bot client for token. The token is not
// verified until the first message is sent.
func NewTelegramSender(token, chatID string) (*TelegramSender, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &TelegramSender{api: b, chatID: chatID}, nil
}

func (t *TelegramSender) Send(ctx context.Context, alert Alert) error {
	_, err := t.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      telegramText(alert),
		ParseMode: models.ParseModeMarkdown,
	})
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }

func telegramText(alert Alert) string {
	var b strings.Builder
	title := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title)
	fmt.Fprintf(&b, "*%s*", bot.EscapeMarkdown(title))
	for _, f := range alert.Fields {
		fmt.Fprintf(&b, "\n%s: %s", bot.EscapeMarkdown(f.Name), bot.EscapeMarkdown(f.Value))
	}
	return b.String()
}
