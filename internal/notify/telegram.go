package notify

import (
	"context"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	apperrors "tickwatch/internal/errors"
)

// ChatSender delivers a text message to a chat and returns the message id.
type ChatSender interface {
	SendChat(ctx context.Context, chatID int64, text string) (string, error)
}

// TelegramChannel delivers alerts through a Telegram bot.
type TelegramChannel struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramChannel authenticates the bot token against the Bot API.
func NewTelegramChannel(token string) (*TelegramChannel, error) {
	return NewTelegramChannelWithEndpoint(token, tgbotapi.APIEndpoint)
}

// NewTelegramChannelWithEndpoint is NewTelegramChannel against a custom API endpoint
// in tgbotapi format ("https://host/bot%s/%s").
func NewTelegramChannelWithEndpoint(token, endpoint string) (*TelegramChannel, error) {
	if token == "" {
		return nil, apperrors.ErrMissingCredentials
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, apperrors.Wrap(err, "creating telegram bot")
	}
	return &TelegramChannel{bot: bot}, nil
}

// SendChat sends text to chatID using HTML parse mode.
func (t *TelegramChannel) SendChat(ctx context.Context, chatID int64, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(chatID, escapeHTML(text))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	sent, err := t.bot.Send(msg)
	if err != nil {
		return "", apperrors.Wrap(err, "sending telegram message")
	}
	return strconv.Itoa(sent.MessageID), nil
}
