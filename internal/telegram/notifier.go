// Package telegram pushes out-of-band notices to an operator chat: human
// verification URLs from the login handshake and terminal session errors.
package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"
)

// Notifier sends operator notifications. A nil *Notifier is a no-op, so
// callers never need to check whether Telegram is configured.
type Notifier struct {
	bot    *bot.Bot
	chatID int64
	logger *slog.Logger
}

// NewNotifier creates a notifier for the given bot token and chat.
func NewNotifier(token string, chatID int64, logger *slog.Logger) (*Notifier, error) {
	tgBot, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Notifier{
		bot:    tgBot,
		chatID: chatID,
		logger: logger.With("component", "telegram_notifier"),
	}, nil
}

// VerificationRequired tells the operator a login needs manual action. The
// URL is surfaced verbatim; the handshake is never retried automatically.
func (n *Notifier) VerificationRequired(ctx context.Context, url string) {
	n.send(ctx, fmt.Sprintf(
		"Mi account login requires human verification.\n\nOpen this URL, complete the check, then restart:\n%s", url))
}

// SessionError tells the operator session establishment failed terminally.
func (n *Notifier) SessionError(ctx context.Context, err error) {
	n.send(ctx, fmt.Sprintf("Mi session error: %v", err))
}

func (n *Notifier) send(ctx context.Context, text string) {
	if n == nil {
		return
	}
	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: n.chatID,
		Text:   text,
	})
	if err != nil {
		n.logger.Error("failed to send notification", "error", err)
	}
}
