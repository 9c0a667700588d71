// Package notify pushes owner notifications to Telegram.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	tb "gopkg.in/telebot.v3"

	"github.com/tejzpr/agentmart/internal/config"
)

var ErrNotConfigured = errors.New("telegram not configured")

type Telegram struct {
	bot    *tb.Bot
	owner  *tb.Chat
	logger *zap.Logger
}

// NewTelegram builds a send-only bot; it never polls for updates.
func NewTelegram(cfg config.TelegramConfig, logger *zap.Logger) (*Telegram, error) {
	if cfg.BotToken == "" || cfg.OwnerChatID == 0 {
		return nil, ErrNotConfigured
	}
	bot, err := tb.NewBot(tb.Settings{
		Token:   cfg.BotToken,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new telegram bot")
	}
	return &Telegram{
		bot:    bot,
		owner:  &tb.Chat{ID: cfg.OwnerChatID},
		logger: logger.Named("telegram"),
	}, nil
}

// Notify sends a Markdown message to the owner chat.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Send(t.owner, text, &tb.SendOptions{ParseMode: tb.ModeMarkdown}); err != nil {
		return errors.Wrap(err, "send telegram message")
	}
	t.logger.Debug("owner notified")
	return nil
}

// CoffeeReady is the message asking the owner to approve a paid coffee order.
func CoffeeReady(orderID, orderText string, amount decimal.Decimal, paymentRef string) string {
	var b strings.Builder
	b.WriteString("☕ *Coffee Order Ready!*\n\n")
	fmt.Fprintf(&b, "*Order:* %s\n", escapeMarkdown(orderText))
	fmt.Fprintf(&b, "*Amount:* $%s USDC (paid ✓)\n", amount.StringFixed(2))
	fmt.Fprintf(&b, "*ID:* `%s`\n", orderID)
	if paymentRef != "" {
		fmt.Fprintf(&b, "*Ref:* `%s`\n", paymentRef)
	}
	b.WriteString("\nReply \"approve\" to place order via Swiggy")
	return b.String()
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// escapeMarkdown makes buyer text safe inside a legacy Markdown message.
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
