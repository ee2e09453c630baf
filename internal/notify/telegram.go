package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender is the subset of *tgbotapi.BotAPI used for alerts.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram alerts an operator chat about failed or held commands and reaped leases.
// Successful acks are not sent.
type Telegram struct {
	sender Sender
	chatID int64
}

// NewTelegram connects to the Bot API with token.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return NewTelegramWithSender(bot, chatID), nil
}

// NewTelegramWithSender wraps an existing sender.
func NewTelegramWithSender(sender Sender, chatID int64) *Telegram {
	return &Telegram{sender: sender, chatID: chatID}
}

func (t *Telegram) CommandAcked(_ context.Context, ev AckEvent) error {
	if ev.OK {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "command %s %s by %s", ev.CommandID, strings.ToUpper(ev.Status), ev.AgentID)
	if ev.Message != "" {
		fmt.Fprintf(&b, "\n%s", ev.Message)
	}
	if !ev.Transitioned {
		b.WriteString("\n(receipt only, no state change)")
	}
	return t.send(b.String())
}

func (t *Telegram) LeasesReaped(_ context.Context, ev ReapEvent) error {
	if ev.Count == 0 && ev.Expired == 0 {
		return nil
	}
	text := fmt.Sprintf("reaper: %d lease(s) returned to pending, %d command(s) expired", ev.Count, ev.Expired)
	if ev.AgentID != "" {
		text += " for " + ev.AgentID
	}
	return t.send(text)
}

func (t *Telegram) send(text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.sender.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
