// Package notify pushes lifecycle events to operator channels.
package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hiveops/hive"
)

// TelegramNotifier forwards lifecycle events to a Telegram chat. Register it
// with Manager.OnEvent:
//
//	n, _ := notify.NewTelegramNotifier(token, chatID)
//	mgr.OnEvent(n.HandleEvent)
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier creates a notifier connected to the given bot token.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	bot.Debug = false
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

// HandleEvent formats and sends one lifecycle event. Send failures are
// logged; notification is best-effort.
func (t *TelegramNotifier) HandleEvent(ev hive.Event) {
	msg := tgbotapi.NewMessage(t.chatID, format(ev))
	if _, err := t.bot.Send(msg); err != nil {
		slog.Warn("telegram: send failed", "type", ev.Type, "agent", ev.AgentID, "error", err)
	}
}

func format(ev hive.Event) string {
	switch ev.Type {
	case hive.EventAgentSpawned:
		return fmt.Sprintf("spawned %s (%s) under %s", ev.AgentID, ev.RoleName, ev.ParentID)
	case hive.EventAgentTerminated:
		return fmt.Sprintf("terminated %s (%s): %s, %s descendants",
			ev.AgentID, ev.RoleName, ev.Data["reason"], ev.Data["descendants"])
	case hive.EventAgentRestored:
		return fmt.Sprintf("restored %s (%s)", ev.AgentID, ev.RoleName)
	case hive.EventIdleWarning:
		return fmt.Sprintf("agent %s is idle", ev.AgentID)
	default:
		return fmt.Sprintf("%s: %s", ev.Type, ev.AgentID)
	}
}
