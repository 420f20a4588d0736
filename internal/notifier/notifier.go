// Package notifier delivers best-effort failure notifications to a Telegram
// chat. Notifications are fire-and-forget: they never block or fail a firing.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"expensed/internal/eventbus"
	"expensed/internal/pipeline"
	logx "expensed/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64
}

type Service struct {
	bot    *tele.Bot
	chatID int64
	log    logx.Logger
}

// New builds the notifier. Returns (nil, nil) when disabled or not
// configured; a nil *Service is safe to use.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notifier enabled but telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notifier enabled but chat_id is not set")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// No poller: this bot only sends.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Service{bot: b, chatID: cfg.ChatID, log: log}, nil
}

// Notify sends one message. Errors are logged, never returned upward.
func (s *Service) Notify(ctx context.Context, title, message string) {
	if s == nil || s.bot == nil {
		return
	}
	text := "⚠️ " + title
	if strings.TrimSpace(message) != "" {
		text += "\n" + message
	}
	_, err := s.bot.Send(tele.ChatID(s.chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		s.log.Warn("notification send failed", logx.Int64("chat_id", s.chatID), logx.Err(err))
		return
	}
	s.log.Debug("notification sent", logx.Int64("chat_id", s.chatID))
}

// WatchFailures forwards firing.failed events from the bus until ctx ends.
func (s *Service) WatchFailures(ctx context.Context, bus eventbus.Bus) {
	if s == nil || bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeFiringFailed {
				continue
			}
			fe, ok := ev.Data.(pipeline.FiringEvent)
			if !ok {
				continue
			}
			title := fmt.Sprintf("Recurring expense %q failed", fe.Template)
			msg := fmt.Sprintf("stage: %s\nfired: %s\nerror: %s",
				fe.Stage, fe.FiredAt.Format(time.RFC3339), fe.Error)
			s.Notify(ctx, title, msg)
		}
	}
}
