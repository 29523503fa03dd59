// Package telegram delivers operator alerts to a Telegram chat. It backs the
// log alert sink and the recovery escalation path.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

var ErrNoChat = errors.New("telegram chat id is not set")

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration // default 10s
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// Sender implements logx.AlertSender on top of a telebot client. It never
// polls for updates.
type Sender struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func New(cfg Config) (*Sender, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, ErrNoChat
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

// SendAlert posts text as a plain message with link previews disabled.
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(s.chat, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              s.thread,
	})
	return err
}
